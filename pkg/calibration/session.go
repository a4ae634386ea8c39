package calibration

import (
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/charlie0129/rtcal/pkg/coordinator"
	"github.com/charlie0129/rtcal/pkg/engine"
)

// Request describes a calibration to start. Zero tunables keep the values
// already present in the options it is applied to.
type Request struct {
	Input  string  `json:"input"`
	Output string  `json:"output"`
	X      int     `json:"x"`
	Y      int     `json:"y"`
	MinL   float64 `json:"minL"`

	MaxIterations int     `json:"maxIterations,omitempty"`
	BandWidth     float64 `json:"bandWidth,omitempty"`
	Sync          bool    `json:"sync,omitempty"`
	Format        string  `json:"format,omitempty"`
	Quality       int     `json:"quality,omitempty"`
	Bits          int     `json:"bits,omitempty"`
	NoResize      bool    `json:"noResize,omitempty"`
}

// Validate checks the request before any image is loaded.
func (r Request) Validate() error {
	if r.Input == "" {
		return pkgerrors.New("input is required")
	}
	if r.Output == "" {
		return pkgerrors.New("output is required")
	}
	if r.X < 0 || r.Y < 0 {
		return pkgerrors.Errorf("sample point (%d, %d) must not be negative", r.X, r.Y)
	}
	if r.MinL < 0 || r.MinL > 100 {
		return pkgerrors.Errorf("target lightness %g must be in [0, 100]", r.MinL)
	}
	if r.MaxIterations < 0 {
		return pkgerrors.Errorf("invalid max iterations %d", r.MaxIterations)
	}
	if r.BandWidth < 0 {
		return pkgerrors.Errorf("invalid band width %g", r.BandWidth)
	}
	switch r.Bits {
	case 0, 8, 16:
	default:
		return pkgerrors.Errorf("unsupported bit depth %d, must be 8 or 16", r.Bits)
	}
	switch r.format() {
	case "", engine.FormatJPEG, engine.FormatPNG, engine.FormatTIFF:
	default:
		return pkgerrors.Errorf("unsupported output format %q", r.Format)
	}
	if f := r.format(); (f == "" || f == engine.FormatJPEG) && r.Bits == 16 {
		return pkgerrors.New("jpg output only supports 8 bits")
	}
	return nil
}

// Apply copies the request onto o.
func (r Request) Apply(o *Options) {
	o.X, o.Y = r.X, r.Y
	o.MinL = r.MinL
	o.Output = r.Output
	if r.MaxIterations > 0 {
		o.MaxIterations = r.MaxIterations
	}
	if r.BandWidth > 0 {
		o.BandWidth = r.BandWidth
	}
	if r.Sync {
		o.Mode = coordinator.Sync
	}
	if f := r.format(); f != "" {
		o.Save.Format = f
		// Let setDefaults pick the depth of the new format.
		o.Save.Bits = 0
	}
	if r.Quality > 0 {
		o.Save.Quality = r.Quality
	}
	if r.Bits > 0 {
		o.Save.Bits = r.Bits
	}
	if r.NoResize {
		o.FinalResize.Enabled = false
	}
}

func (r Request) format() string {
	f := strings.ToLower(strings.TrimPrefix(r.Format, "."))
	switch f {
	case "jpeg":
		return engine.FormatJPEG
	case "tiff":
		return engine.FormatTIFF
	}
	return f
}

// SessionInfo is a calibration session as reported by the daemon.
type SessionInfo struct {
	Status
	Done    bool     `json:"done"`
	Error   string   `json:"error,omitempty"`
	Outcome *Outcome `json:"outcome,omitempty"`
}
