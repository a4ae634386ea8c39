package calibration

import (
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rtcal/pkg/colorimetry"
	"github.com/charlie0129/rtcal/pkg/config"
	"github.com/charlie0129/rtcal/pkg/coordinator"
	"github.com/charlie0129/rtcal/pkg/engine"
	"github.com/charlie0129/rtcal/pkg/events"
	"github.com/charlie0129/rtcal/pkg/params"
)

// Options configures a Controller.
type Options struct {
	// X and Y locate the sampled region in source coordinates.
	X, Y int
	// MinL is the lower edge of the target lightness band, in [0, 100].
	MinL float64
	// BandWidth is the width of the target band above MinL.
	BandWidth        float64
	InitialIncrement float64
	MaxIterations    int
	SpotWindow       int
	SampleWindow     int
	// CropWindow is the side of the area rendered while searching. Zero
	// renders the full frame.
	CropWindow  int
	FinalResize params.Resize

	Output         string
	Save           engine.SaveOptions
	ParamExtension string

	Mode        coordinator.Mode
	Colorimetry colorimetry.Adapter
	Hub         *events.EventHub
	Logger      logrus.FieldLogger
	SessionID   string
}

// DefaultOptions returns the options used when no configuration is given.
func DefaultOptions() Options {
	return Options{
		BandWidth:        0.5,
		InitialIncrement: 0.05,
		MaxIterations:    50,
		SpotWindow:       8,
		SampleWindow:     8,
		CropWindow:       100,
		FinalResize:      params.Resize{Enabled: true, Width: 1920, Height: 1080},
		Save:             engine.SaveOptions{Format: engine.FormatJPEG, Quality: 92, Subsampling: 3, Bits: 8},
		ParamExtension:   ".pp3",
		Mode:             coordinator.Async,
	}
}

// OptionsFromConfig fills the tunables from the application configuration.
// Target, output and collaborators are left for the caller.
func OptionsFromConfig(c config.Config) Options {
	o := DefaultOptions()
	o.BandWidth = c.BandWidth()
	o.InitialIncrement = c.InitialIncrement()
	o.MaxIterations = c.MaxIterations()
	o.SpotWindow = c.SpotWindow()
	o.SampleWindow = c.SampleWindow()
	o.CropWindow = c.CropWindow()
	o.FinalResize = params.Resize{
		Enabled: c.FinalResize(),
		Width:   c.FinalWidth(),
		Height:  c.FinalHeight(),
	}
	o.Save.Quality = c.JPEGQuality()
	o.Save.Subsampling = c.JPEGSubsampling()
	o.ParamExtension = c.ParamExtension()
	if !c.AsyncRender() {
		o.Mode = coordinator.Sync
	}
	return o
}

func (o *Options) setDefaults() {
	d := DefaultOptions()
	if o.BandWidth <= 0 {
		o.BandWidth = d.BandWidth
	}
	if o.InitialIncrement <= 0 {
		o.InitialIncrement = d.InitialIncrement
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.SpotWindow <= 0 {
		o.SpotWindow = d.SpotWindow
	}
	if o.SampleWindow <= 0 {
		o.SampleWindow = d.SampleWindow
	}
	if o.ParamExtension == "" {
		o.ParamExtension = d.ParamExtension
	}
	if o.Save.Format == "" {
		o.Save.Format = d.Save.Format
	}
	if o.Save.Bits == 0 {
		o.Save.Bits = 8
		if o.Save.Format == engine.FormatTIFF {
			o.Save.Bits = 16
		}
	}
	if o.Colorimetry == nil {
		o.Colorimetry = colorimetry.Default{}
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}
