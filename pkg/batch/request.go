package batch

import (
	"strings"

	pkgerrors "github.com/pkg/errors"
)

func (m SidecarMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *SidecarMode) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "", "none":
		*m = SidecarNone
	case "optional":
		*m = SidecarOptional
	case "required":
		*m = SidecarRequired
	default:
		return pkgerrors.Errorf("unknown sidecar mode %q", string(b))
	}
	return nil
}

// Request is the JSON form of a batch run, as accepted by the daemon.
type Request struct {
	Inputs          []string    `json:"inputs"`
	Output          string      `json:"output,omitempty"`
	Profiles        []string    `json:"profiles,omitempty"`
	UseDefault      bool        `json:"useDefault,omitempty"`
	Overwrite       bool        `json:"overwrite,omitempty"`
	Sidecar         SidecarMode `json:"sidecar,omitempty"`
	SidecarPosition int         `json:"sidecarPosition,omitempty"`
	CopyParams      bool        `json:"copyParams,omitempty"`
	Format          string      `json:"format,omitempty"`
	Bits            int         `json:"bits,omitempty"`
	Quality         int         `json:"quality,omitempty"`
	Subsampling     int         `json:"subsampling,omitempty"`
	AllExtensions   bool        `json:"allExtensions,omitempty"`
}

// Options converts the request. Collaborators are left unset.
func (r Request) Options() (Options, error) {
	if len(r.Inputs) == 0 {
		return Options{}, pkgerrors.New("no inputs")
	}
	return Options{
		Inputs:          r.Inputs,
		Output:          r.Output,
		Profiles:        r.Profiles,
		UseDefault:      r.UseDefault,
		Overwrite:       r.Overwrite,
		Sidecar:         r.Sidecar,
		SidecarPosition: r.SidecarPosition,
		CopyParams:      r.CopyParams,
		Format:          r.Format,
		Bits:            r.Bits,
		Quality:         r.Quality,
		Subsampling:     r.Subsampling,
		AllExtensions:   r.AllExtensions,
	}, nil
}
