// Package colorimetry converts averaged RGB samples to CIE L*a*b*.
package colorimetry

import (
	"math"
	"strings"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Profiles names the color profiles a sample was rendered with.
type Profiles struct {
	// Output is the profile of the rendered buffer.
	Output string
	// Working is the profile the engine processes in. It selects the
	// reference white.
	Working string
}

// Triple is a CIE L*a*b* value. L is in [0, 100].
type Triple struct {
	L float64 `json:"l"`
	A float64 `json:"a"`
	B float64 `json:"b"`
}

// Chroma returns the distance from the neutral axis.
func (t Triple) Chroma() float64 {
	return math.Hypot(t.A, t.B)
}

// Adapter converts a sample with channels in [0, 1] to L*a*b*.
type Adapter interface {
	Lab(r, g, b float64, p Profiles) Triple
}

// AdapterFunc adapts a plain function to Adapter.
type AdapterFunc func(r, g, b float64, p Profiles) Triple

func (f AdapterFunc) Lab(r, g, b float64, p Profiles) Triple {
	return f(r, g, b, p)
}

// Default is the go-colorful backed Adapter. Output profiles whose name
// contains "linear" are read as linear light, everything else as sRGB
// encoded. Working profiles based on D50 (ProPhoto, D50) use the D50 white.
type Default struct{}

func (Default) Lab(r, g, b float64, p Profiles) Triple {
	var c colorful.Color
	if IsLinear(p.Output) {
		c = colorful.LinearRgb(r, g, b)
	} else {
		c = colorful.Color{R: r, G: g, B: b}
	}
	l, a, bb := c.LabWhiteRef(WhiteRef(p.Working))
	return Triple{L: l * 100, A: a * 100, B: bb * 100}
}

// IsLinear reports whether a profile name denotes linear light.
func IsLinear(profile string) bool {
	return strings.Contains(strings.ToLower(profile), "linear")
}

// WhiteRef returns the reference white of a working profile.
func WhiteRef(working string) [3]float64 {
	w := strings.ToLower(working)
	if strings.Contains(w, "prophoto") || strings.Contains(w, "d50") {
		return colorful.D50
	}
	return colorful.D65
}
