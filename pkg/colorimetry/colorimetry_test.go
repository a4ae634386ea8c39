package colorimetry

import (
	"math"
	"testing"

	colorful "github.com/lucasb-eyer/go-colorful"
	"github.com/stretchr/testify/assert"
)

func TestDefaultLab(t *testing.T) {
	srgb := Profiles{Output: "sRGB", Working: "sRGB"}

	white := Default{}.Lab(1, 1, 1, srgb)
	assert.InDelta(t, 100.0, white.L, 0.1)
	assert.InDelta(t, 0.0, white.Chroma(), 0.1)

	black := Default{}.Lab(0, 0, 0, srgb)
	assert.InDelta(t, 0.0, black.L, 1e-9)

	gray := Default{}.Lab(0.5, 0.5, 0.5, srgb)
	assert.InDelta(t, 53.4, gray.L, 0.2)
	assert.InDelta(t, 0.0, gray.Chroma(), 0.1)
}

func TestDefaultLabLinearOutput(t *testing.T) {
	lin := math.Pow((0.5+0.055)/1.055, 2.4)
	got := Default{}.Lab(lin, lin, lin, Profiles{Output: "Linear sRGB", Working: "ProPhoto"})
	assert.InDelta(t, 53.4, got.L, 0.2)
}

func TestLightnessIsMonotonic(t *testing.T) {
	p := Profiles{Output: "sRGB", Working: "ProPhoto"}
	prev := -1.0
	for v := 0.0; v <= 1.0; v += 0.05 {
		l := Default{}.Lab(v, v, v, p).L
		assert.Greater(t, l, prev)
		prev = l
	}
}

func TestWhiteRef(t *testing.T) {
	assert.Equal(t, colorful.D50, WhiteRef("ProPhoto"))
	assert.Equal(t, colorful.D50, WhiteRef("D50 working"))
	assert.Equal(t, colorful.D65, WhiteRef("sRGB"))
	assert.True(t, IsLinear("linear"))
	assert.False(t, IsLinear("sRGB"))
}

func TestAdapterFunc(t *testing.T) {
	var a Adapter = AdapterFunc(func(r, g, b float64, _ Profiles) Triple {
		return Triple{L: (r + g + b) / 3}
	})
	assert.InDelta(t, 0.5, a.Lab(0.2, 0.5, 0.8, Profiles{}).L, 1e-9)
}
