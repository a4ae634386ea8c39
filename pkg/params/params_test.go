package params

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClone(t *testing.T) {
	p := Defaults()
	p.Exposure.Compensation = 1.5
	c := p.Clone()
	c.Exposure.Compensation = -1
	c.Crop.Enabled = true

	assert.Equal(t, 1.5, p.Exposure.Compensation)
	assert.False(t, p.Crop.Enabled)
	assert.Nil(t, (*RenderParameters)(nil).Clone())
}

func TestSetExposureClamps(t *testing.T) {
	p := Defaults()
	p.SetExposure(20)
	assert.Equal(t, MaxExposure, p.Exposure.Compensation)
	p.SetExposure(-20)
	assert.Equal(t, MinExposure, p.Exposure.Compensation)
	p.SetExposure(0.25)
	assert.Equal(t, 0.25, p.Exposure.Compensation)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *RenderParameters)
		wantErr bool
	}{
		{"defaults", func(p *RenderParameters) {}, false},
		{"custom wb", func(p *RenderParameters) { p.WhiteBalance = WhiteBalance{WBCustom, 5000, 1.1} }, false},
		{"bad method", func(p *RenderParameters) { p.WhiteBalance.Method = "Flash" }, true},
		{"zero temperature", func(p *RenderParameters) { p.WhiteBalance = WhiteBalance{WBCustom, 0, 1} }, true},
		{"bad rotation", func(p *RenderParameters) { p.Coarse.Rotate = 45 }, true},
		{"empty crop", func(p *RenderParameters) { p.Crop = Crop{Enabled: true, W: 0, H: 10} }, true},
		{"empty resize", func(p *RenderParameters) { p.Resize = Resize{Enabled: true} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Defaults()
			tt.mutate(p)
			err := p.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChangeMaskString(t *testing.T) {
	assert.Equal(t, "None", ChangeMask(0).String())
	assert.Equal(t, "All", AllChanged.String())
	assert.Equal(t, "WhiteBalance|Exposure", (WhiteBalanceChanged | ExposureChanged).String())
	assert.True(t, (CropChanged | ExposureChanged).Geometry())
	assert.False(t, ExposureChanged.Geometry())
}

func TestMergeKeepsUnmentionedFields(t *testing.T) {
	base := Defaults()
	base.Crop = Crop{Enabled: true, X: 10, Y: 20, W: 30, H: 40}

	exposure, err := ParsePartial("exposure", []byte("exposure:\n  compensation: 1.25\n"))
	require.NoError(t, err)
	wb, err := ParsePartial("wb", []byte("whiteBalance:\n  temperature: 4500\n"))
	require.NoError(t, err)

	got, err := Merge(base, exposure, wb)
	require.NoError(t, err)

	assert.Equal(t, 1.25, got.Exposure.Compensation)
	assert.Equal(t, 4500.0, got.WhiteBalance.Temperature)
	assert.Equal(t, WBCamera, got.WhiteBalance.Method)
	assert.Equal(t, 1.0, got.WhiteBalance.Green)
	assert.Equal(t, base.Crop, got.Crop)
	// base is untouched
	assert.Equal(t, 0.0, base.Exposure.Compensation)
}

func TestMergeLaterWins(t *testing.T) {
	a, err := ParsePartial("a", []byte("exposure: {compensation: 1}\nresize: {enabled: true, width: 800, height: 600}\n"))
	require.NoError(t, err)
	b, err := ParsePartial("b", []byte("exposure: {compensation: -2}\n"))
	require.NoError(t, err)
	empty, err := ParsePartial("empty", []byte("  \n"))
	require.NoError(t, err)

	got, err := Merge(nil, a, empty, b)
	require.NoError(t, err)
	assert.Equal(t, -2.0, got.Exposure.Compensation)
	assert.Equal(t, Resize{Enabled: true, Width: 800, Height: 600}, got.Resize)
}

func TestMergeClampsExposure(t *testing.T) {
	pp, err := ParsePartial("big", []byte("exposure: {compensation: 40}\n"))
	require.NoError(t, err)
	got, err := Merge(Defaults(), pp)
	require.NoError(t, err)
	assert.Equal(t, MaxExposure, got.Exposure.Compensation)
}

func TestParsePartialInvalid(t *testing.T) {
	_, err := ParsePartial("bad", []byte("exposure: [unterminated"))
	assert.Error(t, err)

	pp, err := ParsePartial("wrong type", []byte("exposure: {compensation: bright}\n"))
	require.NoError(t, err)
	assert.Error(t, pp.ApplyTo(Defaults()))
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.jpg.pp3")
	p := Defaults()
	p.WhiteBalance = WhiteBalance{Method: WBCustom, Temperature: 5321, Green: 0.97}
	p.Exposure.Compensation = 0.35
	p.Coarse.Rotate = 90

	require.NoError(t, Save(p, path))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = Load(filepath.Join(t.TempDir(), "missing.pp3"))
	assert.Error(t, err)
}
