// Package params holds the render parameter bundle, its change mask and the
// partial profiles that are merged on top of it.
package params

import (
	"fmt"
	"image"
	"math"
)

// WBMethod selects where the white balance comes from.
type WBMethod string

const (
	WBCamera WBMethod = "Camera"
	WBAuto   WBMethod = "Auto"
	WBCustom WBMethod = "Custom"
)

const (
	// MinExposure and MaxExposure bound the exposure compensation in EV.
	MinExposure = -5.0
	MaxExposure = 12.0

	// DefaultTemperature is the temperature of D65 in Kelvin.
	DefaultTemperature = 6504.0
)

type WhiteBalance struct {
	Method      WBMethod `json:"method" yaml:"method"`
	Temperature float64  `json:"temperature" yaml:"temperature"`
	// Green is the tint multiplier. 1 is neutral.
	Green float64 `json:"green" yaml:"green"`
}

type Exposure struct {
	// Compensation in EV.
	Compensation float64 `json:"compensation" yaml:"compensation"`
}

// Crop is a rectangle in source coordinates.
type Crop struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	X       int  `json:"x" yaml:"x"`
	Y       int  `json:"y" yaml:"y"`
	W       int  `json:"w" yaml:"w"`
	H       int  `json:"h" yaml:"h"`
}

// Rect returns the crop as a rectangle.
func (c Crop) Rect() image.Rectangle {
	return image.Rect(c.X, c.Y, c.X+c.W, c.Y+c.H)
}

// Resize fits the rendered frame inside Width x Height, keeping the aspect
// ratio. Images are never enlarged.
type Resize struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Width   int  `json:"width" yaml:"width"`
	Height  int  `json:"height" yaml:"height"`
}

// Coarse is the lossless geometric transform.
type Coarse struct {
	// Rotate is clockwise in degrees.
	Rotate         int  `json:"rotate" yaml:"rotate"`
	HorizontalFlip bool `json:"horizontalFlip" yaml:"horizontalFlip"`
	VerticalFlip   bool `json:"verticalFlip" yaml:"verticalFlip"`
}

type ColorManagement struct {
	Input   string `json:"input" yaml:"input"`
	Working string `json:"working" yaml:"working"`
	Output  string `json:"output" yaml:"output"`
}

// RenderParameters is everything the engine needs to render an image.
type RenderParameters struct {
	WhiteBalance    WhiteBalance    `json:"whiteBalance" yaml:"whiteBalance"`
	Exposure        Exposure        `json:"exposure" yaml:"exposure"`
	Crop            Crop            `json:"crop" yaml:"crop"`
	Resize          Resize          `json:"resize" yaml:"resize"`
	Coarse          Coarse          `json:"coarse" yaml:"coarse"`
	ColorManagement ColorManagement `json:"colorManagement" yaml:"colorManagement"`
}

// Defaults returns the built-in parameters.
func Defaults() *RenderParameters {
	return &RenderParameters{
		WhiteBalance: WhiteBalance{
			Method:      WBCamera,
			Temperature: DefaultTemperature,
			Green:       1,
		},
		ColorManagement: ColorManagement{
			Input:   "camera",
			Working: "ProPhoto",
			Output:  "sRGB",
		},
	}
}

// Clone returns a deep copy.
func (p *RenderParameters) Clone() *RenderParameters {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// SetExposure sets the exposure compensation, clamped to the supported range.
func (p *RenderParameters) SetExposure(ev float64) {
	p.Exposure.Compensation = math.Max(MinExposure, math.Min(MaxExposure, ev))
}

// Validate checks the parameters for values the engine cannot render.
func (p *RenderParameters) Validate() error {
	switch p.WhiteBalance.Method {
	case WBCamera, WBAuto, WBCustom:
	default:
		return fmt.Errorf("unknown white balance method %q", p.WhiteBalance.Method)
	}
	if p.WhiteBalance.Method == WBCustom {
		if p.WhiteBalance.Temperature <= 0 {
			return fmt.Errorf("white balance temperature must be positive, got %g", p.WhiteBalance.Temperature)
		}
		if p.WhiteBalance.Green <= 0 {
			return fmt.Errorf("white balance tint must be positive, got %g", p.WhiteBalance.Green)
		}
	}
	switch p.Coarse.Rotate {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("unsupported rotation %d", p.Coarse.Rotate)
	}
	if p.Crop.Enabled && (p.Crop.W <= 0 || p.Crop.H <= 0) {
		return fmt.Errorf("crop size must be positive, got %dx%d", p.Crop.W, p.Crop.H)
	}
	if p.Resize.Enabled && (p.Resize.Width <= 0 || p.Resize.Height <= 0) {
		return fmt.Errorf("resize target must be positive, got %dx%d", p.Resize.Width, p.Resize.Height)
	}
	return nil
}
