package sampler

import (
	"fmt"
	"image"
	"math"
)

// Transform describes how a point of the source photo lands in a rendered
// buffer. The geometry is applied in this order: crop offset, flips,
// clockwise rotation, scaling.
type Transform struct {
	// Offset is the origin of the crop in source coordinates.
	Offset image.Point `json:"offset" yaml:"offset"`
	// Frame is the size of the cropped frame before flips and rotation.
	Frame image.Point `json:"frame" yaml:"frame"`
	// Rotate is a clockwise rotation in degrees: 0, 90, 180 or 270.
	Rotate int  `json:"rotate" yaml:"rotate"`
	FlipH  bool `json:"flipH" yaml:"flipH"`
	FlipV  bool `json:"flipV" yaml:"flipV"`
	// Scale is applied last. Zero means 1.
	Scale float64 `json:"scale" yaml:"scale"`
}

// Identity returns the transform of an unmodified frame of the given size.
func Identity(size image.Point) Transform {
	return Transform{Frame: size, Scale: 1}
}

// Validate reports whether the rotation is one of the supported steps.
func (t Transform) Validate() error {
	switch t.Rotate {
	case 0, 90, 180, 270:
		return nil
	default:
		return fmt.Errorf("unsupported rotation %d, must be a multiple of 90 in [0, 270]", t.Rotate)
	}
}

// OutputSize returns the size of the rendered frame.
func (t Transform) OutputSize() image.Point {
	w, h := t.Frame.X, t.Frame.Y
	if t.Rotate == 90 || t.Rotate == 270 {
		w, h = h, w
	}
	s := t.scale()
	return image.Pt(int(math.Round(float64(w)*s)), int(math.Round(float64(h)*s)))
}

// Apply maps a source coordinate into the rendered frame.
func (t Transform) Apply(x, y int) (int, int) {
	x -= t.Offset.X
	y -= t.Offset.Y
	w, h := t.Frame.X, t.Frame.Y

	if t.FlipH {
		x = w - 1 - x
	}
	if t.FlipV {
		y = h - 1 - y
	}

	switch t.Rotate {
	case 90:
		x, y = h-1-y, x
	case 180:
		x, y = w-1-x, h-1-y
	case 270:
		x, y = y, w-1-x
	}

	if s := t.scale(); s != 1 {
		x = int(math.Floor(float64(x) * s))
		y = int(math.Floor(float64(y) * s))
	}
	return x, y
}

// ApplyRect maps a source rectangle into the rendered frame. The result is
// canonical (Min <= Max) whatever the rotation.
func (t Transform) ApplyRect(r image.Rectangle) image.Rectangle {
	x0, y0 := t.Apply(r.Min.X, r.Min.Y)
	x1, y1 := t.Apply(r.Max.X-1, r.Max.Y-1)
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	return image.Rect(x0, y0, x1+1, y1+1)
}

func (t Transform) scale() float64 {
	if t.Scale <= 0 {
		return 1
	}
	return t.Scale
}
