package sampler

import (
	"image"
)

// Patch is the accumulated result of sampling one window.
type Patch struct {
	// Center is the window center in buffer coordinates.
	Center image.Point `json:"center"`
	// HalfSize is half of the requested window size.
	HalfSize int `json:"halfSize"`
	// SumR, SumG and SumB accumulate channel values normalized to [0, 1].
	SumR  float64 `json:"sumR"`
	SumG  float64 `json:"sumG"`
	SumB  float64 `json:"sumB"`
	Count int     `json:"count"`
}

// Empty reports whether no pixel fell inside the buffer.
func (p Patch) Empty() bool {
	return p.Count == 0
}

// Mean returns the per-channel means in [0, 1]. An empty patch yields zeros.
func (p Patch) Mean() (r, g, b float64) {
	if p.Count == 0 {
		return 0, 0, 0
	}
	n := float64(p.Count)
	return p.SumR / n, p.SumG / n, p.SumB / n
}

// Sample averages all in-bounds pixels of a window × window square centered
// on the transformed (cx, cy). A window smaller than 1 is treated as 1.
func Sample(buf image.Image, cx, cy, window int, tr Transform) Patch {
	if window < 1 {
		window = 1
	}
	x, y := tr.Apply(cx, cy)
	half := window / 2
	p := Patch{Center: image.Pt(x, y), HalfSize: half}
	if buf == nil {
		return p
	}

	area := image.Rect(x-half, y-half, x-half+window, y-half+window).Intersect(buf.Bounds())
	if area.Empty() {
		return p
	}

	if rgba, ok := buf.(*image.RGBA); ok {
		sampleRGBA(rgba, area, &p)
		return p
	}

	for iy := area.Min.Y; iy < area.Max.Y; iy++ {
		for ix := area.Min.X; ix < area.Max.X; ix++ {
			r, g, b, _ := buf.At(ix, iy).RGBA()
			p.SumR += float64(r) / 0xffff
			p.SumG += float64(g) / 0xffff
			p.SumB += float64(b) / 0xffff
			p.Count++
		}
	}
	return p
}

// sampleRGBA reads opaque 8-bit pixels straight from the backing slice.
func sampleRGBA(img *image.RGBA, area image.Rectangle, p *Patch) {
	for iy := area.Min.Y; iy < area.Max.Y; iy++ {
		off := img.PixOffset(area.Min.X, iy)
		for ix := area.Min.X; ix < area.Max.X; ix++ {
			p.SumR += float64(img.Pix[off]) / 0xff
			p.SumG += float64(img.Pix[off+1]) / 0xff
			p.SumB += float64(img.Pix[off+2]) / 0xff
			p.Count++
			off += 4
		}
	}
}
