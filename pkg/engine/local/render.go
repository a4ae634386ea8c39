package local

import (
	"image"
	"image/color"
	"math"

	"github.com/anthonynsimon/bild/adjust"
	"github.com/disintegration/imaging"
	colorful "github.com/lucasb-eyer/go-colorful"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/draw"

	"github.com/charlie0129/rtcal/pkg/colorimetry"
	"github.com/charlie0129/rtcal/pkg/engine"
	"github.com/charlie0129/rtcal/pkg/params"
	"github.com/charlie0129/rtcal/pkg/sampler"
)

// TileSize is the alignment of crop-scoped render windows.
const TileSize = 16

type geometryKey struct {
	crop   params.Crop
	resize params.Resize
	coarse params.Coarse
}

// geometry is the source after crop, flips, rotation and resize.
type geometry struct {
	key geometryKey
	img *image.NRGBA
	tr  sampler.Transform
}

// srgbToLinear maps 8-bit sRGB values to linear light.
var srgbToLinear = func() (lut [256]float64) {
	for i := range lut {
		lut[i], _, _ = colorful.Color{R: float64(i) / 255}.LinearRgb()
	}
	return lut
}()

func (e *Engine) render(spec engine.JobSpec) (*engine.Result, error) {
	img := spec.Image.(*localImage)
	p := spec.Params

	g, err := img.geometry(p)
	if err != nil {
		return nil, pkgerrors.Wrapf(engine.ErrRenderFailure, "v%d: %v", spec.Version, err)
	}

	frame := image.Image(g.img)
	tr := g.tr
	if spec.Skip > 1 {
		frame, tr = downsample(g.img, g.tr, spec.Skip)
	}
	size := frame.Bounds().Size()

	window := frame.Bounds()
	if spec.Window != nil {
		window = alignWindow(tr.ApplyRect(*spec.Window), frame.Bounds())
	}

	gains, err := whiteBalanceGains(p.WhiteBalance, g.img)
	if err != nil {
		return nil, pkgerrors.Wrapf(engine.ErrRenderFailure, "v%d: %v", spec.Version, err)
	}
	k := math.Exp2(p.Exposure.Compensation)
	for c := range gains {
		gains[c] *= k
	}
	linearOut := colorimetry.IsLinear(p.ColorManagement.Output)

	sub := frame.(interface {
		SubImage(image.Rectangle) image.Image
	}).SubImage(window)
	out := adjust.Apply(sub, func(c color.RGBA) color.RGBA {
		r := srgbToLinear[c.R] * gains[0]
		gg := srgbToLinear[c.G] * gains[1]
		b := srgbToLinear[c.B] * gains[2]
		if linearOut {
			return color.RGBA{R: to8(r), G: to8(gg), B: to8(b), A: c.A}
		}
		r8, g8, b8 := colorful.LinearRgb(r, gg, b).Clamped().RGB255()
		return color.RGBA{R: r8, G: g8, B: b8, A: c.A}
	})
	// Keep the rendered window's position in the output frame.
	out.Rect = out.Rect.Sub(out.Rect.Min).Add(window.Min)

	e.outstanding.Add(1)
	res := engine.NewResult(out, size, tr, spec.Version, func() {
		e.outstanding.Add(-1)
	})
	res.Metadata = img.meta

	e.log.WithFields(logrus.Fields{
		"version": spec.Version,
		"window":  window.String(),
		"size":    size.String(),
		"ev":      p.Exposure.Compensation,
	}).Debug("rendered")
	return res, nil
}

func to8(v float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(1, v)) * 255))
}

// geometry returns the cached geometry for p, rebuilding it when the crop,
// resize or coarse transform changed.
func (i *localImage) geometry(p *params.RenderParameters) (*geometry, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.released {
		return nil, pkgerrors.New("image was released")
	}

	key := geometryKey{crop: p.Crop, resize: p.Resize, coarse: p.Coarse}
	if i.geom != nil && i.geom.key == key {
		return i.geom, nil
	}

	bounds := i.src.Bounds()
	area := bounds
	if p.Crop.Enabled {
		area = p.Crop.Rect().Intersect(bounds)
		if area.Empty() {
			return nil, pkgerrors.Errorf("crop %v is outside the image %v", p.Crop.Rect(), bounds)
		}
	}

	tr := sampler.Transform{
		Offset: area.Min.Sub(bounds.Min),
		Frame:  area.Size(),
		Rotate: p.Coarse.Rotate,
		FlipH:  p.Coarse.HorizontalFlip,
		FlipV:  p.Coarse.VerticalFlip,
		Scale:  1,
	}
	if err := tr.Validate(); err != nil {
		return nil, pkgerrors.Wrap(err, "invalid geometry")
	}

	dst := i.src
	if area != bounds {
		dst = imaging.Crop(dst, area)
	}
	if p.Coarse.HorizontalFlip {
		dst = imaging.FlipH(dst)
	}
	if p.Coarse.VerticalFlip {
		dst = imaging.FlipV(dst)
	}
	// imaging rotates counter-clockwise.
	switch p.Coarse.Rotate {
	case 90:
		dst = imaging.Rotate270(dst)
	case 180:
		dst = imaging.Rotate180(dst)
	case 270:
		dst = imaging.Rotate90(dst)
	}

	if got, want := dst.Bounds().Size(), tr.OutputSize(); got != want {
		return nil, pkgerrors.Errorf("transformed frame is %v, expected %v", got, want)
	}
	if p.Resize.Enabled {
		before := dst.Bounds().Dx()
		dst = imaging.Fit(dst, p.Resize.Width, p.Resize.Height, imaging.Lanczos)
		tr.Scale = float64(dst.Bounds().Dx()) / float64(before)
	}

	i.geom = &geometry{key: key, img: dst, tr: tr}
	return i.geom, nil
}

// downsample renders a preview at 1/skip of the frame size.
func downsample(src *image.NRGBA, tr sampler.Transform, skip int) (*image.NRGBA, sampler.Transform) {
	b := src.Bounds()
	w := max(1, b.Dx()/skip)
	h := max(1, b.Dy()/skip)
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	tr.Scale = tr.Scale * float64(w) / float64(b.Dx())
	return dst, tr
}

// alignWindow grows r to tile boundaries and clips it to the frame.
func alignWindow(r, frame image.Rectangle) image.Rectangle {
	r.Min.X = floorTo(r.Min.X, TileSize)
	r.Min.Y = floorTo(r.Min.Y, TileSize)
	r.Max.X = ceilTo(r.Max.X, TileSize)
	r.Max.Y = ceilTo(r.Max.Y, TileSize)
	return r.Intersect(frame)
}

func floorTo(v, n int) int {
	if v < 0 {
		return -((-v + n - 1) / n) * n
	}
	return v / n * n
}

func ceilTo(v, n int) int {
	return floorTo(v+n-1, n)
}
