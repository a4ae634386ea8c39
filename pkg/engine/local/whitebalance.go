package local

import (
	"image"
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"
	pkgerrors "github.com/pkg/errors"

	"github.com/charlie0129/rtcal/pkg/engine"
	"github.com/charlie0129/rtcal/pkg/params"
	"github.com/charlie0129/rtcal/pkg/sampler"
)

const (
	minTemperature = 2000.0
	maxTemperature = 25000.0
	minTint        = 0.2
	maxTint        = 5.0
)

// illuminant returns the linear sRGB of a black body at temperature t,
// normalized to Y = 1. Chromaticity follows the Kim et al. cubic spline.
func illuminant(t float64) [3]float64 {
	t = math.Max(1667, math.Min(maxTemperature, t))
	t2 := t * t
	t3 := t2 * t

	var x float64
	if t <= 4000 {
		x = -0.2661239e9/t3 - 0.2343589e6/t2 + 0.8776956e3/t + 0.179910
	} else {
		x = -3.0258469e9/t3 + 2.1070379e6/t2 + 0.2226347e3/t + 0.240390
	}
	x2 := x * x
	x3 := x2 * x

	var y float64
	switch {
	case t <= 2222:
		y = -1.1063814*x3 - 1.34811020*x2 + 2.18555832*x - 0.20219683
	case t <= 4000:
		y = -0.9549476*x3 - 1.37418593*x2 + 2.09137015*x - 0.16748867
	default:
		y = 3.0817580*x3 - 5.87338670*x2 + 3.75112997*x - 0.37001483
	}

	r, g, b := colorful.XyzToLinearRgb(x/y, 1, (1-x-y)/y)
	return [3]float64{r, g, b}
}

// temperatureGains returns channel gains that render an illuminant of
// temperature t as neutral. Green is 1.
func temperatureGains(t float64) [3]float64 {
	ref := illuminant(params.DefaultTemperature)
	ill := illuminant(t)
	var gains [3]float64
	for c := range gains {
		gains[c] = ref[c] / ill[c]
	}
	g := gains[1]
	for c := range gains {
		gains[c] /= g
	}
	return gains
}

func whiteBalanceGains(wb params.WhiteBalance, frame *image.NRGBA) ([3]float64, error) {
	switch wb.Method {
	case params.WBCustom:
		gains := temperatureGains(wb.Temperature)
		gains[1] /= wb.Green
		return gains, nil
	case params.WBAuto:
		r, g, b := linearMean(frame, frame.Bounds())
		if r <= 0 || g <= 0 || b <= 0 {
			return [3]float64{1, 1, 1}, nil
		}
		return [3]float64{g / r, 1, g / b}, nil
	default:
		// The decoded raster already carries the camera white balance.
		return [3]float64{1, 1, 1}, nil
	}
}

// linearMean averages area in linear light, reading at most about 64k pixels.
func linearMean(img *image.NRGBA, area image.Rectangle) (r, g, b float64) {
	area = area.Intersect(img.Bounds())
	if area.Empty() {
		return 0, 0, 0
	}
	step := max(1, int(math.Sqrt(float64(area.Dx()*area.Dy())/65536)))
	n := 0
	for y := area.Min.Y; y < area.Max.Y; y += step {
		for x := area.Min.X; x < area.Max.X; x += step {
			off := img.PixOffset(x, y)
			r += srgbToLinear[img.Pix[off]]
			g += srgbToLinear[img.Pix[off+1]]
			b += srgbToLinear[img.Pix[off+2]]
			n++
		}
	}
	return r / float64(n), g / float64(n), b / float64(n)
}

// SpotWhiteBalance finds the temperature that balances red against blue in
// the window around (x, y), then the tint that balances green against them.
func (e *Engine) SpotWhiteBalance(img engine.Image, x, y, window int) (float64, float64, error) {
	li, ok := img.(*localImage)
	if !ok {
		return 0, 0, pkgerrors.Errorf("image %T was not loaded by this engine", img)
	}
	li.mu.Lock()
	src := li.src
	li.mu.Unlock()
	if src == nil {
		return 0, 0, pkgerrors.New("image was released")
	}

	patch := sampler.Sample(src, x, y, window, sampler.Identity(src.Bounds().Size()))
	if patch.Empty() {
		return 0, 0, pkgerrors.Errorf("spot (%d, %d) is outside the image", x, y)
	}
	half := patch.HalfSize
	area := image.Rect(x-half, y-half, x-half+max(1, window), y-half+max(1, window))
	r, g, b := linearMean(src, area)
	if r <= 0 || g <= 0 || b <= 0 {
		return 0, 0, pkgerrors.Errorf("spot (%d, %d) has no usable data", x, y)
	}

	ratio := func(t float64) float64 {
		gains := temperatureGains(t)
		return (r * gains[0]) / (b * gains[2])
	}

	// Warmer settings raise the red gain, so the ratio grows with t.
	lo, hi := minTemperature, maxTemperature
	var t float64
	switch {
	case ratio(lo) >= 1:
		t = lo
	case ratio(hi) <= 1:
		t = hi
	default:
		for i := 0; i < 60 && hi-lo > 0.5; i++ {
			mid := (lo + hi) / 2
			if ratio(mid) < 1 {
				lo = mid
			} else {
				hi = mid
			}
		}
		t = (lo + hi) / 2
	}

	gains := temperatureGains(t)
	tint := g / ((r*gains[0] + b*gains[2]) / 2)
	tint = math.Max(minTint, math.Min(maxTint, tint))

	e.log.WithField("temperature", math.Round(t)).WithField("tint", tint).Debug("spot white balance")
	return math.Round(t), tint, nil
}
