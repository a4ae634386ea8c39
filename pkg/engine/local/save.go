package local

import (
	"image"
	"io"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"

	"github.com/charlie0129/rtcal/pkg/engine"
)

// SaveResult encodes the rendered buffer to path.
func (e *Engine) SaveResult(res *engine.Result, path string, opts engine.SaveOptions) error {
	if res == nil || res.Image == nil {
		return pkgerrors.New("nothing to save")
	}

	img := res.Image
	if opts.Bits == 16 {
		img = to16(img)
	}

	var encode func(w io.Writer) error
	switch opts.Format {
	case engine.FormatJPEG, "jpeg", "":
		if opts.Bits == 16 {
			return pkgerrors.New("jpeg does not support 16 bits per channel")
		}
		if opts.Subsampling != 0 && opts.Subsampling != 3 {
			e.log.WithField("subsampling", opts.Subsampling).Debug("only 4:2:0 chroma subsampling is available, ignoring")
		}
		quality := opts.Quality
		if quality <= 0 {
			quality = 92
		}
		encode = func(w io.Writer) error {
			return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
		}
	case engine.FormatPNG:
		encode = func(w io.Writer) error {
			return imaging.Encode(w, img, imaging.PNG)
		}
	case engine.FormatTIFF, "tiff":
		encode = func(w io.Writer) error {
			return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
		}
	default:
		return pkgerrors.Errorf("unsupported output format %q", opts.Format)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return pkgerrors.Wrapf(err, "failed to create directory %s", dir)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to create %s", path)
	}
	defer f.Close()

	err = encode(f)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode %s", path)
	}
	if err := f.Close(); err != nil {
		return pkgerrors.Wrapf(err, "failed to write %s", path)
	}

	e.log.WithFields(logrus.Fields{
		"path":   path,
		"format": opts.Format,
		"bits":   opts.Bits,
	}).Info("result saved")
	return nil
}

func to16(src image.Image) *image.NRGBA64 {
	b := src.Bounds()
	dst := image.NewNRGBA64(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}
