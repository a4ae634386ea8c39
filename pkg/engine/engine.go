// Package engine defines the rendering engine the calibration and batch
// pipelines drive.
//
// An Engine loads images, renders them from a RenderParameters snapshot,
// estimates spot white balance and writes results. Rendering is available
// synchronously or asynchronously; asynchronous jobs report through a
// Listener on a goroutine owned by the engine.
package engine

import (
	"image"

	"github.com/charlie0129/rtcal/pkg/params"
	"github.com/charlie0129/rtcal/pkg/sampler"
)

// Metadata describes a loaded image.
type Metadata struct {
	Path   string `json:"path"`
	Format string `json:"format"`
	Raw    bool   `json:"raw"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Make   string `json:"make,omitempty"`
	Model  string `json:"model,omitempty"`
}

// Image is a decoded input owned by the engine.
type Image interface {
	Metadata() Metadata
	// Release frees the engine resources held by the image.
	Release()
}

// JobSpec is an immutable snapshot of what to render.
type JobSpec struct {
	Image  Image
	Params *params.RenderParameters
	// Window limits rendering to the part of the output frame that covers
	// this rectangle, given in source coordinates. Engines may grow it.
	// Nil renders the full frame.
	Window *image.Rectangle
	// Skip renders at 1/Skip of the output size. Zero means 1.
	Skip    int
	Version uint64
}

// Job is a render job created by an Engine.
type Job interface {
	Spec() JobSpec
	// Result returns the rendered buffer once the job completed.
	Result() (*Result, error)
}

// Result is a rendered buffer.
type Result struct {
	// Image bounds are the rendered window in output coordinates.
	Image image.Image
	// Size is the full output frame size.
	Size image.Point
	// Transform maps source coordinates into Image.
	Transform sampler.Transform
	Version   uint64
	// Metadata of the source image.
	Metadata Metadata

	release func()
}

// NewResult builds a result whose Release calls release at most once.
func NewResult(img image.Image, size image.Point, tr sampler.Transform, version uint64, release func()) *Result {
	return &Result{
		Image:     img,
		Size:      size,
		Transform: tr,
		Version:   version,
		release:   release,
	}
}

// Release returns the buffer to the engine. Safe to call more than once.
func (r *Result) Release() {
	if r == nil || r.release == nil {
		return
	}
	f := r.release
	r.release = nil
	f()
}

// Listener receives the progress of an asynchronous job. Exactly one of
// OnComplete or OnError is called last.
type Listener interface {
	OnProgressText(text string)
	OnProgress(fraction float64)
	OnComplete()
	OnError(reason string)
}

// SaveOptions controls how a result is encoded.
type SaveOptions struct {
	// Format is one of FormatJPEG, FormatPNG or FormatTIFF.
	Format  string
	Quality int
	// Subsampling is the JPEG chroma subsampling: 1 = 4:4:4 ... 3 = 4:2:0.
	Subsampling int
	// Bits per channel, 8 or 16.
	Bits int
}

const (
	FormatJPEG = "jpg"
	FormatPNG  = "png"
	FormatTIFF = "tif"
)

// Engine is a rendering engine.
type Engine interface {
	Load(path string, isRaw bool) (Image, error)
	NewJob(spec JobSpec) (Job, error)
	RenderSync(job Job) (*Result, error)
	// RenderAsync queues the job and returns immediately.
	RenderAsync(job Job, l Listener) error
	// SpotWhiteBalance estimates the temperature and tint that neutralize
	// a window x window area around (x, y) in source coordinates.
	SpotWhiteBalance(img Image, x, y, window int) (temperature, tint float64, err error)
	SaveResult(res *Result, path string, opts SaveOptions) error
	SaveParameters(p *params.RenderParameters, path string) error
	Close() error
}
