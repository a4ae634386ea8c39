// Package enginetest provides a scriptable engine.Engine for tests.
package enginetest

import (
	"image"
	"image/color"
	"math"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/charlie0129/rtcal/pkg/engine"
	"github.com/charlie0129/rtcal/pkg/params"
	"github.com/charlie0129/rtcal/pkg/sampler"
)

var _ engine.Engine = &Engine{}

// Saved records a SaveResult call.
type Saved struct {
	Path    string
	Version uint64
	Opts    engine.SaveOptions
	Level   float64
}

// SavedParams records a SaveParameters call.
type SavedParams struct {
	Path   string
	Params *params.RenderParameters
}

// Engine renders uniform gray frames whose level is given by Response.
type Engine struct {
	// Response maps parameters to a gray level in [0, 1]. Defaults to 0.5.
	Response func(p *params.RenderParameters) float64
	// Size of the rendered frame. Defaults to 64x64.
	Size image.Point
	// Manual queues asynchronous jobs until Complete is called.
	Manual bool

	FailRender error
	LoadErrors map[string]error

	SpotTemperature float64
	SpotTint        float64
	SpotErr         error

	SaveErr       error
	SaveParamsErr error

	mu          sync.Mutex
	queue       []queued
	rendered    []engine.JobSpec
	saved       []Saved
	savedParams []SavedParams
	released    int
	closed      bool
}

type queued struct {
	job *Job
	l   engine.Listener
}

// Image is the fake image handle.
type Image struct {
	Meta engine.Metadata
}

func (i *Image) Metadata() engine.Metadata { return i.Meta }
func (i *Image) Release()                  {}

// Job is the fake job handle.
type Job struct {
	spec engine.JobSpec

	mu  sync.Mutex
	res *engine.Result
	err error
}

func (j *Job) Spec() engine.JobSpec { return j.spec }

func (j *Job) Result() (*engine.Result, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return nil, j.err
	}
	if j.res == nil {
		return nil, pkgerrors.New("no result")
	}
	res := j.res
	j.res = nil
	return res, nil
}

func (e *Engine) size() image.Point {
	if e.Size == (image.Point{}) {
		return image.Pt(64, 64)
	}
	return e.Size
}

func (e *Engine) Load(path string, isRaw bool) (engine.Image, error) {
	if err, ok := e.LoadErrors[path]; ok {
		return nil, err
	}
	s := e.size()
	return &Image{Meta: engine.Metadata{Path: path, Format: "fake", Raw: isRaw, Width: s.X, Height: s.Y}}, nil
}

func (e *Engine) NewJob(spec engine.JobSpec) (engine.Job, error) {
	if spec.Params == nil {
		return nil, pkgerrors.New("job has no parameters")
	}
	spec.Params = spec.Params.Clone()
	return &Job{spec: spec}, nil
}

func (e *Engine) render(j *Job) {
	e.mu.Lock()
	e.rendered = append(e.rendered, j.spec)
	fail := e.FailRender
	e.mu.Unlock()

	j.mu.Lock()
	defer j.mu.Unlock()
	if fail != nil {
		j.err = fail
		return
	}

	level := 0.5
	if e.Response != nil {
		level = e.Response(j.spec.Params)
	}
	level = math.Max(0, math.Min(1, level))
	v := uint16(math.Round(level * 0xffff))

	size := e.size()
	bounds := image.Rect(0, 0, size.X, size.Y)
	if j.spec.Window != nil {
		bounds = j.spec.Window.Intersect(bounds)
	}
	img := image.NewNRGBA64(bounds)
	c := color.NRGBA64{R: v, G: v, B: v, A: 0xffff}
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			img.SetNRGBA64(x, y, c)
		}
	}
	j.res = engine.NewResult(img, size, sampler.Identity(size), j.spec.Version, func() {
		e.mu.Lock()
		e.released++
		e.mu.Unlock()
	})
}

func (e *Engine) RenderSync(job engine.Job) (*engine.Result, error) {
	j := job.(*Job)
	e.render(j)
	return j.Result()
}

func (e *Engine) RenderAsync(job engine.Job, l engine.Listener) error {
	j := job.(*Job)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return pkgerrors.New("engine closed")
	}
	if e.Manual {
		e.queue = append(e.queue, queued{job: j, l: l})
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	go e.run(queued{job: j, l: l})
	return nil
}

func (e *Engine) run(q queued) {
	q.l.OnProgressText("rendering")
	q.l.OnProgress(0.5)
	e.render(q.job)
	q.job.mu.Lock()
	err := q.job.err
	q.job.mu.Unlock()
	if err != nil {
		q.l.OnError(err.Error())
		return
	}
	q.l.OnProgress(1)
	q.l.OnComplete()
}

// Complete finishes the oldest queued job on the calling goroutine. It
// returns false when nothing is queued.
func (e *Engine) Complete() bool {
	e.mu.Lock()
	if len(e.queue) == 0 {
		e.mu.Unlock()
		return false
	}
	q := e.queue[0]
	e.queue = e.queue[1:]
	e.mu.Unlock()
	e.run(q)
	return true
}

// Pending returns the number of queued jobs.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

func (e *Engine) SpotWhiteBalance(img engine.Image, x, y, window int) (float64, float64, error) {
	if e.SpotErr != nil {
		return 0, 0, e.SpotErr
	}
	t, tint := e.SpotTemperature, e.SpotTint
	if t == 0 {
		t = params.DefaultTemperature
	}
	if tint == 0 {
		tint = 1
	}
	return t, tint, nil
}

func (e *Engine) SaveResult(res *engine.Result, path string, opts engine.SaveOptions) error {
	if e.SaveErr != nil {
		return e.SaveErr
	}
	b := res.Image.Bounds()
	level, _, _ := sampler.Sample(res.Image, b.Min.X, b.Min.Y, 1, sampler.Identity(res.Size)).Mean()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.saved = append(e.saved, Saved{Path: path, Version: res.Version, Opts: opts, Level: level})
	return nil
}

func (e *Engine) SaveParameters(p *params.RenderParameters, path string) error {
	if e.SaveParamsErr != nil {
		return e.SaveParamsErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.savedParams = append(e.savedParams, SavedParams{Path: path, Params: p.Clone()})
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Rendered returns the specs of all rendered jobs.
func (e *Engine) Rendered() []engine.JobSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.JobSpec(nil), e.rendered...)
}

func (e *Engine) Saved() []Saved {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Saved(nil), e.saved...)
}

func (e *Engine) SavedParams() []SavedParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]SavedParams(nil), e.savedParams...)
}

// Released returns how many results were released.
func (e *Engine) Released() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}
