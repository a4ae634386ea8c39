// Package local is a pure Go rendering engine for decoded raster images.
//
// It applies the coarse geometry (crop, flips, rotation, resize), white
// balance as per-channel gains and exposure compensation as a power of two
// gain in linear light. Camera raw files are not supported.
package local

import (
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/disintegration/imaging"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rtcal/pkg/engine"
	"github.com/charlie0129/rtcal/pkg/params"
)

var _ engine.Engine = &Engine{}

// Engine renders images in process. Asynchronous jobs run on a single worker
// goroutine in submission order.
type Engine struct {
	log logrus.FieldLogger

	mu     sync.Mutex
	queue  []*asyncJob
	wake   chan struct{}
	closed chan struct{}
	done   chan struct{}
	once   sync.Once

	outstanding atomic.Int64
}

type asyncJob struct {
	job *job
	l   engine.Listener
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The standard logrus logger is used otherwise.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// New creates an engine and starts its worker.
func New(opts ...Option) *Engine {
	e := &Engine{
		log:    logrus.StandardLogger(),
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	go e.worker()
	return e
}

// Load decodes an image file. Raw files are rejected with
// engine.ErrUnsupportedInput.
func (e *Engine) Load(path string, isRaw bool) (engine.Image, error) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if isRaw || engine.IsRawExtension(ext) {
		return nil, pkgerrors.Wrapf(engine.ErrUnsupportedInput, "raw decoding is not available for %s", path)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open %s", path)
	}

	src, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, pkgerrors.Wrapf(engine.ErrUnsupportedInput, "failed to decode %s: %v", path, err)
	}

	format := strings.ToLower(ext)
	if f, err := imaging.FormatFromFilename(path); err == nil {
		format = strings.ToLower(f.String())
	}

	img := &localImage{
		meta: engine.Metadata{
			Path:   path,
			Format: format,
			Width:  src.Bounds().Dx(),
			Height: src.Bounds().Dy(),
		},
		src: imaging.Clone(src),
	}
	e.log.WithFields(logrus.Fields{
		"path":   path,
		"width":  img.meta.Width,
		"height": img.meta.Height,
	}).Debug("image loaded")
	return img, nil
}

// NewJob validates the spec and wraps it into a job.
func (e *Engine) NewJob(spec engine.JobSpec) (engine.Job, error) {
	if _, ok := spec.Image.(*localImage); !ok {
		return nil, pkgerrors.Errorf("image %T was not loaded by this engine", spec.Image)
	}
	if spec.Params == nil {
		return nil, pkgerrors.New("job has no parameters")
	}
	if err := spec.Params.Validate(); err != nil {
		return nil, pkgerrors.Wrap(err, "invalid parameters")
	}
	spec.Params = spec.Params.Clone()
	if spec.Window != nil {
		w := *spec.Window
		spec.Window = &w
	}
	return &job{spec: spec}, nil
}

// RenderSync renders the job on the calling goroutine.
func (e *Engine) RenderSync(j engine.Job) (*engine.Result, error) {
	lj, ok := j.(*job)
	if !ok {
		return nil, pkgerrors.Errorf("job %T was not created by this engine", j)
	}
	res, err := e.render(lj.spec)
	lj.finish(res, err)
	if err != nil {
		return nil, err
	}
	return lj.Result()
}

// RenderAsync queues the job for the worker.
func (e *Engine) RenderAsync(j engine.Job, l engine.Listener) error {
	lj, ok := j.(*job)
	if !ok {
		return pkgerrors.Errorf("job %T was not created by this engine", j)
	}
	select {
	case <-e.closed:
		return pkgerrors.Wrap(engine.ErrRenderFailure, "engine is closed")
	default:
	}

	e.mu.Lock()
	e.queue = append(e.queue, &asyncJob{job: lj, l: l})
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

func (e *Engine) pop() *asyncJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return nil
	}
	aj := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	return aj
}

func (e *Engine) worker() {
	defer close(e.done)
	for {
		aj := e.pop()
		if aj == nil {
			select {
			case <-e.closed:
				return
			case <-e.wake:
				continue
			}
		}
		select {
		case <-e.closed:
			aj.l.OnError("engine closed")
			continue
		default:
		}

		aj.l.OnProgressText("Processing...")
		aj.l.OnProgress(0)
		res, err := e.render(aj.job.spec)
		aj.job.finish(res, err)
		if err != nil {
			aj.l.OnError(err.Error())
			continue
		}
		aj.l.OnProgress(1)
		aj.l.OnProgressText("Ready.")
		aj.l.OnComplete()
	}
}

// SaveParameters writes the parameters as a YAML document.
func (e *Engine) SaveParameters(p *params.RenderParameters, path string) error {
	return params.Save(p, path)
}

// Outstanding returns the number of results not released yet.
func (e *Engine) Outstanding() int64 {
	return e.outstanding.Load()
}

// Close stops the worker. Queued jobs fail.
func (e *Engine) Close() error {
	e.once.Do(func() {
		close(e.closed)
		<-e.done
		for aj := e.pop(); aj != nil; aj = e.pop() {
			aj.l.OnError("engine closed")
		}
	})
	return nil
}

type job struct {
	spec engine.JobSpec

	mu       sync.Mutex
	finished bool
	res      *engine.Result
	err      error
}

func (j *job) Spec() engine.JobSpec {
	return j.spec
}

func (j *job) finish(res *engine.Result, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finished = true
	j.res = res
	j.err = err
}

// Result hands over the rendered buffer. It can be taken only once.
func (j *job) Result() (*engine.Result, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.finished {
		return nil, pkgerrors.New("job has not finished")
	}
	if j.err != nil {
		return nil, j.err
	}
	if j.res == nil {
		return nil, pkgerrors.New("result was already taken")
	}
	res := j.res
	j.res = nil
	return res, nil
}

type localImage struct {
	meta engine.Metadata
	src  *image.NRGBA

	mu       sync.Mutex
	geom     *geometry
	released bool
}

func (i *localImage) Metadata() engine.Metadata {
	return i.meta
}

func (i *localImage) Release() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.released = true
	i.src = nil
	i.geom = nil
}
