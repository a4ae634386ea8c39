// Package coordinator owns the live render parameters of one image and
// turns committed changes into versioned render jobs.
//
// At most one job is in flight. Commits made while a job is rendering
// coalesce into a single pending dispatch of the newest parameters, and the
// result of the superseded job is released without being delivered.
package coordinator

import (
	"errors"
	"image"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rtcal/pkg/engine"
	"github.com/charlie0129/rtcal/pkg/params"
)

var (
	ErrUpdateInProgress = errors.New("another parameter update is in progress")
	ErrUpdateReleased   = errors.New("update was already committed or aborted")
	ErrClosed           = errors.New("coordinator is closed")
)

// Mode selects how jobs are rendered.
type Mode int

const (
	// Async renders on the engine's worker. Listener callbacks run there.
	Async Mode = iota
	// Sync renders on the committing goroutine. The result is delivered
	// before Commit returns.
	Sync
)

func (m Mode) String() string {
	if m == Sync {
		return "sync"
	}
	return "async"
}

type Config struct {
	Mode     Mode
	Listener Listener
	// Skip renders previews at 1/Skip of the output size.
	Skip   int
	Logger logrus.FieldLogger
}

type Coordinator struct {
	eng engine.Engine
	img engine.Image
	cfg Config
	log logrus.FieldLogger

	// slot holds a token while an Update is outstanding.
	slot chan struct{}

	mu       sync.Mutex
	params   *params.RenderParameters
	version  uint64
	mask     params.ChangeMask
	window   *image.Rectangle
	inFlight bool
	pending  bool
	closed   bool
}

// New creates a coordinator for img. A nil initial uses params.Defaults.
func New(eng engine.Engine, img engine.Image, initial *params.RenderParameters, cfg Config) *Coordinator {
	if initial == nil {
		initial = params.Defaults()
	}
	if cfg.Listener == nil {
		cfg.Listener = ListenerFuncs{}
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Coordinator{
		eng:    eng,
		img:    img,
		cfg:    cfg,
		log:    log,
		slot:   make(chan struct{}, 1),
		params: initial.Clone(),
	}
}

// Update is an exclusive handle on the parameters. It must be released with
// exactly one Commit or Abort.
type Update struct {
	c *Coordinator
	p *params.RenderParameters

	mu       sync.Mutex
	released bool
}

// Params returns the parameters to modify.
func (u *Update) Params() *params.RenderParameters {
	return u.p
}

// Commit applies the update and dispatches a render.
func (u *Update) Commit(mask params.ChangeMask) error {
	return u.c.Commit(u, mask)
}

// Abort releases the handle without applying anything.
func (u *Update) Abort() error {
	if !u.release() {
		return ErrUpdateReleased
	}
	<-u.c.slot
	return nil
}

func (u *Update) release() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.released {
		return false
	}
	u.released = true
	return true
}

// BeginUpdate acquires the update handle. It fails fast with
// ErrUpdateInProgress when another handle is outstanding.
func (c *Coordinator) BeginUpdate() (*Update, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	select {
	case c.slot <- struct{}{}:
	default:
		return nil, ErrUpdateInProgress
	}

	c.mu.Lock()
	p := c.params.Clone()
	c.mu.Unlock()
	return &Update{c: c, p: p}, nil
}

// Commit applies u, bumps the version and dispatches a render of the new
// parameters, or marks one pending if a job is in flight.
func (c *Coordinator) Commit(u *Update, mask params.ChangeMask) error {
	if u == nil || u.c != c {
		return pkgerrors.New("update does not belong to this coordinator")
	}
	if !u.release() {
		return ErrUpdateReleased
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.slot
		return ErrClosed
	}
	c.params = u.p.Clone()
	c.version++
	c.mask |= mask
	<-c.slot
	spec, ok := c.prepareLocked()
	c.mu.Unlock()

	if ok {
		c.dispatch(spec)
	}
	return nil
}

// Render dispatches a render without changing the parameters.
func (c *Coordinator) Render(mask params.ChangeMask) error {
	u, err := c.BeginUpdate()
	if err != nil {
		return err
	}
	return u.Commit(mask)
}

// SetCropWindow limits following renders to the area around w, in source
// coordinates. Nil renders the full frame.
func (c *Coordinator) SetCropWindow(w *image.Rectangle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w == nil {
		c.window = nil
		return
	}
	r := *w
	c.window = &r
}

// Params returns a copy of the live parameters.
func (c *Coordinator) Params() *params.RenderParameters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params.Clone()
}

// Version returns the version of the live parameters.
func (c *Coordinator) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Close stops dispatching. Results still in flight are released.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.pending = false
	return nil
}

func (c *Coordinator) prepareLocked() (engine.JobSpec, bool) {
	if c.inFlight {
		c.pending = true
		return engine.JobSpec{}, false
	}
	c.inFlight = true
	spec := engine.JobSpec{
		Image:   c.img,
		Params:  c.params.Clone(),
		Skip:    c.cfg.Skip,
		Version: c.version,
	}
	if c.window != nil {
		w := *c.window
		spec.Window = &w
	}
	c.log.WithFields(logrus.Fields{
		"version": c.version,
		"changes": c.mask.String(),
	}).Debug("dispatching render")
	c.mask = 0
	return spec, true
}

func (c *Coordinator) dispatch(spec engine.JobSpec) {
	for {
		job, err := c.eng.NewJob(spec)
		if err == nil {
			if c.cfg.Mode == Async {
				err = c.eng.RenderAsync(job, &jobListener{c: c, job: job, version: spec.Version})
				if err == nil {
					return
				}
			} else {
				var res *engine.Result
				res, err = c.eng.RenderSync(job)
				if err == nil {
					next, ok := c.complete(spec.Version, res, nil)
					if !ok {
						return
					}
					spec = next
					continue
				}
			}
		}
		next, ok := c.complete(spec.Version, nil, err)
		if !ok {
			return
		}
		spec = next
	}
}

// complete delivers the outcome of the job rendering version and returns
// the pending job to dispatch next, if any. The in-flight flag stays set
// while the listener runs so that commits made from it become pending.
// The version check does not hold across the callback; see Listener.
func (c *Coordinator) complete(version uint64, res *engine.Result, err error) (engine.JobSpec, bool) {
	c.mu.Lock()
	current := version == c.version && !c.closed
	c.mu.Unlock()

	log := c.log.WithField("version", version)
	switch {
	case !current && err != nil:
		log.WithError(err).Debug("dropping error of stale render")
	case !current:
		log.Debug("dropping stale result")
		res.Release()
	case err != nil:
		if !errors.Is(err, engine.ErrRenderFailure) {
			err = pkgerrors.Wrapf(engine.ErrRenderFailure, "%v", err)
		}
		log.WithError(err).Warn("render failed")
		c.cfg.Listener.OnError(version, err)
	default:
		c.cfg.Listener.OnComplete(res)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false
	if !c.pending || c.closed {
		return engine.JobSpec{}, false
	}
	c.pending = false
	return c.prepareLocked()
}

// jobListener forwards engine callbacks of one job.
type jobListener struct {
	c       *Coordinator
	job     engine.Job
	version uint64
}

func (l *jobListener) OnProgressText(text string) {
	l.c.log.WithField("version", l.version).Debug(text)
}

func (l *jobListener) OnProgress(fraction float64) {
	if l.c.Version() != l.version {
		return
	}
	l.c.cfg.Listener.OnProgress(l.version, fraction)
}

func (l *jobListener) OnComplete() {
	res, err := l.job.Result()
	if next, ok := l.c.complete(l.version, res, err); ok {
		l.c.dispatch(next)
	}
}

func (l *jobListener) OnError(reason string) {
	if next, ok := l.c.complete(l.version, nil, errors.New(reason)); ok {
		l.c.dispatch(next)
	}
}
