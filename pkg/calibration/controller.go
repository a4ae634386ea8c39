package calibration

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rtcal/pkg/colorimetry"
	"github.com/charlie0129/rtcal/pkg/coordinator"
	"github.com/charlie0129/rtcal/pkg/engine"
	"github.com/charlie0129/rtcal/pkg/events"
	"github.com/charlie0129/rtcal/pkg/params"
	"github.com/charlie0129/rtcal/pkg/sampler"
)

// Controller runs one calibration. It is not reusable.
type Controller struct {
	eng   engine.Engine
	img   engine.Image
	opts  Options
	log   logrus.FieldLogger
	inbox *coordinator.Inbox
	coord *coordinator.Coordinator

	mu         sync.Mutex
	state      State
	progress   float64
	finalizing bool
	outcome    Outcome
	started    bool
}

// New creates a controller for img starting from initial parameters.
func New(eng engine.Engine, img engine.Image, initial *params.RenderParameters, opts Options) *Controller {
	opts.setDefaults()
	log := opts.Logger
	if opts.SessionID != "" {
		log = log.WithField("session", opts.SessionID)
	}
	inbox := coordinator.NewInbox()
	return &Controller{
		eng:   eng,
		img:   img,
		opts:  opts,
		log:   log,
		inbox: inbox,
		coord: coordinator.New(eng, img, initial, coordinator.Config{
			Mode:     opts.Mode,
			Listener: inbox,
			Logger:   log,
		}),
		state: State{Phase: PhaseIdle},
	}
}

// Run calibrates until the search converges, diverges or fails. Divergence
// still persists the result and returns ErrDivergentSearch.
func (c *Controller) Run(ctx context.Context) (*Outcome, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	defer c.inbox.Close()
	defer c.coord.Close()

	if err := c.start(); err != nil {
		return c.result(), err
	}

	for {
		select {
		case <-ctx.Done():
			err := pkgerrors.Wrap(ctx.Err(), "calibration aborted")
			c.fail(err)
			return c.result(), err
		case ev := <-c.inbox.Progress():
			c.onProgress(ev)
		case ev := <-c.inbox.Done():
			if done, err := c.handle(ev); done {
				return c.result(), err
			}
		}
	}
}

// Status returns a snapshot of the calibration.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Session:     c.opts.SessionID,
		Input:       c.img.Metadata().Path,
		Output:      c.opts.Output,
		Phase:       c.state.Phase,
		StartedAt:   c.state.StartedAt,
		Iterations:  c.state.Iterations,
		Lightness:   c.state.L,
		TargetL:     c.opts.MinL,
		Exposure:    c.state.Exposure,
		Temperature: c.state.Temperature,
		Tint:        c.state.Tint,
		Progress:    c.progress,
		Message:     c.state.LastError,
	}
}

// State returns a copy of the scratch state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) start() error {
	c.mu.Lock()
	c.state.StartedAt = time.Now()
	c.mu.Unlock()
	c.setPhase(PhaseEstimatingWhiteBalance, "")

	temp, tint, err := c.eng.SpotWhiteBalance(c.img, c.opts.X, c.opts.Y, c.opts.SpotWindow)
	if err != nil {
		return c.fail(pkgerrors.Wrap(err, "spot white balance"))
	}
	c.log.WithFields(logrus.Fields{
		"temperature": temp,
		"tint":        tint,
	}).Info("estimated white balance")

	if cw := c.opts.CropWindow; cw > 0 {
		w := image.Rect(c.opts.X-cw/2, c.opts.Y-cw/2, c.opts.X-cw/2+cw, c.opts.Y-cw/2+cw)
		c.coord.SetCropWindow(&w)
	}

	u, err := c.coord.BeginUpdate()
	if err != nil {
		return c.fail(err)
	}
	p := u.Params()
	p.WhiteBalance = params.WhiteBalance{Method: params.WBCustom, Temperature: temp, Green: tint}

	c.mu.Lock()
	c.state.Temperature = temp
	c.state.Tint = tint
	c.state.Exposure = p.Exposure.Compensation
	c.mu.Unlock()

	if err := u.Commit(params.WhiteBalanceChanged); err != nil {
		return c.fail(err)
	}
	return nil
}

// handle advances the state machine on a delivered event. It reports
// whether the calibration is over.
func (c *Controller) handle(ev *coordinator.Event) (bool, error) {
	if v := c.coord.Version(); ev.Version != v {
		// A commit landed while the event was queued.
		c.log.WithFields(logrus.Fields{
			"version": ev.Version,
			"current": v,
		}).Debug("dropping superseded event")
		ev.Result.Release()
		return false, nil
	}
	if ev.Kind == coordinator.EventError {
		return true, c.fail(ev.Err)
	}
	res := ev.Result
	defer res.Release()

	if c.finalizing {
		return true, c.persist(res)
	}

	switch c.State().Phase {
	case PhaseEstimatingWhiteBalance:
		c.setPhase(PhaseSearchingExposure, "")
		return c.search(res)
	case PhaseSearchingExposure:
		return c.search(res)
	default:
		c.log.WithField("phase", c.State().Phase).Warn("ignoring unexpected render result")
		return false, nil
	}
}

func (c *Controller) search(res *engine.Result) (bool, error) {
	patch := sampler.Sample(res.Image, c.opts.X, c.opts.Y, c.opts.SampleWindow, res.Transform)
	if patch.Empty() {
		return true, c.fail(pkgerrors.Wrapf(ErrNoSampleData, "target (%d, %d) in v%d", c.opts.X, c.opts.Y, res.Version))
	}

	r, g, b := patch.Mean()
	cm := c.coord.Params().ColorManagement
	lab := c.opts.Colorimetry.Lab(r, g, b, colorimetry.Profiles{Output: cm.Output, Working: cm.Working})
	l := lab.L

	c.mu.Lock()
	st := &c.state
	st.L = l
	iterations := st.Iterations
	exposure := st.Exposure
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"version":    res.Version,
		"iteration":  iterations,
		"lightness":  l,
		"a":          lab.A,
		"b":          lab.B,
		"exposure":   exposure,
		"pixelCount": patch.Count,
	}).Debug("sampled")
	c.opts.Hub.Publish(events.CalibrationSample, events.CalibrationSampleEvent{
		Session:   c.opts.SessionID,
		Version:   res.Version,
		Iteration: iterations,
		Lightness: l,
		Exposure:  exposure,
		Count:     patch.Count,
		Ts:        time.Now().Unix(),
	})

	switch {
	case l >= c.opts.MinL && l <= c.opts.MinL+c.opts.BandWidth:
		return c.finalize(PhaseConverged)
	case iterations >= c.opts.MaxIterations:
		return c.finalize(PhaseDiverged)
	}

	u, err := c.coord.BeginUpdate()
	if err != nil {
		return true, c.fail(err)
	}

	c.mu.Lock()
	// The direction follows the current sample so an overshoot steps back.
	st.Increment = c.opts.InitialIncrement
	if l >= c.opts.MinL {
		st.Increment = -c.opts.InitialIncrement
	}
	step := st.Increment
	if st.PrevDefined {
		diff := math.Abs(l - st.PrevL)
		toGo := math.Abs(c.opts.MinL - l)
		if diff != 0 {
			step = math.Max(st.Increment*toGo/diff, st.Increment)
		}
	}
	u.Params().SetExposure(u.Params().Exposure.Compensation + step)
	st.LastStep = step
	st.Exposure = u.Params().Exposure.Compensation
	st.PrevL = l
	st.PrevDefined = true
	st.Iterations++
	c.mu.Unlock()

	if err := u.Commit(params.ExposureChanged); err != nil {
		return true, c.fail(err)
	}
	return false, nil
}

// finalize renders the full frame with the final resize applied. The next
// delivered result is persisted.
func (c *Controller) finalize(phase Phase) (bool, error) {
	msg := ""
	if phase == PhaseDiverged {
		msg = fmt.Sprintf("no convergence after %d iterations", c.opts.MaxIterations)
	}
	c.setPhase(phase, msg)

	c.mu.Lock()
	c.finalizing = true
	c.mu.Unlock()

	c.coord.SetCropWindow(nil)
	u, err := c.coord.BeginUpdate()
	if err != nil {
		return true, c.fail(err)
	}
	mask := params.CropChanged
	if c.opts.FinalResize.Enabled {
		u.Params().Resize = c.opts.FinalResize
		mask |= params.ResizeChanged
	}
	if err := u.Commit(mask); err != nil {
		return true, c.fail(err)
	}
	return false, nil
}

func (c *Controller) persist(res *engine.Result) error {
	out := c.opts.Output
	paramsPath := out + c.opts.ParamExtension
	p := c.coord.Params()

	if err := c.eng.SaveResult(res, out, c.opts.Save); err != nil {
		return c.fail(pkgerrors.Wrapf(engine.ErrPersist, "save %s: %v", out, err))
	}
	if err := c.eng.SaveParameters(p, paramsPath); err != nil {
		return c.fail(pkgerrors.Wrapf(engine.ErrPersist, "save %s: %v", paramsPath, err))
	}

	c.mu.Lock()
	c.outcome.Output = out
	c.outcome.ParamsPath = paramsPath
	c.outcome.Params = p
	phase := c.state.Phase
	iterations := c.state.Iterations
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"output": out,
		"params": paramsPath,
		"phase":  phase,
	}).Info("calibration result saved")

	if phase == PhaseDiverged {
		return pkgerrors.Wrapf(ErrDivergentSearch, "after %d iterations", iterations)
	}
	return nil
}

func (c *Controller) onProgress(ev coordinator.Event) {
	c.mu.Lock()
	c.progress = ev.Fraction
	c.mu.Unlock()
	c.opts.Hub.Publish(events.CalibrationProgress, events.CalibrationProgressEvent{
		Session:  c.opts.SessionID,
		Version:  ev.Version,
		Fraction: ev.Fraction,
	})
}

func (c *Controller) setPhase(to Phase, msg string) {
	c.mu.Lock()
	from := c.state.Phase
	c.state.Phase = to
	c.mu.Unlock()
	if from == to {
		return
	}

	c.log.WithFields(logrus.Fields{
		"from": from,
		"to":   to,
	}).Info("calibration phase changed")
	c.opts.Hub.Publish(events.CalibrationPhase, events.CalibrationPhaseEvent{
		Session: c.opts.SessionID,
		From:    string(from),
		To:      string(to),
		Message: msg,
		Ts:      time.Now().Unix(),
	})
}

// fail moves to PhaseFailed and returns err.
func (c *Controller) fail(err error) error {
	c.mu.Lock()
	c.state.LastError = err.Error()
	c.mu.Unlock()
	c.log.WithError(err).Error("calibration failed")
	c.setPhase(PhaseFailed, err.Error())
	return err
}

func (c *Controller) result() *Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	o := c.outcome
	o.Phase = c.state.Phase
	o.Iterations = c.state.Iterations
	o.Lightness = c.state.L
	o.Exposure = c.state.Exposure
	o.Temperature = c.state.Temperature
	o.Tint = c.state.Tint
	if o.Params == nil {
		o.Params = c.coord.Params()
	}
	return &o
}
