package daemon

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	defaultLead             = time.Minute // announce upcoming sweeps this early
	defaultPreCheckRetries  = 5
	defaultPreCheckInterval = time.Second * 10
)

type NotifyFunc func(data any)

// TaskFunc represents a runnable task.
type TaskFunc func() error

// Scheduler runs Task on a cron schedule. A run is announced through
// OnUpcoming Lead before it starts and is gated by PreCheck, which is
// retried a few times before the run is given up. Runs never overlap.
type Scheduler struct {
	OnUpcoming NotifyFunc // called before running the task
	OnError    NotifyFunc // called on task or precheck error
	Task       TaskFunc
	PreCheck   TaskFunc

	Lead             time.Duration
	PreCheckRetries  int
	PreCheckInterval time.Duration

	parser cron.Parser

	mu       sync.Mutex
	expr     string
	schedule cron.Schedule
	nextRun  time.Time
	running  bool

	busy atomic.Bool

	controlCh chan controlMsg
	stopCh    chan struct{}
}

// internal control kinds (not user visible events)
type controlKind int

const (
	ctrlRecalculate controlKind = iota // schedule replaced
	ctrlClear                          // schedule removed
	ctrlSkip                           // next run skipped
)

type controlMsg struct {
	kind controlKind
	data any
}

// ScheduleStatus describes the schedule of the scheduler.
type ScheduleStatus struct {
	Expr       string    `json:"expr"`
	NextRun    time.Time `json:"nextRun,omitempty"`
	Running    bool      `json:"running"`
	InProgress bool      `json:"inProgress"`
}

func NewScheduler(task, preCheck TaskFunc, onUpcoming, onError NotifyFunc) *Scheduler {
	if task == nil {
		panic("task function cannot be nil")
	}

	return &Scheduler{
		OnUpcoming:       onUpcoming,
		OnError:          onError,
		Task:             task,
		PreCheck:         preCheck,
		Lead:             defaultLead,
		PreCheckRetries:  defaultPreCheckRetries,
		PreCheckInterval: defaultPreCheckInterval,
		parser:           cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		controlCh:        make(chan controlMsg, 4),
		stopCh:           make(chan struct{}),
	}
}

func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh: // already closed
	default:
		close(s.stopCh)
	}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	go s.loop()
}

// Schedule replaces the schedule. An empty expression removes it.
func (s *Scheduler) Schedule(expr string) error {
	var sh cron.Schedule
	if expr != "" {
		var err error
		sh, err = s.parser.Parse(expr)
		if err != nil {
			return fmt.Errorf("invalid schedule %q: %w", expr, err)
		}
	}

	s.mu.Lock()
	s.expr = expr
	running := s.running
	if !running {
		s.setScheduleLocked(sh)
	}
	s.mu.Unlock()

	if !running {
		return nil
	}
	if sh == nil {
		s.trySendControl(ctrlClear, nil)
	} else {
		s.trySendControl(ctrlRecalculate, sh)
	}
	return nil
}

// Skip skips the next scheduled run.
func (s *Scheduler) Skip() error {
	s.mu.Lock()
	if s.schedule == nil || s.nextRun.IsZero() {
		s.mu.Unlock()
		return fmt.Errorf("no active schedule to skip")
	}
	s.nextRun = s.schedule.Next(s.nextRun)
	running := s.running
	s.mu.Unlock()

	if running {
		s.trySendControl(ctrlSkip, nil)
	}
	return nil
}

func (s *Scheduler) Status() ScheduleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return ScheduleStatus{
		Expr:       s.expr,
		NextRun:    s.nextRun,
		Running:    s.running,
		InProgress: s.busy.Load(),
	}
}

func (s *Scheduler) setScheduleLocked(sh cron.Schedule) {
	s.schedule = sh
	if sh == nil {
		s.nextRun = time.Time{}
		return
	}
	s.nextRun = sh.Next(time.Now())
}

func (s *Scheduler) loop() {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		logrus.Debug("scheduler stopped")
	}()

	logrus.Debug("scheduler started")

	for {
		leading := s.Lead > 0
		attempts := 0
		var precheckErr error

		schedule, nextRun := s.snapshot()
		var timer *time.Timer
		var fire <-chan time.Time
		if schedule != nil && !nextRun.IsZero() {
			wait := time.Until(nextRun)
			if leading {
				wait -= s.Lead
			}
			timer = time.NewTimer(max(wait, 0))
			fire = timer.C
		}

		for {
			select {
			case <-fire:
				if leading {
					logrus.Debugf("upcoming scheduled task at %s", nextRun.Format(time.DateTime))
					leading = false
					timer.Reset(max(time.Until(nextRun), 0))
					s.sendNotify(nextRun)
					continue
				}

				if s.PreCheck != nil {
					if err := s.PreCheck(); err != nil {
						if precheckErr == nil || err.Error() != precheckErr.Error() {
							precheckErr = err
							s.sendError(fmt.Errorf("precheck failed: %w", err))
						}

						attempts++
						if attempts <= s.PreCheckRetries {
							logrus.Debugf("precheck failed (%d/%d): %v; retrying in %s", attempts, s.PreCheckRetries, err, s.PreCheckInterval)
							timer.Reset(s.PreCheckInterval)
							continue
						}

						s.advanceNextRun()
						break
					}
				}

				s.runTask(nextRun)
				s.advanceNextRun()
			case <-s.stopCh:
				if timer != nil {
					timer.Stop()
				}
				return
			case msg := <-s.controlCh:
				logrus.WithField("kind", msg.kind).Debug("received control msg")
				if timer != nil {
					timer.Stop()
				}

				switch msg.kind {
				case ctrlRecalculate:
					s.mu.Lock()
					s.setScheduleLocked(msg.data.(cron.Schedule))
					s.mu.Unlock()
				case ctrlClear:
					s.mu.Lock()
					s.setScheduleLocked(nil)
					s.mu.Unlock()
				case ctrlSkip:
					// nextRun was already advanced by Skip
				}
			}

			break
		}
	}
}

// runTask starts the task unless the previous run is still going.
func (s *Scheduler) runTask(at time.Time) {
	if !s.busy.CompareAndSwap(false, true) {
		logrus.Warnf("previous run still in progress, skipping the run scheduled at %s", at.Format(time.DateTime))
		return
	}

	logrus.Debugf("running scheduled task at %s", at.Format(time.DateTime))
	go func() {
		defer s.busy.Store(false)
		if err := s.Task(); err != nil {
			s.sendError(fmt.Errorf("task failed: %w", err))
		}
	}()
}

func (s *Scheduler) snapshot() (cron.Schedule, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule, s.nextRun
}

func (s *Scheduler) advanceNextRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return
	}
	from := s.nextRun
	if now := time.Now(); now.After(from) {
		from = now
	}
	s.nextRun = s.schedule.Next(from)
}

func (s *Scheduler) sendNotify(runAt time.Time) {
	if s.OnUpcoming == nil {
		return
	}

	go s.OnUpcoming(runAt)
}

func (s *Scheduler) sendError(err error) {
	if s.OnError == nil {
		return
	}

	go s.OnError(err)
}

func (s *Scheduler) trySendControl(kind controlKind, data any) {
	select {
	case s.controlCh <- controlMsg{kind: kind, data: data}:
	default:
	}
}
