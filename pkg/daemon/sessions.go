package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rtcal/pkg/calibration"
	"github.com/charlie0129/rtcal/pkg/config"
	"github.com/charlie0129/rtcal/pkg/engine"
	"github.com/charlie0129/rtcal/pkg/events"
	"github.com/charlie0129/rtcal/pkg/profiles"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrShuttingDown    = errors.New("daemon is shutting down")
)

// session is one calibration running in the background.
type session struct {
	id   string
	ctrl *calibration.Controller
	img  engine.Image
	stop context.CancelFunc
	done chan struct{}

	mu      sync.Mutex
	outcome *calibration.Outcome
	err     error
}

func (s *session) info() calibration.SessionInfo {
	info := calibration.SessionInfo{Status: s.ctrl.Status()}
	select {
	case <-s.done:
		info.Done = true
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	info.Outcome = s.outcome
	if s.err != nil {
		info.Error = s.err.Error()
	}
	return info
}

// sessionManager starts calibrations and keeps their results until the
// daemon exits.
type sessionManager struct {
	eng  engine.Engine
	conf config.Config
	hub  *events.EventHub
	log  logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
}

func newSessionManager(eng engine.Engine, conf config.Config, hub *events.EventHub, log logrus.FieldLogger) *sessionManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &sessionManager{
		eng:      eng,
		conf:     conf,
		hub:      hub,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
}

// Start loads the input and runs the calibration in the background.
func (m *sessionManager) Start(req calibration.Request) (calibration.SessionInfo, error) {
	if err := req.Validate(); err != nil {
		return calibration.SessionInfo{}, err
	}

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return calibration.SessionInfo{}, ErrShuttingDown
	}

	img, err := m.eng.Load(req.Input, engine.IsRawExtension(filepath.Ext(req.Input)))
	if err != nil {
		return calibration.SessionInfo{}, err
	}

	store := profiles.NewStoreFromConfig(m.conf, m.log)
	initial, err := store.InitialParameters(img.Metadata(), m.conf.DefaultRawProfile(), m.conf.DefaultImageProfile())
	if err != nil {
		img.Release()
		return calibration.SessionInfo{}, err
	}

	id := uuid.NewString()
	opts := calibration.OptionsFromConfig(m.conf)
	req.Apply(&opts)
	opts.Hub = m.hub
	opts.Logger = m.log
	opts.SessionID = id

	ctx, stop := context.WithCancel(m.ctx)
	s := &session{
		id:   id,
		ctrl: calibration.New(m.eng, img, initial, opts),
		img:  img,
		stop: stop,
		done: make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		stop()
		img.Release()
		return calibration.SessionInfo{}, ErrShuttingDown
	}
	m.sessions[id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"session": id,
		"input":   req.Input,
		"output":  req.Output,
		"x":       req.X,
		"y":       req.Y,
		"minL":    req.MinL,
	}).Info("calibration session started")

	go m.run(ctx, s)

	return s.info(), nil
}

func (m *sessionManager) run(ctx context.Context, s *session) {
	defer m.wg.Done()
	defer close(s.done)
	defer s.img.Release()
	defer s.stop()

	outcome, err := s.ctrl.Run(ctx)

	s.mu.Lock()
	s.outcome = outcome
	s.err = err
	s.mu.Unlock()

	log := m.log.WithField("session", s.id)
	if err != nil {
		log.WithError(err).Warn("calibration session ended with error")
		return
	}
	log.WithField("exposure", outcome.Exposure).Info("calibration session finished")
}

func (m *sessionManager) lookup(id string) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, pkgerrors.Wrapf(ErrSessionNotFound, "%s", id)
	}
	return s, nil
}

// Get returns the current view of a session.
func (m *sessionManager) Get(id string) (calibration.SessionInfo, error) {
	s, err := m.lookup(id)
	if err != nil {
		return calibration.SessionInfo{}, err
	}
	return s.info(), nil
}

// Wait blocks until the session ends or ctx is done.
func (m *sessionManager) Wait(ctx context.Context, id string) (calibration.SessionInfo, error) {
	s, err := m.lookup(id)
	if err != nil {
		return calibration.SessionInfo{}, err
	}
	select {
	case <-s.done:
		return s.info(), nil
	case <-ctx.Done():
		return s.info(), ctx.Err()
	}
}

// Cancel aborts a running session. Finished sessions are left alone.
func (m *sessionManager) Cancel(id string) (calibration.SessionInfo, error) {
	s, err := m.lookup(id)
	if err != nil {
		return calibration.SessionInfo{}, err
	}
	s.stop()
	<-s.done
	return s.info(), nil
}

// List returns all sessions, oldest first.
func (m *sessionManager) List() []calibration.SessionInfo {
	m.mu.RLock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	out := make([]calibration.SessionInfo, 0, len(all))
	for _, s := range all {
		out = append(out, s.info())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].Session < out[j].Session
	})
	return out
}

// Close cancels every running session and waits for them to finish.
func (m *sessionManager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}
