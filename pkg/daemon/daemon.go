// Package daemon serves calibration sessions, batch runs and an event stream
// over HTTP on a unix socket.
package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rtcal/pkg/config"
	"github.com/charlie0129/rtcal/pkg/engine"
	"github.com/charlie0129/rtcal/pkg/engine/local"
	"github.com/charlie0129/rtcal/pkg/events"
)

// Server holds the state shared by the HTTP handlers.
type Server struct {
	conf      config.Config
	eng       engine.Engine
	hub       *events.EventHub
	sessions  *sessionManager
	scheduler *Scheduler
	log       logrus.FieldLogger
}

// NewServer creates a server rendering with eng. The caller closes eng after
// Close.
func NewServer(conf config.Config, eng engine.Engine) *Server {
	log := logrus.WithField("component", "daemon")
	hub := events.NewEventHub()
	s := &Server{
		conf:     conf,
		eng:      eng,
		hub:      hub,
		sessions: newSessionManager(eng, conf, hub, log),
		log:      log,
	}
	s.scheduler = NewScheduler(s.sweep, s.sweepPreCheck, s.onSweepUpcoming, s.onSweepError)
	return s
}

// Hub returns the event hub of the server.
func (s *Server) Hub() *events.EventHub {
	return s.hub
}

func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))
	router.GET("/version", s.getVersion)
	router.GET("/config", s.getConfig)
	router.GET("/sessions", s.listSessions)
	router.POST("/sessions", s.startSession)
	router.GET("/sessions/:id", s.getSession)
	router.DELETE("/sessions/:id", s.cancelSession)
	router.POST("/batch", s.runBatch)
	router.GET("/schedule", s.getSchedule)
	router.POST("/schedule/skip", s.skipSchedule)
	router.GET("/events", s.streamEvents)

	return router
}

// ApplyConfig (re)schedules the batch sweep from the configuration.
func (s *Server) ApplyConfig() error {
	expr := s.conf.BatchSchedule()
	if err := s.scheduler.Schedule(expr); err != nil {
		return err
	}
	if expr != "" {
		s.log.WithFields(logrus.Fields{
			"schedule": expr,
			"inbox":    s.conf.BatchInbox(),
			"outbox":   s.conf.BatchOutbox(),
		}).Info("batch sweep scheduled")
	}
	return nil
}

// Start starts the scheduler.
func (s *Server) Start() error {
	if err := s.ApplyConfig(); err != nil {
		return err
	}
	s.scheduler.Start()
	return nil
}

// Close stops the scheduler, aborts running sessions and ends all event
// streams.
func (s *Server) Close() {
	s.scheduler.Stop()
	s.sessions.Close()
	s.hub.Close()
}

func Run(configPath string, unixSocketPath string, allowNonRoot bool) error {
	conf, err := config.NewFile(configPath)
	if err != nil {
		logrus.Fatalf("failed to parse config during startup: %v", err)
	}
	logrus.WithFields(conf.LogrusFields()).Infof("config loaded")

	eng := local.New()
	s := NewServer(conf, eng)
	if err := s.Start(); err != nil {
		logrus.Errorf("failed to schedule batch sweeps: %v", err)
	}

	// Receive SIGHUP to reload config
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		for range sigc {
			err := conf.Load()
			if err != nil {
				logrus.Errorf("failed to reload config: %v", err)
				continue
			}
			if err := s.ApplyConfig(); err != nil {
				logrus.Errorf("failed to apply reloaded config: %v", err)
				continue
			}
			logrus.Infof("config reloaded")
		}
	}()

	srv := &http.Server{
		Handler: s.Router(),
	}

	// A socket left behind by a crashed daemon blocks Listen.
	if _, err := os.Stat(unixSocketPath); err == nil {
		logrus.Warnf("removing stale socket %s", unixSocketPath)
		if err := os.Remove(unixSocketPath); err != nil {
			logrus.Fatal(err)
		}
	}

	// Create the socket to listen on:
	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		logrus.Fatal(err)
	}

	if conf.AllowNonRootAccess() || allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		err = os.Chmod(unixSocketPath, 0777)
		if err != nil {
			logrus.Fatal(err)
		}
	}

	// Serve HTTP on unix socket
	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatal(err)
		}
	}()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	// Wait for a SIGINT or SIGTERM:
	sig := <-sigc
	logrus.Infof("caught signal \"%s\": shutting down.", sig)

	// Event streams never end on their own; close them first.
	s.hub.Close()

	logrus.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = srv.Shutdown(ctx)
	if err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	cancel()

	logrus.Info("stopping calibration sessions")
	s.Close()

	logrus.Info("closing render engine")
	if err := eng.Close(); err != nil {
		logrus.Errorf("failed to close render engine: %v", err)
	}

	logrus.Info("exiting")
	return nil
}
