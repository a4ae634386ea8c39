package daemon

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rtcal/pkg/batch"
	"github.com/charlie0129/rtcal/pkg/calibration"
	"github.com/charlie0129/rtcal/pkg/config"
	"github.com/charlie0129/rtcal/pkg/engine"
	"github.com/charlie0129/rtcal/pkg/version"
)

// abort writes err as a JSON string and records it for the request logger.
func abort(c *gin.Context, code int, err error) {
	c.IndentedJSON(code, err.Error())
	_ = c.AbortWithError(code, err)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, engine.ErrProfileNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrUnsupportedInput):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}

func (s *Server) getConfig(c *gin.Context) {
	fc, err := config.NewRawFileConfigFromConfig(s.conf)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, fc)
}

func (s *Server) startSession(c *gin.Context) {
	var req calibration.Request
	if err := c.BindJSON(&req); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	info, err := s.sessions.Start(req)
	if err != nil {
		logrus.WithError(err).WithField("input", req.Input).Error("failed to start calibration session")
		abort(c, statusFor(err), err)
		return
	}

	c.IndentedJSON(http.StatusCreated, info)
}

func (s *Server) listSessions(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.sessions.List())
}

// getSession returns a session. With ?wait=true it blocks until the session
// ends or the client goes away.
func (s *Server) getSession(c *gin.Context) {
	id := c.Param("id")

	var (
		info calibration.SessionInfo
		err  error
	)
	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		info, err = s.sessions.Wait(c.Request.Context(), id)
	} else {
		info, err = s.sessions.Get(id)
	}
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}

	c.IndentedJSON(http.StatusOK, info)
}

func (s *Server) cancelSession(c *gin.Context) {
	info, err := s.sessions.Cancel(c.Param("id"))
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	logrus.WithField("session", info.Session).Info("calibration session canceled")
	c.IndentedJSON(http.StatusOK, info)
}

func (s *Server) runBatch(c *gin.Context) {
	var req batch.Request
	if err := c.BindJSON(&req); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		return
	}
	opts, err := req.Options()
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	opts.Hub = s.hub
	opts.Logger = s.log.WithField("task", "batch")

	r, err := batch.New(s.eng, nil, opts, s.conf)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	report, err := r.Run(c.Request.Context())
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}

	c.IndentedJSON(http.StatusOK, report)
}

func (s *Server) getSchedule(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.scheduler.Status())
}

func (s *Server) skipSchedule(c *gin.Context) {
	if err := s.scheduler.Skip(); err != nil {
		abort(c, http.StatusConflict, err)
		return
	}
	c.IndentedJSON(http.StatusOK, s.scheduler.Status())
}

// streamEvents forwards hub events as server-sent events until the client
// disconnects or the hub closes.
func (s *Server) streamEvents(c *gin.Context) {
	ch := s.hub.Subscribe()
	defer s.hub.Unsubscribe(ch)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, string(ev.Data))
			return true
		}
	})
}
