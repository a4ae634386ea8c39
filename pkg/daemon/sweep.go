package daemon

import (
	"context"
	"os"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/charlie0129/rtcal/pkg/batch"
	"github.com/charlie0129/rtcal/pkg/events"
)

// sweepPreCheck verifies that the configured inbox can be swept.
func (s *Server) sweepPreCheck() error {
	inbox, outbox := s.conf.BatchInbox(), s.conf.BatchOutbox()
	if inbox == "" || outbox == "" {
		return pkgerrors.New("batch inbox and outbox must both be configured")
	}
	fi, err := os.Stat(inbox)
	if err != nil {
		return pkgerrors.Wrap(err, "batch inbox")
	}
	if !fi.IsDir() {
		return pkgerrors.Errorf("batch inbox %s is not a directory", inbox)
	}
	return nil
}

// sweep renders every new image of the inbox into the outbox. Images with an
// existing output are skipped, so repeated sweeps only pick up new files.
func (s *Server) sweep() error {
	outbox := s.conf.BatchOutbox()
	if err := os.MkdirAll(outbox, 0755); err != nil {
		return pkgerrors.Wrapf(err, "failed to create outbox %s", outbox)
	}

	r, err := batch.New(s.eng, nil, batch.Options{
		Inputs:     []string{s.conf.BatchInbox()},
		Output:     outbox,
		UseDefault: true,
		Sidecar:    batch.SidecarOptional,
		Hub:        s.hub,
		Logger:     s.log.WithField("task", "sweep"),
	}, s.conf)
	if err != nil {
		return err
	}

	report, err := r.Run(context.Background())
	if err != nil {
		return err
	}
	return report.Err()
}

func (s *Server) onSweepUpcoming(data any) {
	runAt, _ := data.(time.Time)
	s.hub.Publish(events.BatchUpcoming, events.BatchUpcomingEvent{
		RunAt: runAt.Unix(),
		Inbox: s.conf.BatchInbox(),
	})
}

func (s *Server) onSweepError(data any) {
	err, _ := data.(error)
	if err == nil {
		return
	}
	s.log.WithError(err).Error("scheduled batch sweep failed")
	s.hub.Publish(events.BatchFailed, events.BatchFailedEvent{
		Message: err.Error(),
		Ts:      time.Now().Unix(),
	})
}
