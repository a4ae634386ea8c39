package client

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/charlie0129/rtcal/pkg/batch"
	"github.com/charlie0129/rtcal/pkg/calibration"
	"github.com/charlie0129/rtcal/pkg/config"
)

// ScheduleStatus is the state of the scheduled batch sweep.
type ScheduleStatus struct {
	Expr       string    `json:"expr"`
	NextRun    time.Time `json:"nextRun,omitempty"`
	Running    bool      `json:"running"`
	InProgress bool      `json:"inProgress"`
}

func (c *Client) GetVersion() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get version")
	}
	var v string
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return "", pkgerrors.Wrapf(err, "failed to unmarshal version")
	}
	return v, nil
}

func (c *Client) GetConfig() (*config.RawFileConfig, error) {
	ret, err := c.Get("/config")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get config")
	}

	var conf config.RawFileConfig
	if err := json.Unmarshal([]byte(ret), &conf); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal config")
	}

	return &conf, nil
}

// ===== Calibration session APIs =====

func (c *Client) StartSession(req calibration.Request) (*calibration.SessionInfo, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	ret, err := c.Post("/sessions", string(payload))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to start calibration session")
	}
	return unmarshalSession(ret)
}

// GetSession returns a session. With wait set it blocks until the session
// has ended.
func (c *Client) GetSession(id string, wait bool) (*calibration.SessionInfo, error) {
	path := "/sessions/" + url.PathEscape(id)
	if wait {
		path += "?wait=true"
	}
	ret, err := c.Get(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get session %s", id)
	}
	return unmarshalSession(ret)
}

func (c *Client) ListSessions() ([]calibration.SessionInfo, error) {
	ret, err := c.Get("/sessions")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to list sessions")
	}
	var list []calibration.SessionInfo
	if err := json.Unmarshal([]byte(ret), &list); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal sessions")
	}
	return list, nil
}

func (c *Client) CancelSession(id string) (*calibration.SessionInfo, error) {
	ret, err := c.Delete("/sessions/" + url.PathEscape(id))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to cancel session %s", id)
	}
	return unmarshalSession(ret)
}

func unmarshalSession(ret string) (*calibration.SessionInfo, error) {
	var info calibration.SessionInfo
	if err := json.Unmarshal([]byte(ret), &info); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal session")
	}
	return &info, nil
}

// ===== Batch APIs =====

// RunBatch runs a batch on the daemon and waits for its report.
func (c *Client) RunBatch(req batch.Request) (*batch.Report, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	ret, err := c.Post("/batch", string(payload))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to run batch")
	}
	var report batch.Report
	if err := json.Unmarshal([]byte(ret), &report); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal batch report")
	}
	return &report, nil
}

func (c *Client) GetSchedule() (*ScheduleStatus, error) {
	ret, err := c.Get("/schedule")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get schedule")
	}
	return unmarshalSchedule(ret)
}

// SkipSchedule skips the next scheduled sweep.
func (c *Client) SkipSchedule() (*ScheduleStatus, error) {
	ret, err := c.Send(http.MethodPost, "/schedule/skip", "")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to skip scheduled sweep")
	}
	return unmarshalSchedule(ret)
}

func unmarshalSchedule(ret string) (*ScheduleStatus, error) {
	var st ScheduleStatus
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal schedule")
	}
	return &st, nil
}
