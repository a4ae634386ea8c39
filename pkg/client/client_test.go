package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charlie0129/rtcal/pkg/batch"
	"github.com/charlie0129/rtcal/pkg/calibration"
	"github.com/charlie0129/rtcal/pkg/config"
	"github.com/charlie0129/rtcal/pkg/daemon"
	"github.com/charlie0129/rtcal/pkg/engine"
	"github.com/charlie0129/rtcal/pkg/engine/enginetest"
	"github.com/charlie0129/rtcal/pkg/events"
	"github.com/charlie0129/rtcal/pkg/utils/ptr"
	"github.com/charlie0129/rtcal/pkg/version"
)

// serve starts a daemon on a unix socket. Socket paths are length limited,
// so a short temp dir is used instead of t.TempDir.
func serve(t *testing.T, eng *enginetest.Engine) (*daemon.Server, *Client) {
	t.Helper()
	dir, err := os.MkdirTemp("", "rtcal")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	raw := &config.RawFileConfig{ProfilesDir: ptr.To(filepath.Join(dir, "profiles"))}
	s := daemon.NewServer(config.NewFileFromConfig(raw, filepath.Join(dir, "config.json")), eng)

	sock := filepath.Join(dir, "d.sock")
	l, err := net.Listen("unix", sock)
	require.NoError(t, err)
	srv := &http.Server{Handler: s.Router()}
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() {
		s.Close()
		_ = srv.Close()
	})

	return s, NewClient(sock)
}

func TestDaemonNotRunning(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	_, err := c.GetVersion()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDaemonNotRunning), err.Error())
}

func TestVersionAndConfig(t *testing.T) {
	_, c := serve(t, &enginetest.Engine{})

	v, err := c.GetVersion()
	require.NoError(t, err)
	assert.Equal(t, version.Version, v)

	conf, err := c.GetConfig()
	require.NoError(t, err)
	require.NotNil(t, conf.ProfilesDir)
	assert.Equal(t, "profiles", filepath.Base(*conf.ProfilesDir))
}

func TestSessions(t *testing.T) {
	eng := &enginetest.Engine{}
	_, c := serve(t, eng)
	out := filepath.Join(t.TempDir(), "out.jpg")

	started, err := c.StartSession(calibration.Request{Input: "photo.png", Output: out, X: 32, Y: 32, MinL: 53.2})
	require.NoError(t, err)
	require.NotEmpty(t, started.Session)

	info, err := c.GetSession(started.Session, true)
	require.NoError(t, err)
	assert.True(t, info.Done)
	require.NotNil(t, info.Outcome)
	assert.Equal(t, calibration.PhaseConverged, info.Outcome.Phase)

	list, err := c.ListSessions()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, started.Session, list[0].Session)

	_, err = c.GetSession("nope", false)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = c.CancelSession("nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRunBatch(t *testing.T) {
	eng := &enginetest.Engine{LoadErrors: map[string]error{}}
	_, c := serve(t, eng)

	in := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(in, "a.jpg"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(in, "b.jpg"), nil, 0644))
	eng.LoadErrors[filepath.Join(in, "b.jpg")] = engine.ErrUnsupportedInput

	report, err := c.RunBatch(batch.Request{Inputs: []string{in}, Output: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, filepath.Join(in, "b.jpg"), report.Errors[0].Input)
	assert.Contains(t, report.Errors[0].Err.Error(), "unsupported")
	assert.Error(t, report.Err())

	_, err = c.RunBatch(batch.Request{Inputs: []string{in}, Profiles: []string{"gone"}})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSchedule(t *testing.T) {
	_, c := serve(t, &enginetest.Engine{})

	st, err := c.GetSchedule()
	require.NoError(t, err)
	assert.Empty(t, st.Expr)
	assert.False(t, st.InProgress)

	_, err = c.SkipSchedule()
	assert.Error(t, err)
}

func TestSubscribeEvents(t *testing.T) {
	s, c := serve(t, &enginetest.Engine{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := c.SubscribeEvents(ctx)

	require.Eventually(t, func() bool { return s.Hub().Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	s.Hub().Publish(events.BatchFile, events.BatchFileEvent{Input: "a.jpg", Status: "processed"})

	select {
	case ev := <-ch:
		assert.Equal(t, events.BatchFile, ev.Name)
		assert.JSONEq(t, `{"input":"a.jpg","status":"processed"}`, string(ev.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	cancel()
	for range ch {
	}
}
