package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charlie0129/rtcal/pkg/batch"
	"github.com/charlie0129/rtcal/pkg/calibration"
	"github.com/charlie0129/rtcal/pkg/config"
	"github.com/charlie0129/rtcal/pkg/engine"
	"github.com/charlie0129/rtcal/pkg/engine/enginetest"
	"github.com/charlie0129/rtcal/pkg/events"
	"github.com/charlie0129/rtcal/pkg/utils/ptr"
	"github.com/charlie0129/rtcal/pkg/version"
)

func newTestServer(t *testing.T, eng *enginetest.Engine, raw *config.RawFileConfig) (*Server, http.Handler) {
	t.Helper()
	dir := t.TempDir()
	if raw == nil {
		raw = &config.RawFileConfig{}
	}
	raw.ProfilesDir = ptr.To(filepath.Join(dir, "profiles"))
	conf := config.NewFileFromConfig(raw, filepath.Join(dir, "config.json"))

	s := NewServer(conf, eng)
	t.Cleanup(s.Close)
	return s, s.Router()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestVersionAndConfig(t *testing.T) {
	_, h := newTestServer(t, &enginetest.Engine{}, &config.RawFileConfig{MaxIterations: ptr.To(12)})

	w := do(t, h, http.MethodGet, "/version", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, version.Version, decode[string](t, w))

	w = do(t, h, http.MethodGet, "/config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	fc := decode[config.RawFileConfig](t, w)
	require.NotNil(t, fc.MaxIterations)
	assert.Equal(t, 12, *fc.MaxIterations)
}

func TestSessionLifecycle(t *testing.T) {
	eng := &enginetest.Engine{}
	_, h := newTestServer(t, eng, nil)
	out := filepath.Join(t.TempDir(), "out.jpg")

	// A uniform 0.5 gray renders at L* ~53.4 in sRGB.
	w := do(t, h, http.MethodPost, "/sessions", calibration.Request{
		Input:  "photo.png",
		Output: out,
		X:      32,
		Y:      32,
		MinL:   53.2,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	started := decode[calibration.SessionInfo](t, w)
	require.NotEmpty(t, started.Session)
	assert.Equal(t, "photo.png", started.Input)

	w = do(t, h, http.MethodGet, "/sessions/"+started.Session+"?wait=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	info := decode[calibration.SessionInfo](t, w)
	assert.True(t, info.Done)
	assert.Empty(t, info.Error)
	require.NotNil(t, info.Outcome)
	assert.Equal(t, calibration.PhaseConverged, info.Outcome.Phase)
	assert.Equal(t, out, info.Outcome.Output)

	saved := eng.Saved()
	require.Len(t, saved, 1)
	assert.Equal(t, out, saved[0].Path)

	w = do(t, h, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]calibration.SessionInfo](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, started.Session, list[0].Session)
}

func TestStartSessionErrors(t *testing.T) {
	eng := &enginetest.Engine{LoadErrors: map[string]error{
		"broken.png": engine.ErrUnsupportedInput,
	}}
	_, h := newTestServer(t, eng, &config.RawFileConfig{DefaultImageProfile: ptr.To("missing")})

	tests := []struct {
		name string
		req  any
		code int
	}{
		{"not json", "input", http.StatusBadRequest},
		{"no output", calibration.Request{Input: "a.png"}, http.StatusBadRequest},
		{"unsupported input", calibration.Request{Input: "broken.png", Output: "out.jpg"}, http.StatusUnsupportedMediaType},
		{"missing default profile", calibration.Request{Input: "a.png", Output: "out.jpg"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/sessions", tt.req)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}

	w := do(t, h, http.MethodGet, "/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(t, h, http.MethodDelete, "/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelSession(t *testing.T) {
	// Manual jobs never complete unless driven, so the session stays open.
	eng := &enginetest.Engine{Manual: true}
	_, h := newTestServer(t, eng, nil)

	w := do(t, h, http.MethodPost, "/sessions", calibration.Request{
		Input:  "photo.png",
		Output: filepath.Join(t.TempDir(), "out.jpg"),
		MinL:   50,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[calibration.SessionInfo](t, w).Session

	w = do(t, h, http.MethodGet, "/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[calibration.SessionInfo](t, w).Done)

	w = do(t, h, http.MethodDelete, "/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	info := decode[calibration.SessionInfo](t, w)
	assert.True(t, info.Done)
	assert.Contains(t, info.Error, "aborted")
	assert.Equal(t, calibration.PhaseFailed, info.Phase)
	assert.Empty(t, eng.Saved())
}

func TestRunBatch(t *testing.T) {
	eng := &enginetest.Engine{}
	_, h := newTestServer(t, eng, nil)

	in := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(in, "a.jpg"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(in, "b.png"), nil, 0644))
	out := t.TempDir()

	w := do(t, h, http.MethodPost, "/batch", batch.Request{Inputs: []string{in}, Output: out, Format: "png"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decode[batch.Report](t, w)
	assert.Equal(t, 2, report.Processed)
	assert.Len(t, report.Results, 2)
	assert.Len(t, eng.Saved(), 2)

	w = do(t, h, http.MethodPost, "/batch", batch.Request{Inputs: []string{in}, Profiles: []string{"gone"}})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPost, "/batch", batch.Request{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/batch", batch.Request{Inputs: []string{in}, Format: "bmp"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSchedule(t *testing.T) {
	s, h := newTestServer(t, &enginetest.Engine{}, &config.RawFileConfig{BatchSchedule: ptr.To("@every 1h")})

	w := do(t, h, http.MethodPost, "/schedule/skip", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	require.NoError(t, s.ApplyConfig())
	w = do(t, h, http.MethodGet, "/schedule", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[ScheduleStatus](t, w)
	assert.Equal(t, "@every 1h", st.Expr)
	assert.False(t, st.NextRun.IsZero())

	w = do(t, h, http.MethodPost, "/schedule/skip", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[ScheduleStatus](t, w).NextRun.After(st.NextRun))
}

func TestSweep(t *testing.T) {
	inbox := t.TempDir()
	outbox := filepath.Join(t.TempDir(), "outbox")
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "a.jpg"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "a.jpg.pp3"), []byte("exposure:\n  compensation: 1\n"), 0644))

	eng := &enginetest.Engine{}
	s, _ := newTestServer(t, eng, &config.RawFileConfig{
		BatchInbox:  ptr.To(inbox),
		BatchOutbox: ptr.To(outbox),
	})

	require.NoError(t, s.sweepPreCheck())
	require.NoError(t, s.sweep())
	assert.DirExists(t, outbox)

	saved := eng.Saved()
	require.Len(t, saved, 1)
	assert.Equal(t, filepath.Join(outbox, "a.jpg"), saved[0].Path)
	rendered := eng.Rendered()
	require.Len(t, rendered, 1)
	assert.Equal(t, 1.0, rendered[0].Params.Exposure.Compensation)

	s2, _ := newTestServer(t, eng, &config.RawFileConfig{BatchInbox: ptr.To(inbox)})
	assert.Error(t, s2.sweepPreCheck())
	s3, _ := newTestServer(t, eng, &config.RawFileConfig{
		BatchInbox:  ptr.To(filepath.Join(inbox, "a.jpg")),
		BatchOutbox: ptr.To(outbox),
	})
	assert.Error(t, s3.sweepPreCheck())
}

func TestEventStream(t *testing.T) {
	s, h := newTestServer(t, &enginetest.Engine{}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return s.Hub().Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	s.Hub().Publish(events.BatchDone, events.BatchDoneEvent{Processed: 3})

	var name, data string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if name != "" && data != "" {
			break
		}
	}
	assert.Equal(t, events.BatchDone, name)
	assert.JSONEq(t, `{"processed":3,"skipped":0,"errors":0}`, data)
}
