package coordinator

import (
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charlie0129/rtcal/pkg/engine"
	"github.com/charlie0129/rtcal/pkg/engine/enginetest"
	"github.com/charlie0129/rtcal/pkg/params"
	"github.com/charlie0129/rtcal/pkg/sampler"
)

type recorder struct {
	mu       sync.Mutex
	results  []*engine.Result
	errs     []error
	versions []uint64
}

func (r *recorder) listener() ListenerFuncs {
	return ListenerFuncs{
		Complete: func(res *engine.Result) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.results = append(r.results, res)
		},
		Error: func(version uint64, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
			r.versions = append(r.versions, version)
		},
	}
}

func (r *recorder) completed() []*engine.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*engine.Result(nil), r.results...)
}

func level(res *engine.Result) float64 {
	b := res.Image.Bounds()
	l, _, _ := sampler.Sample(res.Image, b.Min.X, b.Min.Y, 1, sampler.Identity(res.Size)).Mean()
	return l
}

func exposureResponse(p *params.RenderParameters) float64 {
	return 0.25 + 0.1*p.Exposure.Compensation
}

func setup(t *testing.T, mode Mode, eng *enginetest.Engine) (*Coordinator, *recorder) {
	t.Helper()
	img, err := eng.Load("photo.jpg", false)
	require.NoError(t, err)
	rec := &recorder{}
	return New(eng, img, nil, Config{Mode: mode, Listener: rec.listener()}), rec
}

func commitExposure(t *testing.T, c *Coordinator, ev float64) {
	t.Helper()
	u, err := c.BeginUpdate()
	require.NoError(t, err)
	u.Params().Exposure.Compensation = ev
	require.NoError(t, u.Commit(params.ExposureChanged))
}

func TestStaleResultIsNeverDelivered(t *testing.T) {
	eng := &enginetest.Engine{Manual: true, Response: exposureResponse}
	c, rec := setup(t, Async, eng)

	commitExposure(t, c, 1)
	commitExposure(t, c, 2)
	assert.Equal(t, 1, eng.Pending(), "second commit waits for the job in flight")
	assert.Equal(t, uint64(2), c.Version())

	require.True(t, eng.Complete())
	assert.Empty(t, rec.completed())
	assert.Equal(t, 1, eng.Released(), "stale result is released")
	assert.Equal(t, 1, eng.Pending(), "newest snapshot is dispatched")

	require.True(t, eng.Complete())
	got := rec.completed()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].Version)
	assert.InDelta(t, 0.45, level(got[0]), 1e-4)

	rendered := eng.Rendered()
	require.Len(t, rendered, 2)
	assert.Equal(t, 2.0, rendered[1].Params.Exposure.Compensation)
	assert.False(t, eng.Complete())
}

func TestCommitsDuringFlightCoalesce(t *testing.T) {
	eng := &enginetest.Engine{Manual: true, Response: exposureResponse}
	c, rec := setup(t, Async, eng)

	for ev := 1.0; ev <= 4; ev++ {
		commitExposure(t, c, ev)
	}
	for eng.Complete() {
	}

	assert.Len(t, eng.Rendered(), 2)
	got := rec.completed()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(4), got[0].Version)
	assert.Equal(t, 4.0, eng.Rendered()[1].Params.Exposure.Compensation)
}

func TestUpdateHandle(t *testing.T) {
	eng := &enginetest.Engine{}
	c, _ := setup(t, Sync, eng)

	u1, err := c.BeginUpdate()
	require.NoError(t, err)
	_, err = c.BeginUpdate()
	assert.ErrorIs(t, err, ErrUpdateInProgress)

	u1.Params().Exposure.Compensation = 3
	require.NoError(t, u1.Abort())
	assert.Equal(t, uint64(0), c.Version())
	assert.Equal(t, 0.0, c.Params().Exposure.Compensation)
	assert.ErrorIs(t, u1.Commit(params.ExposureChanged), ErrUpdateReleased)
	assert.ErrorIs(t, u1.Abort(), ErrUpdateReleased)

	u2, err := c.BeginUpdate()
	require.NoError(t, err)
	u2.Params().Exposure.Compensation = 1
	require.NoError(t, c.Commit(u2, params.ExposureChanged))
	assert.ErrorIs(t, u2.Commit(params.ExposureChanged), ErrUpdateReleased)
	assert.Equal(t, uint64(1), c.Version())
	assert.Equal(t, 1.0, c.Params().Exposure.Compensation)

	other := New(eng, nil, nil, Config{Mode: Sync})
	u3, err := other.BeginUpdate()
	require.NoError(t, err)
	assert.Error(t, c.Commit(u3, 0))
}

func TestParamsIsACopy(t *testing.T) {
	c, _ := setup(t, Sync, &enginetest.Engine{})
	p := c.Params()
	p.Exposure.Compensation = 5
	assert.Equal(t, 0.0, c.Params().Exposure.Compensation)
}

func TestSyncDeliversBeforeCommitReturns(t *testing.T) {
	eng := &enginetest.Engine{Response: exposureResponse}
	c, rec := setup(t, Sync, eng)

	commitExposure(t, c, 1)
	got := rec.completed()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].Version)
	assert.InDelta(t, 0.35, level(got[0]), 1e-4)
}

func TestSyncCommitFromListener(t *testing.T) {
	eng := &enginetest.Engine{Response: exposureResponse}
	img, err := eng.Load("photo.jpg", false)
	require.NoError(t, err)

	var versions []uint64
	var c *Coordinator
	c = New(eng, img, nil, Config{Mode: Sync, Listener: ListenerFuncs{
		Complete: func(res *engine.Result) {
			defer res.Release()
			versions = append(versions, res.Version)
			if res.Version >= 5 {
				return
			}
			u, err := c.BeginUpdate()
			require.NoError(t, err)
			u.Params().Exposure.Compensation++
			require.NoError(t, u.Commit(params.ExposureChanged))
		},
	}})

	require.NoError(t, c.Render(params.AllChanged))
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, versions)
	assert.Equal(t, 4.0, c.Params().Exposure.Compensation)
	assert.Equal(t, 5, eng.Released())
}

func TestRenderIsIdempotent(t *testing.T) {
	eng := &enginetest.Engine{Response: exposureResponse}
	c, rec := setup(t, Sync, eng)

	require.NoError(t, c.Render(0))
	require.NoError(t, c.Render(0))

	got := rec.completed()
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].Version)
	assert.Equal(t, uint64(2), got[1].Version)
	assert.Equal(t, level(got[0]), level(got[1]))
	assert.Equal(t, eng.Rendered()[0].Params, eng.Rendered()[1].Params)
}

func TestCropWindow(t *testing.T) {
	eng := &enginetest.Engine{}
	c, rec := setup(t, Sync, eng)

	w := image.Rect(10, 10, 20, 20)
	c.SetCropWindow(&w)
	w.Max = image.Pt(60, 60)
	require.NoError(t, c.Render(0))
	c.SetCropWindow(nil)
	require.NoError(t, c.Render(0))

	got := rec.completed()
	require.Len(t, got, 2)
	assert.Equal(t, image.Rect(10, 10, 20, 20), got[0].Image.Bounds())
	assert.Equal(t, image.Rect(0, 0, 64, 64), got[1].Image.Bounds())
}

func TestRenderError(t *testing.T) {
	t.Run("sync", func(t *testing.T) {
		eng := &enginetest.Engine{FailRender: errors.New("boom")}
		c, rec := setup(t, Sync, eng)
		require.NoError(t, c.Render(0))

		require.Len(t, rec.errs, 1)
		assert.ErrorIs(t, rec.errs[0], engine.ErrRenderFailure)
		assert.Contains(t, rec.errs[0].Error(), "boom")
		assert.Equal(t, uint64(1), rec.versions[0])
		assert.Empty(t, rec.completed())

		// The coordinator stays usable after a failure.
		eng.FailRender = nil
		require.NoError(t, c.Render(0))
		assert.Len(t, rec.completed(), 1)
	})

	t.Run("async", func(t *testing.T) {
		eng := &enginetest.Engine{Manual: true, FailRender: errors.New("boom")}
		c, rec := setup(t, Async, eng)
		require.NoError(t, c.Render(0))
		require.True(t, eng.Complete())

		require.Len(t, rec.errs, 1)
		assert.ErrorIs(t, rec.errs[0], engine.ErrRenderFailure)
	})

	t.Run("stale error is dropped", func(t *testing.T) {
		eng := &enginetest.Engine{Manual: true, FailRender: errors.New("boom")}
		c, rec := setup(t, Async, eng)
		require.NoError(t, c.Render(0))
		require.NoError(t, c.Render(0))
		require.True(t, eng.Complete())
		assert.Empty(t, rec.errs)
		require.True(t, eng.Complete())
		assert.Len(t, rec.errs, 1)
	})
}

func TestClose(t *testing.T) {
	eng := &enginetest.Engine{Manual: true}
	c, rec := setup(t, Async, eng)

	require.NoError(t, c.Render(0))
	require.NoError(t, c.Close())
	_, err := c.BeginUpdate()
	assert.ErrorIs(t, err, ErrClosed)

	require.True(t, eng.Complete())
	assert.Empty(t, rec.completed())
	assert.Equal(t, 1, eng.Released())
}

func TestInboxWithAsyncEngine(t *testing.T) {
	eng := &enginetest.Engine{Response: exposureResponse}
	img, err := eng.Load("photo.jpg", false)
	require.NoError(t, err)
	inbox := NewInbox()
	defer inbox.Close()
	c := New(eng, img, nil, Config{Mode: Async, Listener: inbox})

	commitExposure(t, c, 2)

	select {
	case ev := <-inbox.Done():
		require.Equal(t, EventComplete, ev.Kind)
		assert.Equal(t, uint64(1), ev.Version)
		assert.InDelta(t, 0.45, level(ev.Result), 1e-4)
		ev.Result.Release()
	case <-time.After(5 * time.Second):
		t.Fatal("no completion")
	}
	assert.NotEmpty(t, inbox.Progress())
}

func TestInboxCloseUnblocksSenders(t *testing.T) {
	inbox := NewInbox()
	var mu sync.Mutex
	released := 0
	newResult := func() *engine.Result {
		return engine.NewResult(image.NewRGBA(image.Rect(0, 0, 1, 1)), image.Pt(1, 1), sampler.Identity(image.Pt(1, 1)), 1, func() {
			mu.Lock()
			released++
			mu.Unlock()
		})
	}

	for i := 0; i < cap(inbox.done); i++ {
		inbox.OnComplete(newResult())
	}
	sent := make(chan struct{})
	go func() {
		inbox.OnComplete(newResult())
		close(sent)
	}()

	inbox.Close()
	select {
	case <-sent:
	case <-time.After(5 * time.Second):
		t.Fatal("sender still blocked")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, cap(inbox.done)+1, released)

	// Progress never blocks.
	for i := 0; i < 100; i++ {
		inbox.OnProgress(1, 0.5)
	}
}
