package progress_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-compressor-go/internal/progress"
)

type harness struct {
	ctrl  *progress.Controller
	sched *fakeScheduler
	comp  *gatedCompressor
	rec   *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sched: &fakeScheduler{},
		comp:  newGatedCompressor(),
		rec:   newRecorder(),
	}
	ctrl, err := progress.NewController(progress.Config{
		Compressor:          h.comp,
		Scheduler:           h.sched,
		Observer:            h.rec,
		UseBackgroundWorker: true,
	})
	require.NoError(t, err)
	ctrl.Subscribe(h.rec.OnState)
	h.ctrl = ctrl
	return h
}

func (h *harness) waitPhase(t *testing.T, phase progress.Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.ctrl.State().Phase == phase
	}, 5*time.Second, time.Millisecond, "phase %s never reached", phase)
}

func request(size int, quality float64) progress.Request {
	return progress.Request{Name: "photo.jpg", Data: make([]byte, size), Quality: quality}
}

func TestEstimateSeconds(t *testing.T) {
	tests := map[string]struct {
		size   int64
		expEst int
	}{
		"A 100 byte file uses the floor":        {size: 100, expEst: 3},
		"Exactly 1 MiB is 3 seconds":            {size: 1 << 20, expEst: 3},
		"Just over 1 MiB rounds up":             {size: 1<<20 + 1, expEst: 4},
		"5 MiB is 15 seconds":                   {size: 5_242_880, expEst: 15},
		"Large files have no upper bound":       {size: 1 << 30, expEst: 3072},
		"Half a MiB stays at the floor":         {size: 1 << 19, expEst: 3},
		"Two and a half MiB rounds 7.5 up to 8": {size: 5 << 19, expEst: 8},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.expEst, progress.EstimateSeconds(test.size))
		})
	}
}

func TestPercentAt(t *testing.T) {
	assert.Equal(t, 0, progress.PercentAt(0, 15, 95))
	assert.Equal(t, 67, progress.PercentAt(10, 15, 95))
	assert.Equal(t, 95, progress.PercentAt(15, 15, 95))
	assert.Equal(t, 33, progress.PercentAt(1, 3, 95))
	assert.Equal(t, 0, progress.PercentAt(1, 0, 95))
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		req    progress.Request
		expErr bool
	}{
		"Lowest quality is valid":              {req: request(1, 0.1)},
		"Highest quality is valid":             {req: request(1, 0.9)},
		"Mid quality is valid":                 {req: request(1, 0.3)},
		"Empty source is invalid":              {req: request(0, 0.5), expErr: true},
		"Quality below range is invalid":       {req: request(1, 0.05), expErr: true},
		"Quality above range is invalid":       {req: request(1, 0.95), expErr: true},
		"Quality of one is invalid":            {req: request(1, 1), expErr: true},
		"Quality off the step grid is invalid": {req: request(1, 0.55), expErr: true},
		"Zero quality is invalid":              {req: request(1, 0), expErr: true},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			err := test.req.Validate()
			if test.expErr {
				assert.ErrorIs(t, err, progress.ErrInvalidRequest)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStartRejectsInvalidRequestBeforeAnyTimer(t *testing.T) {
	h := newHarness(t)

	_, err := h.ctrl.Start(context.Background(), request(0, 0.5))
	assert.ErrorIs(t, err, progress.ErrInvalidRequest)

	_, err = h.ctrl.Start(context.Background(), request(10, 1.5))
	assert.ErrorIs(t, err, progress.ErrInvalidRequest)

	assert.Zero(t, h.sched.Created())
	assert.Equal(t, progress.PhaseIdle, h.ctrl.State().Phase)
	assert.Empty(t, h.rec.States())
}

func TestFiveMegabyteScenario(t *testing.T) {
	h := newHarness(t)

	seq, err := h.ctrl.Start(context.Background(), request(5_242_880, 0.5))
	require.NoError(t, err)

	call := h.comp.next(t)
	assert.InDelta(t, 2.5, call.opts.TargetSizeMB, 1e-9)
	assert.Equal(t, 1920, call.opts.MaxDimension)
	assert.True(t, call.opts.UseBackgroundWorker)
	assert.Equal(t, "photo.jpg", call.src.Name)

	st := h.ctrl.State()
	assert.Equal(t, seq, st.Session)
	assert.Equal(t, progress.PhaseRunning, st.Phase)
	assert.Equal(t, 0, st.PercentComplete)
	assert.Equal(t, 15, st.SecondsRemaining)
	assert.Equal(t, 15, st.EstimatedSeconds)

	h.sched.Advance(10 * time.Second)

	st = h.ctrl.State()
	assert.Equal(t, 67, st.PercentComplete)
	assert.Equal(t, 5, st.SecondsRemaining)
	assert.Equal(t, "compressing 67%", st.Message)

	call.succeed([]byte("small"))
	h.waitPhase(t, progress.PhaseSucceeded)
}

func TestPercentCapsBelowCompletionWhilePending(t *testing.T) {
	h := newHarness(t)

	_, err := h.ctrl.Start(context.Background(), request(100, 0.5))
	require.NoError(t, err)
	call := h.comp.next(t)

	h.sched.Advance(3 * time.Second)
	st := h.ctrl.State()
	assert.Equal(t, 95, st.PercentComplete)
	assert.Equal(t, 0, st.SecondsRemaining)
	assert.Equal(t, progress.PhaseRunning, st.Phase)

	// The countdown is exhausted: further ticks change nothing.
	emitted := len(h.rec.States())
	h.sched.Advance(30 * time.Second)
	assert.Len(t, h.rec.States(), emitted)
	assert.Equal(t, 1, h.sched.ActiveTickers(), "simulation keeps running until the call resolves")

	for _, s := range h.rec.States() {
		if s.Phase == progress.PhaseRunning {
			assert.GreaterOrEqual(t, s.PercentComplete, 0)
			assert.LessOrEqual(t, s.PercentComplete, 95)
		}
	}

	call.succeed([]byte("ok"))
	h.waitPhase(t, progress.PhaseSucceeded)
}

func TestSuccessSettlesThenReturnsToIdle(t *testing.T) {
	h := newHarness(t)

	seq, err := h.ctrl.Start(context.Background(), request(2048, 0.7))
	require.NoError(t, err)
	h.comp.next(t).succeed([]byte("compressed-bytes"))
	h.waitPhase(t, progress.PhaseSucceeded)

	st := h.ctrl.State()
	assert.Equal(t, 100, st.PercentComplete)
	assert.Equal(t, 0, st.SecondsRemaining)
	assert.Empty(t, st.Error)
	assert.Zero(t, h.sched.ActiveTickers(), "tick timer must stop on completion")

	a, ok := h.ctrl.Result()
	require.True(t, ok)
	assert.Equal(t, "compressed_photo.jpg", a.Name)
	assert.Equal(t, "photo.jpg", a.SourceName)
	assert.Equal(t, []byte("compressed-bytes"), a.Data)
	assert.Equal(t, int64(16), a.Size())
	assert.Equal(t, int64(2048), a.OriginalSize)
	assert.Equal(t, 0.7, a.Quality)
	assert.Equal(t, "blob:"+a.ID, a.Handle)

	h.sched.Advance(1999 * time.Millisecond)
	assert.Equal(t, progress.PhaseSucceeded, h.ctrl.State().Phase)

	h.sched.Advance(time.Millisecond)
	st = h.ctrl.State()
	assert.Equal(t, progress.PhaseIdle, st.Phase)
	assert.Equal(t, seq, st.Session)

	// The artifact outlives the display hold.
	_, ok = h.ctrl.Result()
	assert.True(t, ok)

	h.rec.mu.Lock()
	assert.Equal(t, progress.PhaseSucceeded, h.rec.finished[seq])
	h.rec.mu.Unlock()
}

func TestFailureSettlesThenReturnsToIdle(t *testing.T) {
	h := newHarness(t)

	_, err := h.ctrl.Start(context.Background(), request(2048, 0.5))
	require.NoError(t, err)
	h.sched.Advance(time.Second)

	cause := errors.New("decoder exploded")
	h.comp.next(t).fail(cause)
	h.waitPhase(t, progress.PhaseFailed)

	st := h.ctrl.State()
	assert.Equal(t, 0, st.SecondsRemaining)
	assert.Equal(t, progress.FailureMessage, st.Message)
	assert.Equal(t, "decoder exploded", st.Error)
	assert.Zero(t, h.sched.ActiveTickers())

	lastErr := h.ctrl.LastError()
	assert.ErrorIs(t, lastErr, progress.ErrCompressionFailed)
	assert.ErrorIs(t, lastErr, cause)

	_, ok := h.ctrl.Result()
	assert.False(t, ok)

	h.sched.Advance(2 * time.Second)
	assert.Equal(t, progress.PhaseIdle, h.ctrl.State().Phase)
}

func TestChangeQualityReplacesRunningSession(t *testing.T) {
	h := newHarness(t)

	first, err := h.ctrl.Start(context.Background(), request(5_242_880, 0.5))
	require.NoError(t, err)
	firstCall := h.comp.next(t)
	h.sched.Advance(4 * time.Second)

	second, started, err := h.ctrl.ChangeQuality(context.Background(), 0.3)
	require.NoError(t, err)
	require.True(t, started)
	assert.Greater(t, second, first)
	secondCall := h.comp.next(t)
	assert.InDelta(t, 1.5, secondCall.opts.TargetSizeMB, 1e-9)

	assert.Equal(t, 1, h.sched.ActiveTickers(), "exactly one tick timer after the switch")

	st := h.ctrl.State()
	assert.Equal(t, second, st.Session)
	assert.Equal(t, 0, st.PercentComplete)
	assert.Equal(t, 15, st.SecondsRemaining)

	// Only the new session ticks.
	before := len(h.rec.States())
	h.sched.Advance(time.Second)
	states := h.rec.States()
	require.Len(t, states, before+1)
	assert.Equal(t, second, states[len(states)-1].Session)

	// The slow first call resolves late and is dropped.
	firstCall.succeed([]byte("stale"))
	require.Eventually(t, func() bool { return len(h.rec.Stale()) == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []uint64{first}, h.rec.Stale())
	assert.Equal(t, progress.PhaseRunning, h.ctrl.State().Phase)
	_, ok := h.ctrl.Result()
	assert.False(t, ok)

	secondCall.succeed([]byte("fresh"))
	h.waitPhase(t, progress.PhaseSucceeded)
	a, ok := h.ctrl.Result()
	require.True(t, ok)
	assert.Equal(t, []byte("fresh"), a.Data)
	assert.Equal(t, 0.3, a.Quality)
	assert.Equal(t, 0.3, h.ctrl.Quality())
}

func TestNewSessionCancelsPreviousDisplayHold(t *testing.T) {
	h := newHarness(t)

	_, err := h.ctrl.Start(context.Background(), request(100, 0.5))
	require.NoError(t, err)
	h.comp.next(t).succeed([]byte("a"))
	h.waitPhase(t, progress.PhaseSucceeded)

	h.sched.Advance(time.Second)
	second, err := h.ctrl.Start(context.Background(), request(100, 0.5))
	require.NoError(t, err)
	call := h.comp.next(t)

	// The old hold would have fired here.
	h.sched.Advance(1500 * time.Millisecond)
	st := h.ctrl.State()
	assert.Equal(t, progress.PhaseRunning, st.Phase)
	assert.Equal(t, second, st.Session)

	call.succeed([]byte("b"))
	h.waitPhase(t, progress.PhaseSucceeded)
}

func TestChangeQualityWithoutSource(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, progress.DefaultQuality, h.ctrl.Quality())

	_, started, err := h.ctrl.ChangeQuality(context.Background(), 0.8)
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, 0.8, h.ctrl.Quality())
	assert.Zero(t, h.sched.Created())

	_, _, err = h.ctrl.ChangeQuality(context.Background(), 0.85)
	assert.ErrorIs(t, err, progress.ErrInvalidRequest)
	assert.Equal(t, 0.8, h.ctrl.Quality())
}

func TestUnsubscribe(t *testing.T) {
	h := newHarness(t)

	var got []progress.State
	unsubscribe := h.ctrl.Subscribe(func(s progress.State) { got = append(got, s) })

	_, err := h.ctrl.Start(context.Background(), request(100, 0.5))
	require.NoError(t, err)
	call := h.comp.next(t)
	require.Len(t, got, 1)

	unsubscribe()
	h.sched.Advance(time.Second)
	assert.Len(t, got, 1)

	call.succeed([]byte("x"))
	h.waitPhase(t, progress.PhaseSucceeded)
}

func TestCloseStopsTimersAndRejectsStarts(t *testing.T) {
	h := newHarness(t)

	_, err := h.ctrl.Start(context.Background(), request(100, 0.5))
	require.NoError(t, err)
	call := h.comp.next(t)

	h.ctrl.Close()
	assert.Zero(t, h.sched.ActiveTickers())

	_, err = h.ctrl.Start(context.Background(), request(100, 0.5))
	assert.ErrorIs(t, err, progress.ErrClosed)

	call.succeed([]byte("late"))
	require.Eventually(t, func() bool { return len(h.rec.Stale()) == 1 }, 5*time.Second, time.Millisecond)
}

func TestNewControllerValidation(t *testing.T) {
	_, err := progress.NewController(progress.Config{})
	assert.Error(t, err)

	_, err = progress.NewController(progress.Config{Compressor: newGatedCompressor(), DefaultQuality: 0.42})
	assert.ErrorIs(t, err, progress.ErrInvalidRequest)
}
