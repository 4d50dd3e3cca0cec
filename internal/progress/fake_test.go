package progress_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/progress"
)

// fakeScheduler is a manual clock. Advance fires due timers in time order on
// the calling goroutine.
type fakeScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	s       *fakeScheduler
	next    time.Duration
	period  time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.stopped = true
}

func (s *fakeScheduler) Every(interval time.Duration, fn func()) progress.Timer {
	return s.add(interval, interval, fn)
}

func (s *fakeScheduler) After(d time.Duration, fn func()) progress.Timer {
	return s.add(d, 0, fn)
}

func (s *fakeScheduler) add(d, period time.Duration, fn func()) *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, next: s.now + d, period: period, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d
	for {
		var due *fakeTimer
		for _, t := range s.timers {
			if t.stopped || t.next > target {
				continue
			}
			if due == nil || t.next < due.next {
				due = t
			}
		}
		if due == nil {
			break
		}
		s.now = due.next
		if due.period > 0 {
			due.next += due.period
		} else {
			due.stopped = true
		}
		s.mu.Unlock()
		due.fn()
		s.mu.Lock()
	}
	s.now = target
	s.mu.Unlock()
}

// ActiveTickers returns how many periodic timers are still running.
func (s *fakeScheduler) ActiveTickers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && t.period > 0 {
			n++
		}
	}
	return n
}

// Created returns how many timers have ever been scheduled.
func (s *fakeScheduler) Created() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

type compressCall struct {
	src   compressor.Source
	opts  compressor.Options
	reply chan compressReply
}

type compressReply struct {
	out compressor.Output
	err error
}

// gatedCompressor blocks every call until the test replies to it.
type gatedCompressor struct {
	calls chan compressCall
}

func newGatedCompressor() *gatedCompressor {
	return &gatedCompressor{calls: make(chan compressCall, 8)}
}

func (g *gatedCompressor) Compress(ctx context.Context, src compressor.Source, opts compressor.Options) (compressor.Output, error) {
	call := compressCall{src: src, opts: opts, reply: make(chan compressReply, 1)}
	g.calls <- call
	r := <-call.reply
	return r.out, r.err
}

func (g *gatedCompressor) next(t *testing.T) compressCall {
	t.Helper()
	select {
	case c := <-g.calls:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("compressor was not called")
		return compressCall{}
	}
}

func (c compressCall) succeed(data []byte) {
	c.reply <- compressReply{out: compressor.Output{Data: data, ContentType: "image/jpeg", Width: 10, Height: 10}}
}

func (c compressCall) fail(err error) {
	c.reply <- compressReply{err: err}
}

// recorder collects states and observer events.
type recorder struct {
	mu       sync.Mutex
	states   []progress.State
	started  []uint64
	finished map[uint64]progress.Phase
	stale    []uint64
}

func newRecorder() *recorder {
	return &recorder{finished: map[uint64]progress.Phase{}}
}

func (r *recorder) OnState(s progress.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) States() []progress.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.State, len(r.states))
	copy(out, r.states)
	return out
}

func (r *recorder) SessionStarted(seq uint64, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, seq)
}

func (r *recorder) SessionFinished(seq uint64, phase progress.Phase, _ time.Duration, _, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[seq] = phase
}

func (r *recorder) StaleResultDiscarded(seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stale = append(r.stale, seq)
}

func (r *recorder) Stale() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.stale...)
}
