package progress

import (
	"sync"
	"time"
)

// Timer is a cancellable scheduled task.
type Timer interface {
	// Stop cancels the task. Calling Stop more than once is safe.
	Stop()
}

// Scheduler runs functions later or periodically.
type Scheduler interface {
	// Every calls fn once per interval until the returned Timer is stopped.
	Every(interval time.Duration, fn func()) Timer
	// After calls fn once after d unless the returned Timer is stopped first.
	After(d time.Duration, fn func()) Timer
}

// RealScheduler schedules on the wall clock.
type RealScheduler struct{}

// Every starts a ticker goroutine.
func (RealScheduler) Every(interval time.Duration, fn func()) Timer {
	t := &tickerTimer{
		ticker: time.NewTicker(interval),
		done:   make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-t.done:
				return
			case <-t.ticker.C:
				fn()
			}
		}
	}()
	return t
}

// After wraps time.AfterFunc.
func (RealScheduler) After(d time.Duration, fn func()) Timer {
	return afterTimer{time.AfterFunc(d, fn)}
}

type tickerTimer struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (t *tickerTimer) Stop() {
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.done)
	})
}

type afterTimer struct {
	t *time.Timer
}

func (a afterTimer) Stop() { a.t.Stop() }
