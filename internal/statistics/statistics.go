package statistics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"image-compressor-go/internal/progress"
)

// Statistics contains counters for the compression sessions run by this process.
// It implements progress.Observer.
type Statistics struct {
	SessionsStarted   int64
	SessionsSucceeded int64
	SessionsFailed    int64
	StaleResults      int64
	HistoryRecords    int64

	BytesIn  int64
	BytesOut int64

	StartTime time.Time

	mutex       sync.RWMutex
	busyTime    time.Duration
	lastSession uint64
	Errors      []StatError
}

// StatError represents a failed session.
type StatError struct {
	Session   uint64
	Timestamp time.Time
}

var _ progress.Observer = (*Statistics)(nil)

// NewStatistics returns a new Statistics instance.
func NewStatistics() *Statistics {
	return &Statistics{
		StartTime: time.Now(),
		Errors:    make([]StatError, 0),
	}
}

// SessionStarted counts a started session.
func (s *Statistics) SessionStarted(seq uint64, _ int64) {
	atomic.AddInt64(&s.SessionsStarted, 1)
	s.mutex.Lock()
	s.lastSession = seq
	s.mutex.Unlock()
}

// SessionFinished counts a settled session and its byte totals.
func (s *Statistics) SessionFinished(seq uint64, phase progress.Phase, elapsed time.Duration, sourceBytes, compressedBytes int64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.busyTime += elapsed
	switch phase {
	case progress.PhaseSucceeded:
		atomic.AddInt64(&s.SessionsSucceeded, 1)
		atomic.AddInt64(&s.BytesIn, sourceBytes)
		atomic.AddInt64(&s.BytesOut, compressedBytes)
	case progress.PhaseFailed:
		atomic.AddInt64(&s.SessionsFailed, 1)
		s.Errors = append(s.Errors, StatError{Session: seq, Timestamp: time.Now()})
	}
}

// StaleResultDiscarded counts a result dropped because a newer session replaced it.
func (s *Statistics) StaleResultDiscarded(uint64) {
	atomic.AddInt64(&s.StaleResults, 1)
}

// IncrementHistoryRecords counts an entry written to history.
func (s *Statistics) IncrementHistoryRecords() {
	atomic.AddInt64(&s.HistoryRecords, 1)
}

// AverageSavings returns the percentage of input bytes saved by successful sessions.
func (s *Statistics) AverageSavings() float64 {
	return SavingsPercent(atomic.LoadInt64(&s.BytesIn), atomic.LoadInt64(&s.BytesOut))
}

// GetSummary returns a formatted summary of all statistics.
func (s *Statistics) GetSummary() string {
	s.mutex.RLock()
	busy := s.busyTime
	failures := len(s.Errors)
	s.mutex.RUnlock()

	return fmt.Sprintf(`Image Compressor Statistics Summary:

Sessions:
		Started: %d
		Succeeded: %d
		Failed: %d
		Stale Results Discarded: %d

Output:
		Bytes In: %s
		Bytes Out: %s
		Saved: %.1f%%
		History Records: %d

Performance:
		Uptime: %v
		Time Compressing: %v
		Failures Logged: %d`,
		atomic.LoadInt64(&s.SessionsStarted),
		atomic.LoadInt64(&s.SessionsSucceeded),
		atomic.LoadInt64(&s.SessionsFailed),
		atomic.LoadInt64(&s.StaleResults),
		FormatFileSize(atomic.LoadInt64(&s.BytesIn)),
		FormatFileSize(atomic.LoadInt64(&s.BytesOut)),
		s.AverageSavings(),
		atomic.LoadInt64(&s.HistoryRecords),
		time.Since(s.StartTime).Round(time.Second),
		busy.Round(time.Millisecond),
		failures)
}

// Snapshot returns the counters as a flat map for JSON responses.
func (s *Statistics) Snapshot() map[string]interface{} {
	s.mutex.RLock()
	last := s.lastSession
	s.mutex.RUnlock()

	return map[string]interface{}{
		"sessions_started":   atomic.LoadInt64(&s.SessionsStarted),
		"sessions_succeeded": atomic.LoadInt64(&s.SessionsSucceeded),
		"sessions_failed":    atomic.LoadInt64(&s.SessionsFailed),
		"stale_results":      atomic.LoadInt64(&s.StaleResults),
		"history_records":    atomic.LoadInt64(&s.HistoryRecords),
		"bytes_in":           atomic.LoadInt64(&s.BytesIn),
		"bytes_out":          atomic.LoadInt64(&s.BytesOut),
		"saved_percent":      s.AverageSavings(),
		"last_session":       last,
	}
}

// FormatFileSize renders a byte count as B, KB (two decimals) or MB (two decimals).
func FormatFileSize(bytes int64) string {
	const unit = 1024
	switch {
	case bytes < unit:
		return fmt.Sprintf("%d B", bytes)
	case bytes < unit*unit:
		return fmt.Sprintf("%.2f KB", float64(bytes)/unit)
	default:
		return fmt.Sprintf("%.2f MB", float64(bytes)/(unit*unit))
	}
}

// SavingsPercent returns how much smaller compressed is than original, in percent.
func SavingsPercent(original, compressed int64) float64 {
	if original <= 0 {
		return 0
	}
	return float64(original-compressed) * 100 / float64(original)
}
