package statistics_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"image-compressor-go/internal/progress"
	"image-compressor-go/internal/statistics"
)

func TestFormatFileSize(t *testing.T) {
	tests := map[string]struct {
		bytes int64
		exp   string
	}{
		"Zero bytes":           {bytes: 0, exp: "0 B"},
		"Below a kilobyte":     {bytes: 1023, exp: "1023 B"},
		"Exactly a kilobyte":   {bytes: 1024, exp: "1.00 KB"},
		"Fractional kilobytes": {bytes: 1536, exp: "1.50 KB"},
		"Exactly a megabyte":   {bytes: 1 << 20, exp: "1.00 MB"},
		"Five megabytes":       {bytes: 5_242_880, exp: "5.00 MB"},
		"Gigabytes stay in MB": {bytes: 1 << 30, exp: "1024.00 MB"},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.exp, statistics.FormatFileSize(test.bytes))
		})
	}
}

func TestSavingsPercent(t *testing.T) {
	assert.InDelta(t, 50.0, statistics.SavingsPercent(1000, 500), 1e-9)
	assert.InDelta(t, -10.0, statistics.SavingsPercent(1000, 1100), 1e-9)
	assert.Zero(t, statistics.SavingsPercent(0, 10))
}

func TestStatisticsObservesSessions(t *testing.T) {
	s := statistics.NewStatistics()

	s.SessionStarted(1, 1000)
	s.SessionFinished(1, progress.PhaseSucceeded, time.Second, 1000, 250)
	s.SessionStarted(2, 500)
	s.StaleResultDiscarded(1)
	s.SessionFinished(2, progress.PhaseFailed, time.Second, 500, 0)
	s.IncrementHistoryRecords()

	assert.Equal(t, int64(2), s.SessionsStarted)
	assert.Equal(t, int64(1), s.SessionsSucceeded)
	assert.Equal(t, int64(1), s.SessionsFailed)
	assert.Equal(t, int64(1), s.StaleResults)
	assert.Equal(t, int64(1), s.HistoryRecords)
	assert.Equal(t, int64(1000), s.BytesIn)
	assert.Equal(t, int64(250), s.BytesOut)
	assert.InDelta(t, 75.0, s.AverageSavings(), 1e-9)
	assert.Len(t, s.Errors, 1)

	snap := s.Snapshot()
	assert.Equal(t, uint64(2), snap["last_session"])
	assert.Contains(t, s.GetSummary(), "Succeeded: 1")
	assert.Contains(t, s.GetSummary(), "Bytes Out: 250 B")
}
