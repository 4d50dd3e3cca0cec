package metrics_test

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-compressor-go/internal/metrics"
	"image-compressor-go/internal/progress"
)

func TestRecorder(t *testing.T) {
	r := metrics.NewRecorder()

	r.SessionStarted(1, 100)
	r.SessionFinished(1, progress.PhaseSucceeded, 2*time.Second, 100, 40)
	r.SessionStarted(2, 100)
	r.SessionFinished(2, progress.PhaseFailed, time.Second, 100, 0)
	r.StaleResultDiscarded(1)
	r.SetHistoryEntries(7)

	n, err := testutil.GatherAndCount(r.Registry(), "image_compressor_sessions_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `image_compressor_sessions_total{outcome="started"} 2`)
	assert.Contains(t, text, `image_compressor_sessions_total{outcome="succeeded"} 1`)
	assert.Contains(t, text, `image_compressor_sessions_total{outcome="failed"} 1`)
	assert.Contains(t, text, `image_compressor_stale_results_total 1`)
	assert.Contains(t, text, `image_compressor_bytes_total{direction="out"} 40`)
	assert.Contains(t, text, `image_compressor_history_entries 7`)
}
