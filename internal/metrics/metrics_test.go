package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveConsumedIgnoresNonPositive(t *testing.T) {
	before := testutil.ToFloat64(EventsConsumed)
	ObserveConsumed(0)
	ObserveConsumed(-3)
	assert.Equal(t, before, testutil.ToFloat64(EventsConsumed))

	ObserveConsumed(5)
	assert.Equal(t, before+5, testutil.ToFloat64(EventsConsumed))
}

func TestObserveRunRecordsDuration(t *testing.T) {
	ObserveRun(RunSummary{
		Elapsed:    2 * time.Second,
		Throughput: 1234,
		Commits:    10,
		Drops:      1,
		Outcome:    "mismatch",
	})

	assert.Equal(t, 1234.0, testutil.ToFloat64(Throughput))
	assert.Equal(t, 1.0, testutil.ToFloat64(RunsTotal.WithLabelValues("mismatch")))

	mfs, err := Registry.Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range mfs {
		if mf.GetName() != "ringbench_run_duration_seconds" {
			continue
		}
		found = true
		require.NotEmpty(t, mf.Metric)
		assert.NotZero(t, mf.Metric[0].GetHistogram().GetSampleCount())
	}
	assert.True(t, found, "ringbench_run_duration_seconds not found")
}

func TestMetricsEndpointExposesCoreMetrics(t *testing.T) {
	ObserveIdlePoll()
	SetAgentInfo("", "synthetic")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true}).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	for _, name := range []string{"ringbench_idle_backoffs_total", "ringbench_up", "ringbench_info"} {
		assert.True(t, strings.Contains(body, name), "missing %s", name)
	}
}

func TestSetUpTogglesGauge(t *testing.T) {
	SetUp(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(Up))
	SetUp(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(Up))
}
