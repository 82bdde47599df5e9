package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetPoolOccupancy_UpdatesGauges(t *testing.T) {
	r := New()
	r.SetPoolOccupancy(3, 2, 1)

	body := scrape(t, r)
	require.Contains(t, body, "parallited_workers_idle 3")
	require.Contains(t, body, "parallited_workers_leased 2")
	require.Contains(t, body, "parallited_workers_broken 1")
}

func TestObserveOutcome_IncrementsLabeledCounter(t *testing.T) {
	r := New()
	r.ObserveOutcome(OutcomeOK)
	r.ObserveOutcome(OutcomeOK)
	r.ObserveOutcome(OutcomeTimeout)

	body := scrape(t, r)
	require.Contains(t, body, `parallited_tasks_total{outcome="ok"} 2`)
	require.Contains(t, body, `parallited_tasks_total{outcome="timeout"} 1`)
}

func TestObserveDispatchLatencySeconds_RecordsIntoHistogram(t *testing.T) {
	r := New()
	r.ObserveDispatchLatencySeconds(0.01)

	body := scrape(t, r)
	require.Contains(t, body, "parallited_dispatch_latency_seconds_count 1")
}

func scrape(t *testing.T, r *Recorder) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	return strings.ReplaceAll(rec.Body.String(), "\n", " ")
}
