package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounterAndHistogramSeries(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("aegis_job_runs_total", map[string]string{"job": "traffic_flush", "status": "ok"})
	r.IncCounter("aegis_job_runs_total", map[string]string{"job": "traffic_flush", "status": "ok"})
	r.ObserveHistogram("aegis_job_duration_ms", 42, map[string]string{"job": "traffic_flush"})

	got := testutil.ToFloat64(r.Counter("aegis_job_runs_total").WithLabelValues("traffic_flush", "ok"))
	if got != 2 {
		t.Fatalf("expected counter value 2, got %v", got)
	}
	n, err := testutil.GatherAndCount(r.Gatherer(), "aegis_job_duration_ms")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one histogram series, got %d", n)
	}
}

func TestMismatchedLabelsAreDropped(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("aegis_job_runs_total", map[string]string{"job": "traffic_flush"})
	r.IncCounter("aegis_unknown_total", nil)

	n, err := testutil.GatherAndCount(r.Gatherer(), "aegis_job_runs_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no series for mismatched labels, got %d", n)
	}
}

func TestGaugeSetAndHandler(t *testing.T) {
	r := NewRegistry()
	r.SetGauge("aegis_lease_live_ports", 7, nil)
	r.IncCounter("aegis_relay_requests_total", map[string]string{"op": "fetch", "result": "ok"})

	if got := testutil.ToFloat64(r.Gauge("aegis_lease_live_ports").WithLabelValues()); got != 7 {
		t.Fatalf("expected gauge 7, got %v", got)
	}

	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	if !strings.Contains(body, "# TYPE aegis_relay_requests_total counter") {
		t.Fatalf("missing counter type line: %s", body)
	}
	if !strings.Contains(body, `aegis_relay_requests_total{op="fetch",result="ok"} 1`) {
		t.Fatalf("missing counter sample: %s", body)
	}
}
