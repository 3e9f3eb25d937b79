package metrics

import (
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestQuantile(t *testing.T) {
	s := []float64{10, 20, 30, 40, 50}
	if got := quantile(s, 0.5); got != 30 {
		t.Fatalf("p50=%v", got)
	}
	if got := quantile(s, 0.95); math.Abs(got-48) > 1e-9 {
		t.Fatalf("p95=%v", got)
	}
	if quantile(nil, 0.5) != 0 {
		t.Fatalf("empty quantile")
	}
}

func TestLatencyRingWraps(t *testing.T) {
	m := New(64)
	for i := 0; i < 200; i++ {
		m.RecordRequest(200, float64(i))
	}
	p50, _ := m.Latencies()
	if p50 < 136 {
		t.Fatalf("ring should only hold the last 64 samples, p50=%v", p50)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := New(0)
	m.RecordRequest(200, 12)
	m.RecordRequest(429, 30)
	m.RecordSource("csv", 3, "")
	m.RecordSource("scrape", 0, "blocked")
	m.RecordOutcome("create")
	m.RecordWarnings("api", 2)
	m.RecordWarnings("csv", 0)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	body := string(b)
	for _, want := range []string{
		`listing_sync_http_requests_total{code="429"} 1`,
		`listing_sync_http_throttled_total 1`,
		`listing_sync_items_total{source="csv"} 3`,
		`listing_sync_errors_total{class="blocked"} 1`,
		`listing_sync_reconcile_total{action="create"} 1`,
		`listing_sync_partial_fetch_warnings_total{source="api"} 2`,
		`listing_sync_http_latency_ms_count 2`,
		`listing_sync_uptime_seconds`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
	if strings.Contains(body, `source="csv"} 0`) {
		t.Fatalf("zero warnings should not create a series:\n%s", body)
	}
}

func TestInstancesHaveSeparateRegistries(t *testing.T) {
	a, b := New(0), New(0)
	a.RecordOutcome("update")

	families, err := b.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() == "listing_sync_reconcile_total" && len(f.GetMetric()) > 0 {
			t.Fatalf("second instance saw the first one's samples: %v", f)
		}
	}
	families, _ = a.Registry().Gather()
	var found bool
	for _, f := range families {
		if f.GetName() == "listing_sync_reconcile_total" {
			found = f.GetMetric()[0].GetCounter().GetValue() == 1
		}
	}
	if !found {
		t.Fatalf("update outcome not gathered")
	}
}
