package telemetry

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	m := New()

	m.ObserveRequest("/account/{id}/explanation", http.MethodGet, 200, 5*time.Millisecond)
	m.ObserveRequest("/account/{id}/explanation", http.MethodGet, 200, 5*time.Millisecond)
	m.ObserveRequest("", http.MethodGet, 404, time.Millisecond)

	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues("/account/{id}/explanation", "GET", "200")); got != 2 {
		t.Errorf("expected 2 requests, got %v", got)
	}
	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues("unmatched", "GET", "404")); got != 1 {
		t.Errorf("expected 1 unmatched request, got %v", got)
	}

	m.ObserveBatch(time.Second, nil)
	m.ObserveBatch(time.Second, errors.New("boom"))
	m.ObserveBatch(time.Second, errors.New("boom"))
	if got := testutil.ToFloat64(m.batchRuns.WithLabelValues("failure")); got != 2 {
		t.Errorf("expected 2 failed batches, got %v", got)
	}

	m.SetBundle("v1", 10)
	m.SetBundle("v2", 12)
	if got := testutil.CollectAndCount(m.bundleInfo); got != 1 {
		t.Errorf("expected one bundle series after swap, got %d", got)
	}
	if got := testutil.ToFloat64(m.bundleAccounts); got != 12 {
		t.Errorf("expected 12 accounts, got %v", got)
	}

	m.ObserveCache(true)
	m.ObserveCache(false)
	m.ObserveReload(nil)
	if got := testutil.ToFloat64(m.explainCache.WithLabelValues("hit")); got != 1 {
		t.Errorf("expected 1 cache hit, got %v", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.SetBundle("v7", 3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `sentinel_bundle_info{version="v7"} 1`) {
		t.Errorf("bundle gauge missing from exposition:\n%s", body)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("/", "GET", 200, time.Millisecond)
	m.ObserveBatch(time.Second, nil)
	m.SetBundle("v1", 1)
	m.ObserveCache(true)
	m.ObserveReload(nil)
	if m.Registry() != nil {
		t.Error("expected nil registry")
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 from nil metrics, got %d", rec.Code)
	}
}
