package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"Treasury-Autopilot/internal/llm"
)

func TestObserveCycle(t *testing.T) {
	m := New()
	m.ObserveCycle("ALLOCATE", "succeeded", 0.9, 2*time.Second)
	m.ObserveCycle("", "failed", 0, time.Second)

	if got := testutil.ToFloat64(m.cycles.WithLabelValues("ALLOCATE", "succeeded")); got != 1 {
		t.Fatalf("expected 1 allocate cycle, got %v", got)
	}
	if got := testutil.ToFloat64(m.cycles.WithLabelValues("none", "failed")); got != 1 {
		t.Fatalf("expected 1 failed cycle, got %v", got)
	}
	if got := testutil.ToFloat64(m.lastConfidence); got != 0.9 {
		t.Fatalf("failed cycle must not reset confidence, got %v", got)
	}
}

func TestObserveHTTPRequestCountsServerErrors(t *testing.T) {
	m := New()
	m.ObserveHTTPRequest("/api/v1/cycles", http.MethodPost, 202, 10*time.Millisecond)
	m.ObserveHTTPRequest("/api/v1/cycles", http.MethodPost, 503, 10*time.Millisecond)

	if got := testutil.ToFloat64(m.httpErrors.WithLabelValues("/api/v1/cycles", http.MethodPost)); got != 1 {
		t.Fatalf("expected 1 server error, got %v", got)
	}
	if got := testutil.CollectAndCount(m.httpRequests); got != 2 {
		t.Fatalf("expected 2 request series, got %d", got)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.ObserveSubmission("scheduled")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `treasury_cycle_submissions_total{source="scheduled"} 1`) {
		t.Fatalf("submission counter missing from output:\n%s", rec.Body.String())
	}
}

type fakeOracle struct{ err error }

func (f fakeOracle) Complete(context.Context, llm.Request) (*llm.Response, error) {
	return &llm.Response{Content: "{}"}, f.err
}

func TestOracleInstrumentation(t *testing.T) {
	m := New()
	_, _ = InstrumentClient(fakeOracle{}, m).Complete(context.Background(), llm.Request{Agent: "risk"})
	m.OracleObserver()("orchestrator", time.Second, errors.New("boom"))

	if got := testutil.ToFloat64(m.oracleCalls.WithLabelValues("risk", "ok")); got != 1 {
		t.Fatalf("expected ok risk call, got %v", got)
	}
	if got := testutil.ToFloat64(m.oracleCalls.WithLabelValues("orchestrator", "error")); got != 1 {
		t.Fatalf("expected failed orchestrator call, got %v", got)
	}
	if _, ok := InstrumentClient(fakeOracle{}, nil).(fakeOracle); !ok {
		t.Fatal("nil metrics must return the original client")
	}
}
