package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/animus-labs/jobchain/internal/domain"
)

func TestRecording(t *testing.T) {
	m := New()
	m.NodeAttempt("print", "success", 10*time.Millisecond)
	m.NodeAttempt("print", "success", 20*time.Millisecond)
	m.NodeAttempt("fail", "retry", time.Millisecond)
	m.RunFinished(domain.RunStatusSuccess)
	m.QueueDepth(3)

	if got := testutil.ToFloat64(m.nodeAttempts.WithLabelValues("print", "success")); got != 2 {
		t.Fatalf("print success attempts=%v, want 2", got)
	}
	if got := testutil.ToFloat64(m.runs.WithLabelValues("SUCCESS")); got != 1 {
		t.Fatalf("success runs=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.queueDepth); got != 3 {
		t.Fatalf("queue depth=%v, want 3", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.RunFinished(domain.RunStatusFailed)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `jobchain_runs_total{status="FAILED"} 1`) {
		t.Fatalf("missing runs counter in output:\n%s", rec.Body.String())
	}
}
