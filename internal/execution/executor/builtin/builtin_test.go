package builtin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/animus-labs/jobchain/internal/domain"
	"github.com/animus-labs/jobchain/internal/execution/executor"
	"github.com/animus-labs/jobchain/internal/repo/memory"
)

func TestAllRegistersUniqueTypes(t *testing.T) {
	reg, err := executor.NewRegistry(All(nil)...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	want := []string{"fail", "http", "print", "sleep"}
	if got := reg.Types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("types %v, want %v", got, want)
	}
}

func TestPrintReturnsConfig(t *testing.T) {
	node := executor.NewNodeContext("r1", "demo", "n1", 1, nil, nil, nil)
	cfg := domain.Metadata{"msg": "world"}
	result, err := Print{}.Execute(context.Background(), node, cfg)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !reflect.DeepEqual(result.Artifact, cfg) {
		t.Fatalf("artifact %v", result.Artifact)
	}
}

func TestFail(t *testing.T) {
	_, err := Fail{}.Execute(context.Background(), nil, domain.Metadata{"message": "nope"})
	if err == nil || err.Error() != "nope" || executor.IsPermanent(err) {
		t.Fatalf("unexpected error %v", err)
	}
	_, err = Fail{}.Execute(context.Background(), nil, domain.Metadata{"permanent": true})
	if !executor.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestSleepResumesFromCheckpoint(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	_ = store.SaveCheckpoint(ctx, "r1", "n1", domain.Metadata{"elapsedMs": float64(5000)})
	node := executor.NewNodeContext("r1", "demo", "n1", 2, nil, store, nil)

	result, err := Sleep{}.Execute(ctx, node, domain.Metadata{"durationMs": float64(5000)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Artifact["resumedAtMs"] != int64(5000) {
		t.Fatalf("unexpected artifact %v", result.Artifact)
	}
}

func TestSleepCheckpointsOnCancel(t *testing.T) {
	store := memory.New()
	node := executor.NewNodeContext("r1", "demo", "n1", 1, nil, store, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := Sleep{}.Execute(ctx, node, domain.Metadata{"durationMs": float64(60000)})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	cp, ok, _ := store.LoadCheckpoint(context.Background(), "r1", "n1")
	if !ok {
		t.Fatalf("expected checkpoint after cancel")
	}
	if _, ok := cp["elapsedMs"]; !ok {
		t.Fatalf("checkpoint missing elapsedMs: %v", cp)
	}
}

func TestSleepRejectsBadDuration(t *testing.T) {
	_, err := Sleep{}.Execute(context.Background(), nil, domain.Metadata{"durationMs": "soon"})
	if !executor.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusAccepted)
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()
	h := NewHTTP(srv.Client())

	result, err := h.Execute(context.Background(), nil, domain.Metadata{"url": srv.URL})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Artifact["statusCode"] != http.StatusOK || result.Artifact["bytes"] != int64(2) {
		t.Fatalf("unexpected artifact %v", result.Artifact)
	}

	_, err = h.Execute(context.Background(), nil, domain.Metadata{"url": srv.URL, "method": "post"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Got != http.StatusAccepted {
		t.Fatalf("expected status error, got %v", err)
	}
	if executor.Category(err) != "UnexpectedStatus" {
		t.Fatalf("unexpected category %q", executor.Category(err))
	}

	_, err = h.Execute(context.Background(), nil, domain.Metadata{})
	if !executor.IsPermanent(err) {
		t.Fatalf("expected permanent error for missing url, got %v", err)
	}
}
