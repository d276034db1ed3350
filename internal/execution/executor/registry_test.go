package executor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/animus-labs/jobchain/internal/domain"
)

type stubExecutor struct {
	typ string
}

func (s stubExecutor) Type() string { return s.typ }

func (s stubExecutor) Execute(ctx context.Context, node *NodeContext, config domain.Metadata) (Result, error) {
	return Result{Artifact: config}, nil
}

func TestRegistryResolve(t *testing.T) {
	reg, err := NewRegistry(stubExecutor{typ: "print"}, stubExecutor{typ: "sleep"})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	ex, err := reg.Resolve("print")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ex.Type() != "print" {
		t.Fatalf("resolved wrong executor %q", ex.Type())
	}
	if got := reg.Types(); !reflect.DeepEqual(got, []string{"print", "sleep"}) {
		t.Fatalf("Types()=%v", got)
	}
}

func TestRegistryUnknownType(t *testing.T) {
	reg, err := NewRegistry(stubExecutor{typ: "print"})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	_, err = reg.Resolve("shell")
	var unknown *UnknownTypeError
	if !errors.As(err, &unknown) || unknown.Type != "shell" {
		t.Fatalf("expected UnknownTypeError, got %v", err)
	}
}

func TestRegistryDuplicateTypeFails(t *testing.T) {
	_, err := NewRegistry(stubExecutor{typ: "print"}, stubExecutor{typ: "print"})
	var dup *DuplicateTypeError
	if !errors.As(err, &dup) || dup.Type != "print" {
		t.Fatalf("expected DuplicateTypeError, got %v", err)
	}
	if _, err := NewRegistry(stubExecutor{typ: " "}); err == nil {
		t.Fatalf("expected blank type to be rejected")
	}
}

func TestDescribeAndPermanent(t *testing.T) {
	err := Permanent(fmt.Errorf("resolve: %w", &UnknownTypeError{Type: "x"}))
	if !IsPermanent(err) {
		t.Fatalf("expected permanent")
	}
	if got := Category(err); got != "UnknownExecutorType" {
		t.Fatalf("Category=%q", got)
	}
	if got := Describe(errors.New("boom")); got != "ExecutionError: boom" {
		t.Fatalf("Describe=%q", got)
	}
	if got := Category(fmt.Errorf("wait: %w", context.Canceled)); got != "Canceled" {
		t.Fatalf("Category=%q", got)
	}
	if Permanent(nil) != nil {
		t.Fatalf("Permanent(nil) must be nil")
	}
}

func TestNodeContextArtifacts(t *testing.T) {
	artifacts := NewArtifacts()
	artifacts.Put("a", domain.Metadata{"k": "v"})
	nc := NewNodeContext("run-1", "label", "b", 1, nil, nil, artifacts)
	got, ok := nc.Upstream("a")
	if !ok || got["k"] != "v" {
		t.Fatalf("Upstream(a)=%v ok=%v", got, ok)
	}
	got["k"] = "mutated"
	again, _ := nc.Upstream("a")
	if again["k"] != "v" {
		t.Fatalf("upstream artifacts must be copied")
	}
	if _, ok, err := nc.LoadCheckpoint(context.Background()); ok || err != nil {
		t.Fatalf("expected no checkpoint without store")
	}
}

func TestArtifactsIsolateNestedValues(t *testing.T) {
	arts := NewArtifacts()
	produced := domain.Metadata{"result": map[string]any{"rows": []any{1, 2}}}
	arts.Put("a", produced)
	produced["result"].(map[string]any)["rows"] = []any{}

	got, ok := arts.Get("a")
	if !ok {
		t.Fatalf("artifact a missing")
	}
	got["result"].(map[string]any)["rows"].([]any)[0] = 100

	again, _ := arts.Get("a")
	want := domain.Metadata{"result": map[string]any{"rows": []any{1, 2}}}
	if !reflect.DeepEqual(again, want) {
		t.Fatalf("stored artifact changed: %v", again)
	}
}
