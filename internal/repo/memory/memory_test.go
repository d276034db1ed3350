package memory

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/animus-labs/jobchain/internal/domain"
	"github.com/animus-labs/jobchain/internal/repo"
)

func TestCreateRunIfAbsentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := New()
	created, err := store.CreateRunIfAbsent(ctx, repo.NewRun{RunID: "r1", Label: "first", DagJSON: []byte(`{"nodes":[]}`)})
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	created, err = store.CreateRunIfAbsent(ctx, repo.NewRun{RunID: "r1", Label: "second"})
	if err != nil || created {
		t.Fatalf("second create: created=%v err=%v", created, err)
	}
	run, err := store.FindRun(ctx, "r1")
	if err != nil {
		t.Fatalf("FindRun: %v", err)
	}
	if run.Label != "first" || run.Status != domain.RunStatusPending {
		t.Fatalf("unexpected run %+v", run)
	}
	if len(store.runs) != 1 {
		t.Fatalf("expected one run, got %d", len(store.runs))
	}
}

func TestUpsertNodeStateTimestamps(t *testing.T) {
	ctx := context.Background()
	store := New()
	if err := store.UpsertNodeState(ctx, "r1", "n1", domain.NodeStatusPending, 0, ""); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	node, _ := store.FindNode(ctx, "r1", "n1")
	if node.StartedAt != nil || node.EndedAt != nil {
		t.Fatalf("pending node should have no timestamps: %+v", node)
	}
	_ = store.UpsertNodeState(ctx, "r1", "n1", domain.NodeStatusRunning, 1, "")
	node, _ = store.FindNode(ctx, "r1", "n1")
	if node.StartedAt == nil || node.EndedAt != nil {
		t.Fatalf("running node should have started_at only: %+v", node)
	}
	started := *node.StartedAt
	_ = store.UpsertNodeState(ctx, "r1", "n1", domain.NodeStatusFailed, 2, "ExecutionError: boom")
	node, _ = store.FindNode(ctx, "r1", "n1")
	if node.EndedAt == nil || !node.StartedAt.Equal(started) {
		t.Fatalf("failed node should keep started_at and set ended_at: %+v", node)
	}
	if node.Attempt != 2 || node.LastError != "ExecutionError: boom" {
		t.Fatalf("unexpected node %+v", node)
	}
}

func TestArtifactRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := New()
	artifact := domain.Metadata{
		"msg":    "world",
		"count":  float64(3),
		"ok":     true,
		"nested": map[string]any{"list": []any{"a", float64(1), false}},
	}
	if err := store.SaveArtifact(ctx, "r1", "n2", artifact); err != nil {
		t.Fatalf("SaveArtifact: %v", err)
	}
	artifact["msg"] = "mutated"

	nodes, err := store.ListNodes(ctx, "r1")
	if err != nil || len(nodes) != 1 {
		t.Fatalf("ListNodes: %v %v", nodes, err)
	}
	want := domain.Metadata{
		"msg":    "world",
		"count":  float64(3),
		"ok":     true,
		"nested": map[string]any{"list": []any{"a", float64(1), false}},
	}
	if !reflect.DeepEqual(nodes[0].Artifact, want) {
		t.Fatalf("artifact mismatch: %#v", nodes[0].Artifact)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := New()
	if _, ok, _ := store.LoadCheckpoint(ctx, "r1", "n1"); ok {
		t.Fatalf("expected no checkpoint")
	}
	_ = store.SaveCheckpoint(ctx, "r1", "n1", domain.Metadata{"offset": float64(10)})
	cp, ok, err := store.LoadCheckpoint(ctx, "r1", "n1")
	if err != nil || !ok || cp["offset"] != float64(10) {
		t.Fatalf("unexpected checkpoint %v ok=%v err=%v", cp, ok, err)
	}
}

func TestTransitionAndOverride(t *testing.T) {
	ctx := context.Background()
	store := New()
	_, _ = store.CreateRunIfAbsent(ctx, repo.NewRun{RunID: "r1"})
	if err := store.TransitionRunStatus(ctx, "r1", domain.RunStatusStopping, domain.RunStatusRunning); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := store.TransitionRunStatus(ctx, "missing", domain.RunStatusStopping); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	_ = store.UpsertNodeState(ctx, "r1", "n1", domain.NodeStatusFailed, 3, "boom")
	_, err := store.OverrideNode(ctx, repo.NodeOverride{RunID: "r1", NodeID: "n1", ExpectStatus: domain.NodeStatusStopped, Status: domain.NodeStatusRetrying})
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	node, err := store.OverrideNode(ctx, repo.NodeOverride{
		RunID: "r1", NodeID: "n1", ExpectStatus: domain.NodeStatusFailed,
		Status: domain.NodeStatusRetrying, Attempt: 4, LastError: "manual",
	})
	if err != nil {
		t.Fatalf("OverrideNode: %v", err)
	}
	if node.Status != domain.NodeStatusRetrying || node.Attempt != 4 || node.LastError != "manual" {
		t.Fatalf("unexpected node %+v", node)
	}
}

func TestChainVersioning(t *testing.T) {
	ctx := context.Background()
	store := New()
	chain, err := store.InsertChain(ctx, domain.ChainDefinition{ID: "c1", Name: "nightly", DagJSON: `{"nodes":[]}`})
	if err != nil || chain.Version != 1 {
		t.Fatalf("InsertChain: %+v %v", chain, err)
	}
	if _, err := store.InsertChain(ctx, domain.ChainDefinition{ID: "c2", Name: "nightly", DagJSON: "{}"}); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected name conflict, got %v", err)
	}
	chain.Description = "updated"
	updated, err := store.UpdateChainWithVersion(ctx, chain, 1)
	if err != nil || updated.Version != 2 {
		t.Fatalf("update: %+v %v", updated, err)
	}
	if _, err := store.UpdateChainWithVersion(ctx, chain, 1); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected stale version conflict, got %v", err)
	}
}

func TestListJobsFilterAndPage(t *testing.T) {
	ctx := context.Background()
	store := New()
	for _, job := range []domain.JobDefinition{
		{ID: "j1", Name: "Print hello", Type: "print", Enabled: true},
		{ID: "j2", Name: "print world", Type: "print", Enabled: false},
		{ID: "j3", Name: "sleep", Type: "sleep", Enabled: true},
	} {
		if _, err := store.InsertJob(ctx, job); err != nil {
			t.Fatalf("InsertJob: %v", err)
		}
	}
	enabled := true
	jobs, _ := store.ListJobs(ctx, repo.DefinitionFilter{Keyword: "PRINT", Enabled: &enabled})
	if len(jobs) != 1 || jobs[0].ID != "j1" {
		t.Fatalf("unexpected filter result %+v", jobs)
	}
	count, _ := store.CountJobs(ctx, repo.DefinitionFilter{Keyword: "print"})
	if count != 2 {
		t.Fatalf("expected 2, got %d", count)
	}
	jobs, _ = store.ListJobs(ctx, repo.DefinitionFilter{Offset: 2, Limit: 2})
	if len(jobs) != 1 {
		t.Fatalf("expected last page of 1, got %d", len(jobs))
	}
	jobs, _ = store.ListJobs(ctx, repo.DefinitionFilter{Offset: 5, Limit: 2})
	if len(jobs) != 0 {
		t.Fatalf("expected empty page, got %d", len(jobs))
	}
}
