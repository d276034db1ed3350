package engine

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/jobchain/internal/domain"
	"github.com/animus-labs/jobchain/internal/execution/executor"
	"github.com/animus-labs/jobchain/internal/execution/graph"
	"github.com/animus-labs/jobchain/internal/execution/jobexec"
	"github.com/animus-labs/jobchain/internal/repo"
	"github.com/animus-labs/jobchain/internal/repo/memory"
)

type funcExecutor struct {
	typ string
	fn  func(ctx context.Context, node *executor.NodeContext, config domain.Metadata) (executor.Result, error)
}

func (f funcExecutor) Type() string { return f.typ }

func (f funcExecutor) Execute(ctx context.Context, node *executor.NodeContext, config domain.Metadata) (executor.Result, error) {
	return f.fn(ctx, node, config)
}

func echo() funcExecutor {
	return funcExecutor{typ: "print", fn: func(ctx context.Context, node *executor.NodeContext, config domain.Metadata) (executor.Result, error) {
		return executor.Result{Artifact: config}, nil
	}}
}

func failing(calls *int) funcExecutor {
	return funcExecutor{typ: "fail", fn: func(ctx context.Context, node *executor.NodeContext, config domain.Metadata) (executor.Result, error) {
		*calls++
		return executor.Result{}, errors.New("boom")
	}}
}

type recordingSleep struct {
	delays []time.Duration
	err    error
}

func (s *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return s.err
}

func newTestEngine(t *testing.T, storage repo.RunStorage, query repo.RunQuery, jobs *jobexec.Resolver, executors ...executor.NodeExecutor) (*Engine, *recordingSleep) {
	t.Helper()
	reg, err := executor.NewRegistry(executors...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	eng, err := New(Config{Storage: storage, Query: query, Registry: reg, Jobs: jobs})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	s := &recordingSleep{}
	eng.sleep = s.sleep
	return eng, s
}

func node(id, typ string, deps ...string) domain.NodeDefinition {
	return domain.NodeDefinition{ID: id, Type: typ, DependsOn: deps}
}

func nodeStatuses(t *testing.T, store *memory.Store, runID string) map[string]repo.NodeRecord {
	t.Helper()
	nodes, err := store.ListNodes(context.Background(), runID)
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	out := make(map[string]repo.NodeRecord, len(nodes))
	for _, n := range nodes {
		out[n.NodeID] = n
	}
	return out
}

func TestRunTwoPrintNodes(t *testing.T) {
	store := memory.New()
	eng, _ := newTestEngine(t, store, store, nil, echo())
	dag := domain.DagDefinition{Job: "demo", Nodes: []domain.NodeDefinition{
		{ID: "n1", Type: "print", Config: domain.Metadata{"msg": "hello"}, Retry: &domain.RetryPolicy{MaxAttempts: 1}},
		{ID: "n2", Type: "print", Config: domain.Metadata{"msg": "world"}, DependsOn: []string{"n1"}, Retry: &domain.RetryPolicy{MaxAttempts: 1}},
	}}

	status, err := eng.Run(context.Background(), "run-1", dag)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != domain.RunStatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", status)
	}
	run, _ := store.FindRun(context.Background(), "run-1")
	if run.Status != domain.RunStatusSuccess || run.Label != "demo" {
		t.Fatalf("unexpected run %+v", run)
	}
	nodes := nodeStatuses(t, store, "run-1")
	for _, id := range []string{"n1", "n2"} {
		if nodes[id].Status != domain.NodeStatusSuccess || nodes[id].Attempt != 1 {
			t.Fatalf("node %s: %+v", id, nodes[id])
		}
	}
	if !reflect.DeepEqual(nodes["n2"].Artifact, domain.Metadata{"msg": "world"}) {
		t.Fatalf("unexpected n2 artifact %v", nodes["n2"].Artifact)
	}
	if nodes["n1"].StartedAt == nil || nodes["n1"].EndedAt == nil {
		t.Fatalf("expected timestamps on n1: %+v", nodes["n1"])
	}
}

func TestStrictFailLinearChain(t *testing.T) {
	store := memory.New()
	calls := 0
	eng, sleeper := newTestEngine(t, store, store, nil, echo(), failing(&calls))
	dag := domain.DagDefinition{Nodes: []domain.NodeDefinition{
		node("a", "print"),
		{ID: "b", Type: "fail", DependsOn: []string{"a"}, Retry: &domain.RetryPolicy{MaxAttempts: 3, BackoffMillis: 1000, BackoffMultiplier: 2}},
		node("c", "print", "b"),
	}}

	status, err := eng.Run(context.Background(), "run-1", dag)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != domain.RunStatusFailed {
		t.Fatalf("expected FAILED, got %s", status)
	}
	nodes := nodeStatuses(t, store, "run-1")
	if nodes["a"].Status != domain.NodeStatusSuccess {
		t.Fatalf("a: %+v", nodes["a"])
	}
	if nodes["b"].Status != domain.NodeStatusFailed || nodes["b"].Attempt != 3 {
		t.Fatalf("b: %+v", nodes["b"])
	}
	if nodes["b"].LastError != "ExecutionError: boom" {
		t.Fatalf("unexpected b error %q", nodes["b"].LastError)
	}
	if nodes["c"].Status != domain.NodeStatusSkipped || nodes["c"].LastError != ReasonDependencyNotSuccess {
		t.Fatalf("c: %+v", nodes["c"])
	}
	if calls != 3 {
		t.Fatalf("expected 3 executions, got %d", calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if !reflect.DeepEqual(sleeper.delays, want) {
		t.Fatalf("backoff delays %v, want %v", sleeper.delays, want)
	}
}

func TestStrictFailSkipsUnreachedNodes(t *testing.T) {
	store := memory.New()
	calls := 0
	eng, _ := newTestEngine(t, store, store, nil, echo(), failing(&calls))
	dag := domain.DagDefinition{Nodes: []domain.NodeDefinition{
		node("a", "print"),
		{ID: "b", Type: "fail", DependsOn: []string{"a"}, Retry: &domain.RetryPolicy{MaxAttempts: 1}},
		node("c", "print", "b"),
		node("d", "print"),
		node("e", "print", "c", "d"),
	}}

	status, err := eng.Run(context.Background(), "run-1", dag)
	if err != nil || status != domain.RunStatusFailed {
		t.Fatalf("status=%s err=%v", status, err)
	}
	nodes := nodeStatuses(t, store, "run-1")
	cases := map[string]string{
		"c": ReasonDependencyNotSuccess,
		"d": ReasonRunFailed,
		"e": ReasonDependencyNotSuccess,
	}
	for id, reason := range cases {
		if nodes[id].Status != domain.NodeStatusSkipped || nodes[id].LastError != reason || nodes[id].Attempt != 0 {
			t.Fatalf("node %s: %+v", id, nodes[id])
		}
	}
}

func TestStopBeforeNode(t *testing.T) {
	store := memory.New()
	stopper := funcExecutor{typ: "stopper", fn: func(ctx context.Context, node *executor.NodeContext, config domain.Metadata) (executor.Result, error) {
		return executor.Result{}, store.TransitionRunStatus(ctx, node.RunID, domain.RunStatusStopping, domain.RunStatusRunning)
	}}
	eng, _ := newTestEngine(t, store, store, nil, echo(), stopper)
	dag := domain.DagDefinition{Nodes: []domain.NodeDefinition{
		node("a", "stopper"),
		node("b", "print", "a"),
		node("c", "print", "b"),
	}}

	status, err := eng.Run(context.Background(), "run-1", dag)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != domain.RunStatusStopped {
		t.Fatalf("expected STOPPED, got %s", status)
	}
	run, _ := store.FindRun(context.Background(), "run-1")
	if run.Status != domain.RunStatusStopped {
		t.Fatalf("run status %s", run.Status)
	}
	nodes := nodeStatuses(t, store, "run-1")
	if nodes["a"].Status != domain.NodeStatusSuccess {
		t.Fatalf("a: %+v", nodes["a"])
	}
	if nodes["b"].Status != domain.NodeStatusStopped || nodes["b"].LastError != ReasonRunStopped {
		t.Fatalf("b: %+v", nodes["b"])
	}
	if _, ok := nodes["c"]; ok {
		t.Fatalf("c must not be touched after stop")
	}
}

func TestCycleAbortsWithoutRunningNodes(t *testing.T) {
	store := memory.New()
	eng, _ := newTestEngine(t, store, store, nil, echo())
	dag := domain.DagDefinition{Nodes: []domain.NodeDefinition{
		node("a", "print", "b"),
		node("b", "print", "a"),
	}}

	status, err := eng.Run(context.Background(), "run-1", dag)
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.RunID != "run-1" {
		t.Fatalf("expected RunError, got %v", err)
	}
	var graphErr *graph.GraphError
	if !errors.As(err, &graphErr) || graphErr.Kind != graph.KindCycle {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if status != domain.RunStatusFailed {
		t.Fatalf("expected FAILED, got %s", status)
	}
	if nodes := nodeStatuses(t, store, "run-1"); len(nodes) != 0 {
		t.Fatalf("expected no node rows, got %v", nodes)
	}
}

func TestRunKeepsExistingRunIdentity(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	_, _ = store.CreateRunIfAbsent(ctx, repo.NewRun{RunID: "run-1", ChainID: "chain-1", Label: "nightly"})
	eng, _ := newTestEngine(t, store, store, nil, echo())

	if _, err := eng.Run(ctx, "run-1", domain.DagDefinition{Job: "other", Nodes: []domain.NodeDefinition{node("a", "print")}}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	run, _ := store.FindRun(ctx, "run-1")
	if run.ChainID != "chain-1" || run.Label != "nightly" {
		t.Fatalf("run identity overwritten: %+v", run)
	}
}

func TestPermanentErrorStopsRetrying(t *testing.T) {
	store := memory.New()
	calls := 0
	permanent := funcExecutor{typ: "bad", fn: func(ctx context.Context, node *executor.NodeContext, config domain.Metadata) (executor.Result, error) {
		calls++
		return executor.Result{}, executor.Permanent(errors.New("bad input"))
	}}
	eng, sleeper := newTestEngine(t, store, store, nil, permanent)
	dag := domain.DagDefinition{Nodes: []domain.NodeDefinition{{ID: "a", Type: "bad", Retry: &domain.RetryPolicy{MaxAttempts: 5}}}}

	status, _ := eng.Run(context.Background(), "run-1", dag)
	if status != domain.RunStatusFailed || calls != 1 || len(sleeper.delays) != 0 {
		t.Fatalf("status=%s calls=%d delays=%v", status, calls, sleeper.delays)
	}
}

func TestUnknownTypeFailsNode(t *testing.T) {
	store := memory.New()
	eng, _ := newTestEngine(t, store, store, nil, echo())
	dag := domain.DagDefinition{Nodes: []domain.NodeDefinition{node("a", "shell")}}

	status, err := eng.Run(context.Background(), "run-1", dag)
	if err != nil || status != domain.RunStatusFailed {
		t.Fatalf("status=%s err=%v", status, err)
	}
	nodes := nodeStatuses(t, store, "run-1")
	if !strings.HasPrefix(nodes["a"].LastError, "UnknownExecutorType: ") || nodes["a"].Attempt != 1 {
		t.Fatalf("a: %+v", nodes["a"])
	}
}

func TestJobBackedNodes(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	_, _ = store.InsertJob(ctx, domain.JobDefinition{ID: "job-ok", Name: "ok", Type: "print", Enabled: true, ConfigJSON: `{"msg":"from job"}`})
	_, _ = store.InsertJob(ctx, domain.JobDefinition{ID: "job-off", Name: "off", Type: "print", Enabled: false})

	reg, _ := executor.NewRegistry(echo())
	resolver, err := jobexec.NewResolver(store, reg)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	eng, _ := newTestEngine(t, store, store, resolver, echo())

	status, err := eng.Run(ctx, "run-ok", domain.DagDefinition{Nodes: []domain.NodeDefinition{{ID: "a", JobID: "job-ok", Type: "ignored"}}})
	if err != nil || status != domain.RunStatusSuccess {
		t.Fatalf("status=%s err=%v", status, err)
	}
	nodes := nodeStatuses(t, store, "run-ok")
	if nodes["a"].Artifact["msg"] != "from job" {
		t.Fatalf("unexpected artifact %v", nodes["a"].Artifact)
	}

	status, _ = eng.Run(ctx, "run-off", domain.DagDefinition{Nodes: []domain.NodeDefinition{{ID: "a", JobID: "job-off", Retry: &domain.RetryPolicy{MaxAttempts: 3}}}})
	if status != domain.RunStatusFailed {
		t.Fatalf("expected FAILED, got %s", status)
	}
	nodes = nodeStatuses(t, store, "run-off")
	if !strings.HasPrefix(nodes["a"].LastError, "JobDisabled: ") || nodes["a"].Attempt != 1 {
		t.Fatalf("a: %+v", nodes["a"])
	}
}

func TestCancelDuringBackoffStopsRun(t *testing.T) {
	store := memory.New()
	calls := 0
	eng, sleeper := newTestEngine(t, store, store, nil, failing(&calls))
	sleeper.err = context.Canceled
	dag := domain.DagDefinition{Nodes: []domain.NodeDefinition{{ID: "a", Type: "fail", Retry: &domain.RetryPolicy{MaxAttempts: 3, BackoffMillis: 10}}}}

	status, err := eng.Run(context.Background(), "run-1", dag)
	if err != nil || status != domain.RunStatusStopped {
		t.Fatalf("status=%s err=%v", status, err)
	}
	nodes := nodeStatuses(t, store, "run-1")
	if nodes["a"].Status != domain.NodeStatusStopped || nodes["a"].Attempt != 1 {
		t.Fatalf("a: %+v", nodes["a"])
	}
}

func TestCheckpointAndUpstreamArtifacts(t *testing.T) {
	store := memory.New()
	resumable := funcExecutor{typ: "resumable", fn: func(ctx context.Context, node *executor.NodeContext, config domain.Metadata) (executor.Result, error) {
		cp, ok, err := node.LoadCheckpoint(ctx)
		if err != nil {
			return executor.Result{}, err
		}
		if !ok {
			if err := node.SaveCheckpoint(ctx, domain.Metadata{"step": float64(1)}); err != nil {
				return executor.Result{}, err
			}
			return executor.Result{}, errors.New("interrupted")
		}
		upstream, _ := node.Upstream("a")
		return executor.Result{Artifact: domain.Metadata{"resumedFrom": cp["step"], "upstream": upstream["msg"]}}, nil
	}}
	eng, _ := newTestEngine(t, store, store, nil, echo(), resumable)
	dag := domain.DagDefinition{Nodes: []domain.NodeDefinition{
		{ID: "a", Type: "print", Config: domain.Metadata{"msg": "hi"}},
		{ID: "b", Type: "resumable", DependsOn: []string{"a"}},
	}}

	status, err := eng.Run(context.Background(), "run-1", dag)
	if err != nil || status != domain.RunStatusSuccess {
		t.Fatalf("status=%s err=%v", status, err)
	}
	nodes := nodeStatuses(t, store, "run-1")
	if nodes["b"].Attempt != 2 {
		t.Fatalf("expected success on attempt 2: %+v", nodes["b"])
	}
	want := domain.Metadata{"resumedFrom": float64(1), "upstream": "hi"}
	if !reflect.DeepEqual(nodes["b"].Artifact, want) {
		t.Fatalf("artifact %v, want %v", nodes["b"].Artifact, want)
	}
}

type faultyStorage struct {
	*memory.Store
	failOn domain.NodeStatus
}

func (f *faultyStorage) UpsertNodeState(ctx context.Context, runID, nodeID string, status domain.NodeStatus, attempt int, lastError string) error {
	if status == f.failOn {
		return errors.New("connection reset")
	}
	return f.Store.UpsertNodeState(ctx, runID, nodeID, status, attempt, lastError)
}

func TestStorageFaultFailsRun(t *testing.T) {
	store := memory.New()
	storage := &faultyStorage{Store: store, failOn: domain.NodeStatusSuccess}
	eng, _ := newTestEngine(t, storage, store, nil, echo())

	status, err := eng.Run(context.Background(), "run-1", domain.DagDefinition{Nodes: []domain.NodeDefinition{node("a", "print")}})
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("expected RunError, got %v", err)
	}
	if status != domain.RunStatusFailed {
		t.Fatalf("expected FAILED, got %s", status)
	}
	run, _ := store.FindRun(context.Background(), "run-1")
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("run status %s", run.Status)
	}
}

func TestPanicCountsAsFailure(t *testing.T) {
	store := memory.New()
	panicky := funcExecutor{typ: "panicky", fn: func(ctx context.Context, node *executor.NodeContext, config domain.Metadata) (executor.Result, error) {
		panic("nil map")
	}}
	eng, _ := newTestEngine(t, store, store, nil, panicky)
	status, err := eng.Run(context.Background(), "run-1", domain.DagDefinition{Nodes: []domain.NodeDefinition{{ID: "a", Type: "panicky", Retry: &domain.RetryPolicy{MaxAttempts: 1}}}})
	if err != nil || status != domain.RunStatusFailed {
		t.Fatalf("status=%s err=%v", status, err)
	}
	nodes := nodeStatuses(t, store, "run-1")
	if nodes["a"].LastError != "ExecutionError: executor panic: nil map" {
		t.Fatalf("unexpected error %q", nodes["a"].LastError)
	}
}

func counting(calls *int) funcExecutor {
	return funcExecutor{typ: "print", fn: func(ctx context.Context, node *executor.NodeContext, config domain.Metadata) (executor.Result, error) {
		*calls++
		return executor.Result{Artifact: domain.Metadata{"ok": true}}, nil
	}}
}

func TestStopRequestedWhileQueuedRunsNothing(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	_, _ = store.CreateRunIfAbsent(ctx, repo.NewRun{RunID: "run-1"})
	for _, id := range []string{"a", "b"} {
		_ = store.UpsertNodeState(ctx, "run-1", id, domain.NodeStatusPending, 0, "")
	}
	if err := store.TransitionRunStatus(ctx, "run-1", domain.RunStatusStopping, domain.RunStatusPending); err != nil {
		t.Fatalf("request stop: %v", err)
	}
	calls := 0
	eng, _ := newTestEngine(t, store, store, nil, counting(&calls))

	status, err := eng.Run(ctx, "run-1", domain.DagDefinition{Nodes: []domain.NodeDefinition{node("a", "print"), node("b", "print", "a")}})
	if err != nil || status != domain.RunStatusStopped {
		t.Fatalf("status=%s err=%v", status, err)
	}
	if calls != 0 {
		t.Fatalf("executor ran %d times after stop request", calls)
	}
	run, _ := store.FindRun(ctx, "run-1")
	if run.Status != domain.RunStatusStopped {
		t.Fatalf("run status %s", run.Status)
	}
	for id, n := range nodeStatuses(t, store, "run-1") {
		if n.Status != domain.NodeStatusPending || n.Attempt != 0 {
			t.Fatalf("node %s touched: %+v", id, n)
		}
	}
}

func TestFinishedRunIsNotExecutedAgain(t *testing.T) {
	for _, final := range []domain.RunStatus{domain.RunStatusStopped, domain.RunStatusSuccess, domain.RunStatusFailed} {
		t.Run(string(final), func(t *testing.T) {
			store := memory.New()
			ctx := context.Background()
			_, _ = store.CreateRunIfAbsent(ctx, repo.NewRun{RunID: "run-1"})
			_ = store.UpdateRunStatus(ctx, "run-1", final)
			calls := 0
			eng, _ := newTestEngine(t, store, store, nil, counting(&calls))

			status, err := eng.Run(ctx, "run-1", domain.DagDefinition{Nodes: []domain.NodeDefinition{node("a", "print")}})
			if err != nil || status != final {
				t.Fatalf("status=%s err=%v", status, err)
			}
			run, _ := store.FindRun(ctx, "run-1")
			if run.Status != final || calls != 0 {
				t.Fatalf("run status %s, calls %d", run.Status, calls)
			}
			if nodes := nodeStatuses(t, store, "run-1"); len(nodes) != 0 {
				t.Fatalf("expected no node rows, got %v", nodes)
			}
		})
	}
}

func TestStopDuringLastNodeEndsStopped(t *testing.T) {
	store := memory.New()
	stopAndSucceed := funcExecutor{typ: "print", fn: func(ctx context.Context, node *executor.NodeContext, config domain.Metadata) (executor.Result, error) {
		if err := store.TransitionRunStatus(ctx, node.RunID, domain.RunStatusStopping, domain.RunStatusRunning); err != nil {
			return executor.Result{}, err
		}
		return executor.Result{Artifact: domain.Metadata{"done": true}}, nil
	}}
	eng, _ := newTestEngine(t, store, store, nil, stopAndSucceed)

	status, err := eng.Run(context.Background(), "run-1", domain.DagDefinition{Nodes: []domain.NodeDefinition{node("a", "print")}})
	if err != nil || status != domain.RunStatusStopped {
		t.Fatalf("status=%s err=%v", status, err)
	}
	run, _ := store.FindRun(context.Background(), "run-1")
	if run.Status != domain.RunStatusStopped {
		t.Fatalf("run status %s", run.Status)
	}
	if n := nodeStatuses(t, store, "run-1")["a"]; n.Status != domain.NodeStatusSuccess {
		t.Fatalf("a: %+v", n)
	}
}

func TestStopBetweenRetryAttempts(t *testing.T) {
	store := memory.New()
	calls := 0
	failThenStop := funcExecutor{typ: "fail", fn: func(ctx context.Context, node *executor.NodeContext, config domain.Metadata) (executor.Result, error) {
		calls++
		if err := store.TransitionRunStatus(ctx, node.RunID, domain.RunStatusStopping, domain.RunStatusRunning); err != nil {
			return executor.Result{}, err
		}
		return executor.Result{}, errors.New("boom")
	}}
	eng, sleeper := newTestEngine(t, store, store, nil, failThenStop, echo())
	dag := domain.DagDefinition{Nodes: []domain.NodeDefinition{
		{ID: "a", Type: "fail", Retry: &domain.RetryPolicy{MaxAttempts: 3, BackoffMillis: 10}},
		node("b", "print", "a"),
	}}

	status, err := eng.Run(context.Background(), "run-1", dag)
	if err != nil || status != domain.RunStatusStopped {
		t.Fatalf("status=%s err=%v", status, err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
	if len(sleeper.delays) != 1 {
		t.Fatalf("expected one backoff, got %v", sleeper.delays)
	}
	run, _ := store.FindRun(context.Background(), "run-1")
	if run.Status != domain.RunStatusStopped {
		t.Fatalf("run status %s", run.Status)
	}
	nodes := nodeStatuses(t, store, "run-1")
	if nodes["a"].Status != domain.NodeStatusStopped || nodes["a"].Attempt != 1 || nodes["a"].LastError != ReasonRunStopped {
		t.Fatalf("a: %+v", nodes["a"])
	}
	if _, ok := nodes["b"]; ok {
		t.Fatalf("b must not be touched after stop")
	}
}
