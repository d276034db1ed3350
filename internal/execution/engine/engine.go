// Package engine drives a single run of a DAG: it walks the nodes in
// topological order on one goroutine, retries failed attempts with backoff,
// and records every state change through the run storage port.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/jobchain/internal/domain"
	"github.com/animus-labs/jobchain/internal/execution/executor"
	"github.com/animus-labs/jobchain/internal/execution/graph"
	"github.com/animus-labs/jobchain/internal/execution/jobexec"
	"github.com/animus-labs/jobchain/internal/repo"
)

const (
	ReasonDependencyNotSuccess = "dependency not SUCCESS"
	ReasonRunStopped           = "run stopped"
	ReasonRunFailed            = "run failed before node was reached"
)

// Observer receives execution measurements. The metrics package implements it.
type Observer interface {
	NodeAttempt(nodeType, outcome string, elapsed time.Duration)
	RunFinished(status domain.RunStatus)
}

type noopObserver struct{}

func (noopObserver) NodeAttempt(string, string, time.Duration) {}
func (noopObserver) RunFinished(domain.RunStatus)              {}

// RunError is returned when a run could not be driven to a normal outcome,
// typically a storage fault or a DAG that fails validation at run time.
type RunError struct {
	RunID string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("dag run failed: %s: %v", e.RunID, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

type Config struct {
	Storage  repo.RunStorage
	Query    repo.RunQuery
	Registry *executor.Registry
	// Jobs resolves job-backed nodes. Nil rejects them.
	Jobs     *jobexec.Resolver
	Logger   *slog.Logger
	Observer Observer
}

type Engine struct {
	storage  repo.RunStorage
	query    repo.RunQuery
	registry *executor.Registry
	jobs     *jobexec.Resolver
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) (*Engine, error) {
	if cfg.Storage == nil {
		return nil, errors.New("run storage is required")
	}
	if cfg.Query == nil {
		return nil, errors.New("run query is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("executor registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	return &Engine{
		storage:  cfg.Storage,
		query:    cfg.Query,
		registry: cfg.Registry,
		jobs:     cfg.Jobs,
		logger:   logger,
		observer: observer,
		now:      time.Now,
		sleep:    sleepContext,
	}, nil
}

// Run executes dag under runID and blocks until the run reaches a terminal
// status. Submitting the same runID twice never creates a second run record,
// and a run that is already finished or stopping is not executed again.
//
// Cancelling ctx is handled like an operator stop: the node in flight and the
// run are recorded as STOPPED. State writes are not cancelled with ctx.
func (e *Engine) Run(ctx context.Context, runID string, dag domain.DagDefinition) (domain.RunStatus, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return "", errors.New("run id is required")
	}
	snapshot, err := json.Marshal(dag)
	if err != nil {
		return "", fmt.Errorf("encode dag snapshot: %w", err)
	}

	store := context.WithoutCancel(ctx)
	logger := e.logger.With("run_id", runID)
	if _, err := e.storage.CreateRunIfAbsent(store, repo.NewRun{RunID: runID, Label: dag.Job, DagJSON: snapshot}); err != nil {
		return "", &RunError{RunID: runID, Err: fmt.Errorf("create run: %w", err)}
	}

	g, err := graph.Build(dag)
	if err != nil {
		logger.Error("dag rejected", "error", err)
		return e.abort(store, runID, err)
	}

	r := &runExecution{
		engine:    e,
		runID:     runID,
		label:     dag.Job,
		graph:     g,
		store:     store,
		logger:    logger,
		outcomes:  make(map[string]domain.NodeStatus, g.Len()),
		artifacts: executor.NewArtifacts(),
	}
	status, started, err := r.begin()
	if err != nil {
		logger.Error("run aborted", "error", err)
		return e.abort(store, runID, err)
	}
	if !started {
		logger.Info("run not started", "status", status)
		return status, nil
	}

	outcome, err := r.walk(ctx)
	if err == nil {
		status, err = r.finish(outcome)
	}
	if err != nil {
		logger.Error("run aborted", "error", err)
		return e.abort(store, runID, err)
	}
	e.observer.RunFinished(status)
	logger.Info("run finished", "status", status)
	return status, nil
}

// abort records FAILED unless the run already reached a terminal status.
func (e *Engine) abort(store context.Context, runID string, cause error) (domain.RunStatus, error) {
	err := e.storage.TransitionRunStatus(store, runID, domain.RunStatusFailed,
		domain.RunStatusPending, domain.RunStatusRunning, domain.RunStatusStopping)
	if err != nil && !errors.Is(err, repo.ErrConflict) {
		cause = errors.Join(cause, fmt.Errorf("mark run failed: %w", err))
	}
	e.observer.RunFinished(domain.RunStatusFailed)
	return domain.RunStatusFailed, &RunError{RunID: runID, Err: cause}
}

// runExecution is the state of one Run call. It is owned by a single goroutine.
type runExecution struct {
	engine    *Engine
	runID     string
	label     string
	graph     *graph.Graph
	store     context.Context
	logger    *slog.Logger
	outcomes  map[string]domain.NodeStatus
	artifacts *executor.Artifacts
}

// begin moves the run to RUNNING. When the stored run already carries a stop
// request or a final status it is not started: a STOPPING run is closed as
// STOPPED without touching any node, and a finished run keeps its status.
func (r *runExecution) begin() (domain.RunStatus, bool, error) {
	err := r.engine.storage.TransitionRunStatus(r.store, r.runID, domain.RunStatusRunning,
		domain.RunStatusPending, domain.RunStatusRunning)
	if err == nil {
		return domain.RunStatusRunning, true, nil
	}
	if !errors.Is(err, repo.ErrConflict) {
		return "", false, fmt.Errorf("set run status %s: %w", domain.RunStatusRunning, err)
	}
	run, err := r.engine.query.FindRun(r.store, r.runID)
	if err != nil {
		return "", false, fmt.Errorf("poll run status: %w", err)
	}
	if run.Status == domain.RunStatusStopping {
		status, err := r.finish(domain.RunStatusStopped)
		return status, false, err
	}
	return run.Status, false, nil
}

// walk visits the nodes in order and returns the run outcome. It writes node
// rows only; the run row is left to finish.
func (r *runExecution) walk(ctx context.Context) (domain.RunStatus, error) {
	order := r.graph.Order()
	for i, node := range order {
		stop, err := r.stopRequested(ctx)
		if err != nil {
			return "", err
		}
		if stop {
			if err := r.setNode(node.ID, domain.NodeStatusStopped, 0, ReasonRunStopped); err != nil {
				return "", err
			}
			r.logger.Info("run stopped before node", "node_id", node.ID)
			return domain.RunStatusStopped, nil
		}

		if !r.dependenciesSucceeded(node) {
			if err := r.setNode(node.ID, domain.NodeStatusSkipped, 0, ReasonDependencyNotSuccess); err != nil {
				return "", err
			}
			r.outcomes[node.ID] = domain.NodeStatusSkipped
			continue
		}

		outcome, err := r.executeWithRetry(ctx, node)
		if err != nil {
			return "", err
		}
		r.outcomes[node.ID] = outcome
		switch outcome {
		case domain.NodeStatusSuccess:
			continue
		case domain.NodeStatusStopped:
			return domain.RunStatusStopped, nil
		default:
			if err := r.skipRemaining(order[i+1:]); err != nil {
				return "", err
			}
			return domain.RunStatusFailed, nil
		}
	}
	return domain.RunStatusSuccess, nil
}

// finish writes the terminal status. Out of STOPPING only STOPPED and FAILED
// are legal, so a SUCCESS that raced a stop request is recorded as STOPPED.
// A run some other writer already finished keeps its stored status.
func (r *runExecution) finish(outcome domain.RunStatus) (domain.RunStatus, error) {
	from := []domain.RunStatus{domain.RunStatusRunning, domain.RunStatusStopping}
	if outcome == domain.RunStatusSuccess {
		from = from[:1]
	}
	err := r.engine.storage.TransitionRunStatus(r.store, r.runID, outcome, from...)
	if err == nil {
		return outcome, nil
	}
	if !errors.Is(err, repo.ErrConflict) {
		return "", fmt.Errorf("set run status %s: %w", outcome, err)
	}
	run, err := r.engine.query.FindRun(r.store, r.runID)
	if err != nil {
		return "", fmt.Errorf("poll run status: %w", err)
	}
	switch {
	case run.Status == domain.RunStatusStopping:
		r.logger.Info("stop requested while finishing", "outcome", outcome)
		return r.finish(domain.RunStatusStopped)
	case run.Status.IsTerminal():
		return run.Status, nil
	default:
		return "", fmt.Errorf("set run status %s: unexpected stored status %s", outcome, run.Status)
	}
}

// skipRemaining records the nodes a strict-fail left unreached. None of them run.
func (r *runExecution) skipRemaining(nodes []domain.NodeDefinition) error {
	for _, node := range nodes {
		reason := ReasonRunFailed
		if !r.dependenciesSucceeded(node) {
			reason = ReasonDependencyNotSuccess
		}
		if err := r.setNode(node.ID, domain.NodeStatusSkipped, 0, reason); err != nil {
			return err
		}
		r.outcomes[node.ID] = domain.NodeStatusSkipped
	}
	return nil
}

func (r *runExecution) executeWithRetry(ctx context.Context, node domain.NodeDefinition) (domain.NodeStatus, error) {
	policy := node.EffectiveRetry()
	budget := policy.AttemptBudget()
	logger := r.logger.With("node_id", node.ID)
	nodeType := r.nodeType(node)

	for attempt := 1; attempt <= budget; attempt++ {
		stop, err := r.stopRequested(ctx)
		if err != nil {
			return "", err
		}
		if stop {
			// attempt has not run; the row keeps the count of executions so far.
			return domain.NodeStatusStopped, r.setNode(node.ID, domain.NodeStatusStopped, attempt-1, ReasonRunStopped)
		}
		if err := r.setNode(node.ID, domain.NodeStatusRunning, attempt, ""); err != nil {
			return "", err
		}

		started := r.engine.now()
		result, execErr := r.invoke(ctx, node, attempt, logger)
		elapsed := r.engine.now().Sub(started)

		if execErr == nil {
			if err := r.persistResult(node.ID, result); err != nil {
				return "", err
			}
			if err := r.setNode(node.ID, domain.NodeStatusSuccess, attempt, ""); err != nil {
				return "", err
			}
			r.engine.observer.NodeAttempt(nodeType, "success", elapsed)
			logger.Info("node succeeded", "attempt", attempt)
			return domain.NodeStatusSuccess, nil
		}

		description := executor.Describe(execErr)
		if ctx.Err() != nil {
			r.engine.observer.NodeAttempt(nodeType, "stopped", elapsed)
			return domain.NodeStatusStopped, r.setNode(node.ID, domain.NodeStatusStopped, attempt, description)
		}

		last := attempt == budget || executor.IsPermanent(execErr)
		if last {
			r.engine.observer.NodeAttempt(nodeType, "failed", elapsed)
			logger.Warn("node failed", "attempt", attempt, "error", description)
			return domain.NodeStatusFailed, r.setNode(node.ID, domain.NodeStatusFailed, attempt, description)
		}
		if err := r.setNode(node.ID, domain.NodeStatusRetrying, attempt, description); err != nil {
			return "", err
		}
		r.engine.observer.NodeAttempt(nodeType, "retry", elapsed)
		delay := policy.DelayForAttempt(attempt)
		logger.Warn("node attempt failed, retrying", "attempt", attempt, "backoff", delay, "error", description)

		if err := r.engine.sleep(ctx, delay); err != nil {
			return domain.NodeStatusStopped, r.setNode(node.ID, domain.NodeStatusStopped, attempt, ReasonRunStopped)
		}
	}
	return domain.NodeStatusFailed, nil
}

func (r *runExecution) invoke(ctx context.Context, node domain.NodeDefinition, attempt int, logger *slog.Logger) (result executor.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("executor panic: %v", p)
		}
	}()
	nodeCtx := executor.NewNodeContext(r.runID, r.label, node.ID, attempt, logger.With("attempt", attempt), r.engine.storage, r.artifacts)
	if node.IsJobBacked() {
		if r.engine.jobs == nil {
			return executor.Result{}, executor.Permanent(fmt.Errorf("node %q references job %q but job resolution is not configured", node.ID, node.JobID))
		}
		return r.engine.jobs.ResolveAndExecute(ctx, nodeCtx, node.JobID)
	}
	ex, err := r.engine.registry.Resolve(node.Type)
	if err != nil {
		return executor.Result{}, executor.Permanent(err)
	}
	return ex.Execute(ctx, nodeCtx, node.Config.Clone())
}

func (r *runExecution) persistResult(nodeID string, result executor.Result) error {
	if len(result.Artifact) > 0 {
		if err := r.engine.storage.SaveArtifact(r.store, r.runID, nodeID, result.Artifact); err != nil {
			return fmt.Errorf("save artifact for node %s: %w", nodeID, err)
		}
		r.artifacts.Put(nodeID, result.Artifact)
	}
	if result.Checkpoint != nil {
		if err := r.engine.storage.SaveCheckpoint(r.store, r.runID, nodeID, result.Checkpoint); err != nil {
			return fmt.Errorf("save checkpoint for node %s: %w", nodeID, err)
		}
	}
	return nil
}

// stopRequested polls the stored run status. A cancelled ctx also counts as a stop.
func (r *runExecution) stopRequested(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return true, nil
	}
	run, err := r.engine.query.FindRun(r.store, r.runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("poll run status: %w", err)
	}
	return run.Status.StopRequested(), nil
}

func (r *runExecution) dependenciesSucceeded(node domain.NodeDefinition) bool {
	for _, dep := range node.DependsOn {
		if r.outcomes[dep] != domain.NodeStatusSuccess {
			return false
		}
	}
	return true
}

func (r *runExecution) nodeType(node domain.NodeDefinition) string {
	if node.IsJobBacked() {
		return "job"
	}
	return strings.TrimSpace(node.Type)
}

func (r *runExecution) setNode(nodeID string, status domain.NodeStatus, attempt int, lastError string) error {
	if err := r.engine.storage.UpsertNodeState(r.store, r.runID, nodeID, status, attempt, lastError); err != nil {
		return fmt.Errorf("record node %s %s: %w", nodeID, status, err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
