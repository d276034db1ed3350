package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/animus-labs/jobchain/internal/domain"
	"github.com/animus-labs/jobchain/internal/execution/dagspec"
	"github.com/animus-labs/jobchain/internal/execution/dispatch"
	"github.com/animus-labs/jobchain/internal/execution/graph"
	"github.com/animus-labs/jobchain/internal/repo"
)

var (
	ErrIllegalTransition = errors.New("illegal transition")
	ErrDisabled          = errors.New("definition is disabled")
	ErrInvalidDag        = errors.New("invalid dag")
)

// Executor drives a run to completion. *engine.Engine implements it.
type Executor interface {
	Run(ctx context.Context, runID string, dag domain.DagDefinition) (domain.RunStatus, error)
}

// Submitter queues a run for a worker. *dispatch.Dispatcher implements it.
type Submitter interface {
	Submit(name string, t dispatch.Task) error
}

type Config struct {
	Storage    repo.RunStorage
	Query      repo.RunQuery
	Admin      repo.RunAdmin
	Jobs       repo.JobRepository
	Chains     repo.ChainRepository
	Engine     Executor
	Dispatcher Submitter
	Logger     *slog.Logger
}

type Service struct {
	storage    repo.RunStorage
	query      repo.RunQuery
	admin      repo.RunAdmin
	jobs       repo.JobRepository
	chains     repo.ChainRepository
	engine     Executor
	dispatcher Submitter
	logger     *slog.Logger
	newID      func() string
}

func New(cfg Config) (*Service, error) {
	if cfg.Storage == nil || cfg.Query == nil || cfg.Admin == nil {
		return nil, errors.New("run storage, query and admin are required")
	}
	if cfg.Jobs == nil || cfg.Chains == nil {
		return nil, errors.New("job and chain repositories are required")
	}
	if cfg.Engine == nil || cfg.Dispatcher == nil {
		return nil, errors.New("engine and dispatcher are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		storage:    cfg.Storage,
		query:      cfg.Query,
		admin:      cfg.Admin,
		jobs:       cfg.Jobs,
		chains:     cfg.Chains,
		engine:     cfg.Engine,
		dispatcher: cfg.Dispatcher,
		logger:     logger,
		newID:      uuid.NewString,
	}, nil
}

// StartChain snapshots the chain's DAG into a new run and queues it.
func (s *Service) StartChain(ctx context.Context, chainID string) (string, error) {
	chain, err := s.chains.FindChain(ctx, chainID)
	if err != nil {
		return "", fmt.Errorf("chain %s: %w", chainID, err)
	}
	if !chain.Enabled {
		return "", fmt.Errorf("chain %s: %w", chainID, ErrDisabled)
	}
	dag, err := dagspec.Parse([]byte(chain.DagJSON))
	if err != nil {
		return "", fmt.Errorf("%w: chain %s: %v", ErrInvalidDag, chainID, err)
	}
	dag.Job = chain.Name

	runID := s.newID()
	err = s.launch(ctx, repo.NewRun{RunID: runID, ChainID: chain.ID, Label: chain.Name, DagJSON: []byte(chain.DagJSON)}, dag)
	if err != nil {
		return "", err
	}
	return runID, nil
}

// StartJob runs a single job definition as a one-node DAG without retries.
func (s *Service) StartJob(ctx context.Context, jobID string) (string, error) {
	job, err := s.jobs.FindJob(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("job %s: %w", jobID, err)
	}
	if !job.Enabled {
		return "", fmt.Errorf("job %s: %w", jobID, ErrDisabled)
	}
	dag := SingleJobDag(job)
	snapshot, err := dagspec.Marshal(dag)
	if err != nil {
		return "", err
	}

	runID := s.newID()
	err = s.launch(ctx, repo.NewRun{RunID: runID, JobID: job.ID, Label: job.Name, DagJSON: snapshot}, dag)
	if err != nil {
		return "", err
	}
	return runID, nil
}

func SingleJobDag(job domain.JobDefinition) domain.DagDefinition {
	nodeID := strings.TrimSpace(job.Name)
	if nodeID == "" {
		nodeID = job.ID
	}
	once := domain.DefaultRetryPolicy()
	once.MaxAttempts = 1
	return domain.DagDefinition{
		Job: job.Name,
		Nodes: []domain.NodeDefinition{{
			ID:    nodeID,
			JobID: job.ID,
			Retry: &once,
		}},
	}
}

// SubmitDag queues an ad-hoc DAG. A blank runID gets a generated one; an
// existing runID is rejected with repo.ErrConflict.
func (s *Service) SubmitDag(ctx context.Context, runID string, dag domain.DagDefinition) (string, error) {
	if err := graph.Validate(dag); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidDag, err)
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		runID = s.newID()
	}
	snapshot, err := dagspec.Marshal(dag)
	if err != nil {
		return "", err
	}
	if err := s.launch(ctx, repo.NewRun{RunID: runID, Label: dag.Job, DagJSON: snapshot}, dag); err != nil {
		return "", err
	}
	return runID, nil
}

func (s *Service) launch(ctx context.Context, run repo.NewRun, dag domain.DagDefinition) error {
	created, err := s.storage.CreateRunIfAbsent(ctx, run)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	if !created {
		return fmt.Errorf("run %s already exists: %w", run.RunID, repo.ErrConflict)
	}
	for _, node := range dag.Nodes {
		if strings.TrimSpace(node.ID) == "" {
			continue
		}
		if err := s.storage.UpsertNodeState(ctx, run.RunID, node.ID, domain.NodeStatusPending, 0, ""); err != nil {
			return fmt.Errorf("seed node %s: %w", node.ID, err)
		}
	}

	logger := s.logger.With("run_id", run.RunID)
	err = s.dispatcher.Submit(run.RunID, func(ctx context.Context) error {
		status, err := s.engine.Run(ctx, run.RunID, dag)
		if err != nil {
			return err
		}
		logger.Info("run finished", "status", status)
		return nil
	})
	if err != nil {
		logger.Warn("run rejected by dispatcher", "error", err)
		uerr := s.storage.TransitionRunStatus(context.WithoutCancel(ctx), run.RunID, domain.RunStatusFailed,
			domain.RunStatusPending, domain.RunStatusStopping)
		if uerr != nil && !errors.Is(uerr, repo.ErrConflict) {
			logger.Error("mark rejected run failed", "error", uerr)
		}
		return fmt.Errorf("submit run %s: %w", run.RunID, err)
	}
	logger.Info("run submitted", "label", run.Label, "nodes", len(dag.Nodes))
	return nil
}

// StopRun requests cooperative cancellation. The engine observes STOPPING
// before the next node or attempt. Stopping an already STOPPING or STOPPED
// run is a no-op.
func (s *Service) StopRun(ctx context.Context, runID string) (domain.RunStatus, error) {
	run, err := s.query.FindRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("run %s: %w", runID, err)
	}
	if !domain.CanStopRun(run.Status) {
		return "", fmt.Errorf("%w: run already finished: %s", ErrIllegalTransition, run.Status)
	}
	if run.Status.StopRequested() {
		return run.Status, nil
	}
	err = s.admin.TransitionRunStatus(ctx, runID, domain.RunStatusStopping, domain.RunStatusPending, domain.RunStatusRunning)
	if errors.Is(err, repo.ErrConflict) {
		// The run moved on between the read and the write; report where it landed.
		return s.StopRun(ctx, runID)
	}
	if err != nil {
		return "", fmt.Errorf("stop run %s: %w", runID, err)
	}
	s.logger.Info("run stop requested", "run_id", runID, "from", run.Status)
	return domain.RunStatusStopping, nil
}

// NodeOverride carries the optional operator inputs of retry and complete.
type NodeOverride struct {
	// Artifact replaces the stored artifact when non-nil.
	Artifact domain.Metadata
	// Reason becomes the node's lastError.
	Reason string
}

// RetryNode moves a FAILED or STOPPED node to RETRYING and bumps its attempt.
func (s *Service) RetryNode(ctx context.Context, runID, nodeID string, in NodeOverride) (repo.NodeRecord, error) {
	return s.override(ctx, runID, nodeID, in, "retryable", domain.CanRetryNode, func(cur repo.NodeRecord) (domain.NodeStatus, int) {
		return domain.NodeStatusRetrying, cur.Attempt + 1
	})
}

// CompleteNode marks a FAILED, STOPPED or RUNNING node SUCCESS.
func (s *Service) CompleteNode(ctx context.Context, runID, nodeID string, in NodeOverride) (repo.NodeRecord, error) {
	return s.override(ctx, runID, nodeID, in, "completable", domain.CanCompleteNode, func(cur repo.NodeRecord) (domain.NodeStatus, int) {
		return domain.NodeStatusSuccess, cur.Attempt
	})
}

func (s *Service) override(
	ctx context.Context,
	runID, nodeID string,
	in NodeOverride,
	verb string,
	legal func(domain.NodeStatus) bool,
	next func(repo.NodeRecord) (domain.NodeStatus, int),
) (repo.NodeRecord, error) {
	cur, err := s.admin.FindNode(ctx, runID, nodeID)
	if err != nil {
		return repo.NodeRecord{}, fmt.Errorf("node runId=%s, nodeId=%s: %w", runID, nodeID, err)
	}
	if !legal(cur.Status) {
		return repo.NodeRecord{}, fmt.Errorf("%w: node status not %s: %s", ErrIllegalTransition, verb, cur.Status)
	}
	status, attempt := next(cur)
	updated, err := s.admin.OverrideNode(ctx, repo.NodeOverride{
		RunID:        runID,
		NodeID:       nodeID,
		ExpectStatus: cur.Status,
		Status:       status,
		Attempt:      attempt,
		LastError:    in.Reason,
		Artifact:     in.Artifact,
	})
	if errors.Is(err, repo.ErrConflict) {
		return repo.NodeRecord{}, fmt.Errorf("%w: node status changed from %s", ErrIllegalTransition, cur.Status)
	}
	if err != nil {
		return repo.NodeRecord{}, fmt.Errorf("override node %s: %w", nodeID, err)
	}
	s.logger.Info("node override", "run_id", runID, "node_id", nodeID, "from", cur.Status, "to", status, "attempt", attempt)
	return updated, nil
}
