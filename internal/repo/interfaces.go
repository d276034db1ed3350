// Package repo declares the storage ports used by the engine and the services.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/jobchain/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a lost optimistic update: a version or status precondition did not hold.
	ErrConflict = errors.New("conflict")
)

// NewRun is the immutable identity written once when a run is first submitted.
type NewRun struct {
	RunID   string
	ChainID string
	JobID   string
	Label   string
	DagJSON []byte
}

type RunRecord struct {
	RunID     string
	ChainID   string
	JobID     string
	Label     string
	Status    domain.RunStatus
	DagJSON   []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

type NodeRecord struct {
	RunID     string
	NodeID    string
	Status    domain.NodeStatus
	Attempt   int
	LastError string
	Artifact  domain.Metadata
	StartedAt *time.Time
	EndedAt   *time.Time
	UpdatedAt time.Time
}

// NodeOverride is an operator repair of a node row, applied only while the
// node still has ExpectStatus.
type NodeOverride struct {
	RunID        string
	NodeID       string
	ExpectStatus domain.NodeStatus
	Status       domain.NodeStatus
	Attempt      int
	LastError    string
	// Artifact replaces the stored artifact when non-nil.
	Artifact domain.Metadata
}

// RunStorage is the write port the engine drives during execution.
type RunStorage interface {
	// CreateRunIfAbsent inserts a PENDING run; an existing run id is left untouched.
	CreateRunIfAbsent(ctx context.Context, run NewRun) (bool, error)
	UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error
	// TransitionRunStatus sets next only while the current status is one of
	// from; otherwise ErrConflict.
	TransitionRunStatus(ctx context.Context, runID string, next domain.RunStatus, from ...domain.RunStatus) error
	UpsertNodeState(ctx context.Context, runID, nodeID string, status domain.NodeStatus, attempt int, lastError string) error
	LoadCheckpoint(ctx context.Context, runID, nodeID string) (domain.Metadata, bool, error)
	SaveCheckpoint(ctx context.Context, runID, nodeID string, checkpoint domain.Metadata) error
	SaveArtifact(ctx context.Context, runID, nodeID string, artifact domain.Metadata) error
}

// RunQuery is the read port; the engine uses FindRun only to poll for stop requests.
type RunQuery interface {
	FindRun(ctx context.Context, runID string) (RunRecord, error)
	ListNodes(ctx context.Context, runID string) ([]NodeRecord, error)
}

// RunAdmin backs the operator overrides.
type RunAdmin interface {
	FindNode(ctx context.Context, runID, nodeID string) (NodeRecord, error)
	// TransitionRunStatus sets next only while the current status is one of from.
	TransitionRunStatus(ctx context.Context, runID string, next domain.RunStatus, from ...domain.RunStatus) error
	OverrideNode(ctx context.Context, override NodeOverride) (NodeRecord, error)
}

type DefinitionFilter struct {
	Keyword string
	Enabled *bool
	Offset  int
	Limit   int
}

type JobRepository interface {
	FindJob(ctx context.Context, id string) (domain.JobDefinition, error)
	InsertJob(ctx context.Context, job domain.JobDefinition) (domain.JobDefinition, error)
	UpdateJob(ctx context.Context, job domain.JobDefinition) (domain.JobDefinition, error)
	DeleteJob(ctx context.Context, id string) (bool, error)
	ListJobs(ctx context.Context, filter DefinitionFilter) ([]domain.JobDefinition, error)
	CountJobs(ctx context.Context, filter DefinitionFilter) (int64, error)
}

type ChainRepository interface {
	FindChain(ctx context.Context, id string) (domain.ChainDefinition, error)
	FindChainByName(ctx context.Context, name string) (domain.ChainDefinition, error)
	InsertChain(ctx context.Context, chain domain.ChainDefinition) (domain.ChainDefinition, error)
	// UpdateChainWithVersion bumps the version; ErrConflict when expectedVersion is stale.
	UpdateChainWithVersion(ctx context.Context, chain domain.ChainDefinition, expectedVersion int64) (domain.ChainDefinition, error)
	SetChainEnabled(ctx context.Context, id string, enabled bool) (domain.ChainDefinition, error)
	ListChains(ctx context.Context, filter DefinitionFilter) ([]domain.ChainDefinition, error)
	CountChains(ctx context.Context, filter DefinitionFilter) (int64, error)
}
