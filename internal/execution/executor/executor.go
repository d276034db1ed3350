// Package executor defines the node execution capability and the registry
// that maps node type tags to implementations.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/animus-labs/jobchain/internal/domain"
)

// NodeExecutor runs one node type. Execute must honor ctx cancellation at its
// own cooperation points; any returned error counts as a failed attempt.
type NodeExecutor interface {
	Type() string
	Execute(ctx context.Context, node *NodeContext, config domain.Metadata) (Result, error)
}

// Result is what a successful execution hands back to the engine.
type Result struct {
	Artifact   domain.Metadata
	Checkpoint domain.Metadata
}

// CheckpointStore is the slice of run storage an executor may touch.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, runID, nodeID string) (domain.Metadata, bool, error)
	SaveCheckpoint(ctx context.Context, runID, nodeID string, checkpoint domain.Metadata) error
}

// NodeContext carries the identity of the attempt being executed.
type NodeContext struct {
	RunID   string
	Label   string
	NodeID  string
	Attempt int
	Logger  *slog.Logger

	store     CheckpointStore
	artifacts *Artifacts
}

func NewNodeContext(runID, label, nodeID string, attempt int, logger *slog.Logger, store CheckpointStore, artifacts *Artifacts) *NodeContext {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &NodeContext{
		RunID:     runID,
		Label:     label,
		NodeID:    nodeID,
		Attempt:   attempt,
		Logger:    logger,
		store:     store,
		artifacts: artifacts,
	}
}

// LoadCheckpoint returns the checkpoint saved by an earlier attempt of this node, if any.
func (n *NodeContext) LoadCheckpoint(ctx context.Context) (domain.Metadata, bool, error) {
	if n == nil || n.store == nil {
		return nil, false, nil
	}
	return n.store.LoadCheckpoint(ctx, n.RunID, n.NodeID)
}

// SaveCheckpoint persists progress mid-execution so a later attempt can resume.
func (n *NodeContext) SaveCheckpoint(ctx context.Context, checkpoint domain.Metadata) error {
	if n == nil || n.store == nil {
		return errors.New("checkpoint store not configured")
	}
	return n.store.SaveCheckpoint(ctx, n.RunID, n.NodeID, checkpoint)
}

// Upstream returns the artifact recorded by another node of the same run.
func (n *NodeContext) Upstream(nodeID string) (domain.Metadata, bool) {
	if n == nil || n.artifacts == nil {
		return nil, false
	}
	return n.artifacts.Get(nodeID)
}

// Artifacts holds the artifacts produced so far within one run.
type Artifacts struct {
	mu   sync.RWMutex
	byID map[string]domain.Metadata
}

func NewArtifacts() *Artifacts {
	return &Artifacts{byID: make(map[string]domain.Metadata)}
}

func (a *Artifacts) Put(nodeID string, artifact domain.Metadata) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byID[nodeID] = artifact.Clone()
}

func (a *Artifacts) Get(nodeID string) (domain.Metadata, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.byID[nodeID]
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}
