// Package memory is an in-process implementation of every repo port. It backs
// dagctl's local runs and the engine and service tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/jobchain/internal/domain"
	"github.com/animus-labs/jobchain/internal/repo"
)

type Store struct {
	mu          sync.RWMutex
	now         func() time.Time
	runs        map[string]repo.RunRecord
	nodes       map[string]map[string]repo.NodeRecord
	checkpoints map[string]map[string][]byte
	jobs        map[string]domain.JobDefinition
	chains      map[string]domain.ChainDefinition
}

func New() *Store {
	return &Store{
		now:         func() time.Time { return time.Now().UTC() },
		runs:        make(map[string]repo.RunRecord),
		nodes:       make(map[string]map[string]repo.NodeRecord),
		checkpoints: make(map[string]map[string][]byte),
		jobs:        make(map[string]domain.JobDefinition),
		chains:      make(map[string]domain.ChainDefinition),
	}
}

var (
	_ repo.RunStorage      = (*Store)(nil)
	_ repo.RunQuery        = (*Store)(nil)
	_ repo.RunAdmin        = (*Store)(nil)
	_ repo.JobRepository   = (*Store)(nil)
	_ repo.ChainRepository = (*Store)(nil)
)

func (s *Store) CreateRunIfAbsent(ctx context.Context, run repo.NewRun) (bool, error) {
	runID := strings.TrimSpace(run.RunID)
	if runID == "" {
		return false, fmt.Errorf("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; ok {
		return false, nil
	}
	now := s.now()
	s.runs[runID] = repo.RunRecord{
		RunID:     runID,
		ChainID:   run.ChainID,
		JobID:     run.JobID,
		Label:     run.Label,
		Status:    domain.RunStatusPending,
		DagJSON:   append([]byte(nil), run.DagJSON...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return true, nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return repo.ErrNotFound
	}
	run.Status = status
	run.UpdatedAt = s.now()
	s.runs[runID] = run
	return nil
}

func (s *Store) TransitionRunStatus(ctx context.Context, runID string, next domain.RunStatus, from ...domain.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return repo.ErrNotFound
	}
	if len(from) > 0 && !containsStatus(from, run.Status) {
		return repo.ErrConflict
	}
	run.Status = next
	run.UpdatedAt = s.now()
	s.runs[runID] = run
	return nil
}

func (s *Store) UpsertNodeState(ctx context.Context, runID, nodeID string, status domain.NodeStatus, attempt int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	node, ok := s.nodeLocked(runID, nodeID)
	if !ok {
		node = repo.NodeRecord{RunID: runID, NodeID: nodeID}
	}
	node.Status = status
	node.Attempt = attempt
	node.LastError = lastError
	if node.StartedAt == nil && status == domain.NodeStatusRunning {
		node.StartedAt = &now
	}
	if status.IsTerminal() {
		node.EndedAt = &now
	}
	node.UpdatedAt = now
	s.putNodeLocked(node)
	return nil
}

func (s *Store) SaveArtifact(ctx context.Context, runID, nodeID string, artifact domain.Metadata) error {
	copied, err := deepCopy(artifact)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodeLocked(runID, nodeID)
	if !ok {
		node = repo.NodeRecord{RunID: runID, NodeID: nodeID, Status: domain.NodeStatusRunning}
	}
	node.Artifact = copied
	node.UpdatedAt = s.now()
	s.putNodeLocked(node)
	return nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, runID, nodeID string) (domain.Metadata, bool, error) {
	s.mu.RLock()
	raw, ok := s.checkpoints[runID][nodeID]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	var out domain.Metadata
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false, fmt.Errorf("decode checkpoint: %w", err)
	}
	if out == nil {
		out = domain.Metadata{}
	}
	return out, true, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, runID, nodeID string, checkpoint domain.Metadata) error {
	if checkpoint == nil {
		checkpoint = domain.Metadata{}
	}
	raw, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkpoints[runID] == nil {
		s.checkpoints[runID] = make(map[string][]byte)
	}
	s.checkpoints[runID][nodeID] = raw
	return nil
}

func (s *Store) FindRun(ctx context.Context, runID string) (repo.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return repo.RunRecord{}, repo.ErrNotFound
	}
	run.DagJSON = append([]byte(nil), run.DagJSON...)
	return run, nil
}

// ListNodes returns the run's node rows ordered by node id.
func (s *Store) ListNodes(ctx context.Context, runID string) ([]repo.NodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]repo.NodeRecord, 0, len(s.nodes[runID]))
	for _, node := range s.nodes[runID] {
		out = append(out, cloneNode(node))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (s *Store) FindNode(ctx context.Context, runID, nodeID string) (repo.NodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodeLocked(runID, nodeID)
	if !ok {
		return repo.NodeRecord{}, repo.ErrNotFound
	}
	return cloneNode(node), nil
}

func (s *Store) OverrideNode(ctx context.Context, override repo.NodeOverride) (repo.NodeRecord, error) {
	var artifact domain.Metadata
	if override.Artifact != nil {
		copied, err := deepCopy(override.Artifact)
		if err != nil {
			return repo.NodeRecord{}, fmt.Errorf("encode artifact: %w", err)
		}
		artifact = copied
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodeLocked(override.RunID, override.NodeID)
	if !ok {
		return repo.NodeRecord{}, repo.ErrNotFound
	}
	if override.ExpectStatus != "" && node.Status != override.ExpectStatus {
		return repo.NodeRecord{}, repo.ErrConflict
	}
	node.Status = override.Status
	node.Attempt = override.Attempt
	node.LastError = override.LastError
	if artifact != nil {
		node.Artifact = artifact
	}
	node.UpdatedAt = s.now()
	s.putNodeLocked(node)
	return cloneNode(node), nil
}

func (s *Store) nodeLocked(runID, nodeID string) (repo.NodeRecord, bool) {
	node, ok := s.nodes[runID][nodeID]
	return node, ok
}

func (s *Store) putNodeLocked(node repo.NodeRecord) {
	if s.nodes[node.RunID] == nil {
		s.nodes[node.RunID] = make(map[string]repo.NodeRecord)
	}
	s.nodes[node.RunID][node.NodeID] = node
}

func cloneNode(node repo.NodeRecord) repo.NodeRecord {
	if node.Artifact != nil {
		copied, err := deepCopy(node.Artifact)
		if err == nil {
			node.Artifact = copied
		}
	}
	return node
}

// deepCopy round-trips through JSON so stored values have the same shape
// they would after a trip through the database.
func deepCopy(meta domain.Metadata) (domain.Metadata, error) {
	if meta == nil {
		return domain.Metadata{}, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	var out domain.Metadata
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func containsStatus(list []domain.RunStatus, status domain.RunStatus) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}
