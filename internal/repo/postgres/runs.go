package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/jobchain/internal/domain"
	"github.com/animus-labs/jobchain/internal/repo"
)

// RunStore persists runs, node rows and checkpoints.
type RunStore struct {
	db DB
}

var (
	_ repo.RunStorage = (*RunStore)(nil)
	_ repo.RunQuery   = (*RunStore)(nil)
	_ repo.RunAdmin   = (*RunStore)(nil)
)

const (
	insertRunQuery = `INSERT INTO job_run (run_id, chain_id, job_id, job_name, status, dag_json, created_at, updated_at)
	 VALUES ($1, $2, $3, $4, 'PENDING', $5, now(), now())
	 ON CONFLICT (run_id) DO NOTHING`

	updateRunStatusQuery = `UPDATE job_run SET status = $2, updated_at = now() WHERE run_id = $1`

	transitionRunStatusQuery = `UPDATE job_run SET status = $2, updated_at = now()
	 WHERE run_id = $1 AND status = ANY($3)`

	selectRunQuery = `SELECT run_id, chain_id, job_id, job_name, status, dag_json, created_at, updated_at
	 FROM job_run
	 WHERE run_id = $1`

	upsertNodeStateQuery = `INSERT INTO job_run_node (run_id, node_id, status, attempt, last_error, started_at, ended_at, updated_at)
	 VALUES ($1, $2, $3, $4, $5,
	  CASE WHEN $3 = 'RUNNING' THEN now() END,
	  CASE WHEN $3 IN ('SUCCESS','FAILED','SKIPPED','STOPPED') THEN now() END,
	  now())
	 ON CONFLICT (run_id, node_id) DO UPDATE SET
	  status = EXCLUDED.status,
	  attempt = EXCLUDED.attempt,
	  last_error = EXCLUDED.last_error,
	  started_at = COALESCE(job_run_node.started_at, EXCLUDED.started_at),
	  ended_at = COALESCE(EXCLUDED.ended_at, job_run_node.ended_at),
	  updated_at = now()`

	saveArtifactQuery = `INSERT INTO job_run_node (run_id, node_id, status, attempt, artifact_json, updated_at)
	 VALUES ($1, $2, 'RUNNING', 0, $3, now())
	 ON CONFLICT (run_id, node_id) DO UPDATE SET
	  artifact_json = EXCLUDED.artifact_json,
	  updated_at = now()`

	selectCheckpointQuery = `SELECT checkpoint_json FROM job_run_checkpoint WHERE run_id = $1 AND node_id = $2`

	saveCheckpointQuery = `INSERT INTO job_run_checkpoint (run_id, node_id, checkpoint_json, updated_at)
	 VALUES ($1, $2, $3, now())
	 ON CONFLICT (run_id, node_id) DO UPDATE SET
	  checkpoint_json = EXCLUDED.checkpoint_json,
	  updated_at = now()`

	nodeColumns = `run_id, node_id, status, attempt, last_error, artifact_json, started_at, ended_at, updated_at`

	selectNodeQuery = `SELECT ` + nodeColumns + `
	 FROM job_run_node
	 WHERE run_id = $1 AND node_id = $2`

	listNodesQuery = `SELECT ` + nodeColumns + `
	 FROM job_run_node
	 WHERE run_id = $1
	 ORDER BY node_id`

	overrideNodeQuery = `UPDATE job_run_node SET
	  status = $3,
	  attempt = $4,
	  last_error = $5,
	  artifact_json = COALESCE($6::jsonb, artifact_json),
	  ended_at = CASE WHEN $3 IN ('SUCCESS','FAILED','SKIPPED','STOPPED') THEN now() ELSE ended_at END,
	  updated_at = now()
	 WHERE run_id = $1 AND node_id = $2 AND ($7 = '' OR status = $7)
	 RETURNING ` + nodeColumns
)

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRunIfAbsent(ctx context.Context, run repo.NewRun) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("run store not initialized")
	}
	runID := strings.TrimSpace(run.RunID)
	if runID == "" {
		return false, fmt.Errorf("run id is required")
	}
	dagJSON := run.DagJSON
	if len(dagJSON) == 0 {
		dagJSON = []byte("{}")
	}
	res, err := s.db.ExecContext(ctx, insertRunQuery, runID, nullIfEmpty(run.ChainID), nullIfEmpty(run.JobID), nullIfEmpty(run.Label), dagJSON)
	if err != nil {
		return false, fmt.Errorf("insert run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert run: %w", err)
	}
	return n > 0, nil
}

func (s *RunStore) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	res, err := s.db.ExecContext(ctx, updateRunStatusQuery, runID, string(status))
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *RunStore) TransitionRunStatus(ctx context.Context, runID string, next domain.RunStatus, from ...domain.RunStatus) error {
	if len(from) == 0 {
		return s.UpdateRunStatus(ctx, runID, next)
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	allowed := make([]string, 0, len(from))
	for _, st := range from {
		allowed = append(allowed, string(st))
	}
	res, err := s.db.ExecContext(ctx, transitionRunStatusQuery, runID, string(next), allowed)
	if err != nil {
		return fmt.Errorf("transition run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition run status: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.FindRun(ctx, runID); err != nil {
		return err
	}
	return repo.ErrConflict
}

func (s *RunStore) FindRun(ctx context.Context, runID string) (repo.RunRecord, error) {
	if s == nil || s.db == nil {
		return repo.RunRecord{}, fmt.Errorf("run store not initialized")
	}
	var run repo.RunRecord
	var chainID, jobID, label sql.NullString
	var status string
	err := s.db.QueryRowContext(ctx, selectRunQuery, runID).Scan(
		&run.RunID, &chainID, &jobID, &label, &status, &run.DagJSON, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return repo.RunRecord{}, handleNotFound(err)
	}
	run.ChainID = chainID.String
	run.JobID = jobID.String
	run.Label = label.String
	run.Status = domain.NormalizeRunStatus(status)
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	return run, nil
}

func (s *RunStore) UpsertNodeState(ctx context.Context, runID, nodeID string, status domain.NodeStatus, attempt int, lastError string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if _, err := s.db.ExecContext(ctx, upsertNodeStateQuery, runID, nodeID, string(status), attempt, nullIfEmpty(lastError)); err != nil {
		return fmt.Errorf("upsert node state: %w", err)
	}
	return nil
}

func (s *RunStore) SaveArtifact(ctx context.Context, runID, nodeID string, artifact domain.Metadata) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	raw, err := encodeMetadata(artifact)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, saveArtifactQuery, runID, nodeID, raw); err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	return nil
}

func (s *RunStore) LoadCheckpoint(ctx context.Context, runID, nodeID string) (domain.Metadata, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, fmt.Errorf("run store not initialized")
	}
	var raw []byte
	if err := s.db.QueryRowContext(ctx, selectCheckpointQuery, runID, nodeID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load checkpoint: %w", err)
	}
	cp, err := decodeMetadata(raw)
	if err != nil {
		return nil, false, fmt.Errorf("decode checkpoint: %w", err)
	}
	if cp == nil {
		cp = domain.Metadata{}
	}
	return cp, true, nil
}

func (s *RunStore) SaveCheckpoint(ctx context.Context, runID, nodeID string, checkpoint domain.Metadata) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	raw, err := encodeMetadata(checkpoint)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, saveCheckpointQuery, runID, nodeID, raw); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *RunStore) ListNodes(ctx context.Context, runID string) ([]repo.NodeRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listNodesQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	nodes := make([]repo.NodeRecord, 0)
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return nodes, nil
}

func (s *RunStore) FindNode(ctx context.Context, runID, nodeID string) (repo.NodeRecord, error) {
	if s == nil || s.db == nil {
		return repo.NodeRecord{}, fmt.Errorf("run store not initialized")
	}
	return scanNode(s.db.QueryRowContext(ctx, selectNodeQuery, runID, nodeID))
}

func (s *RunStore) OverrideNode(ctx context.Context, override repo.NodeOverride) (repo.NodeRecord, error) {
	if s == nil || s.db == nil {
		return repo.NodeRecord{}, fmt.Errorf("run store not initialized")
	}
	var artifact any
	if override.Artifact != nil {
		raw, err := encodeMetadata(override.Artifact)
		if err != nil {
			return repo.NodeRecord{}, fmt.Errorf("encode artifact: %w", err)
		}
		artifact = raw
	}
	row := s.db.QueryRowContext(ctx, overrideNodeQuery,
		override.RunID,
		override.NodeID,
		string(override.Status),
		override.Attempt,
		nullIfEmpty(override.LastError),
		artifact,
		string(override.ExpectStatus),
	)
	node, err := scanNode(row)
	if err == nil {
		return node, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return repo.NodeRecord{}, fmt.Errorf("override node: %w", err)
	}
	if _, findErr := s.FindNode(ctx, override.RunID, override.NodeID); findErr != nil {
		return repo.NodeRecord{}, findErr
	}
	return repo.NodeRecord{}, repo.ErrConflict
}

func scanNode(scanner rowScanner) (repo.NodeRecord, error) {
	var node repo.NodeRecord
	var status string
	var lastError sql.NullString
	var artifact []byte
	var startedAt, endedAt sql.NullTime
	if err := scanner.Scan(
		&node.RunID,
		&node.NodeID,
		&status,
		&node.Attempt,
		&lastError,
		&artifact,
		&startedAt,
		&endedAt,
		&node.UpdatedAt,
	); err != nil {
		return repo.NodeRecord{}, handleNotFound(err)
	}
	node.Status = domain.NormalizeNodeStatus(status)
	node.LastError = lastError.String
	decoded, err := decodeMetadata(artifact)
	if err != nil {
		return repo.NodeRecord{}, fmt.Errorf("decode artifact: %w", err)
	}
	node.Artifact = decoded
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		node.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		node.EndedAt = &t
	}
	node.UpdatedAt = node.UpdatedAt.UTC()
	return node, nil
}
