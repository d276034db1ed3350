package runs

import (
	"context"
	"errors"
	"fmt"

	"github.com/animus-labs/jobchain/internal/domain"
	"github.com/animus-labs/jobchain/internal/execution/dagspec"
	"github.com/animus-labs/jobchain/internal/repo"
)

func (s *Service) GetRun(ctx context.Context, runID string) (repo.RunRecord, error) {
	run, err := s.query.FindRun(ctx, runID)
	if err != nil {
		return repo.RunRecord{}, fmt.Errorf("run %s: %w", runID, err)
	}
	return run, nil
}

func (s *Service) ListNodes(ctx context.Context, runID string) ([]repo.NodeRecord, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.query.ListNodes(ctx, runID)
}

type GraphNode struct {
	Definition domain.NodeDefinition
	// State is nil until the node has a stored row.
	State *repo.NodeRecord
	// Job is the referenced job definition, when the node is job-backed and
	// the job still exists.
	Job *domain.JobDefinition
}

// Edge points from a dependency to its dependent.
type Edge struct {
	From string
	To   string
}

type RunGraph struct {
	Run   repo.RunRecord
	Nodes []GraphNode
	Edges []Edge
}

// RunGraph joins the run's DAG snapshot with stored node state. Nodes that
// have state but are absent from the snapshot are appended after it.
func (s *Service) RunGraph(ctx context.Context, runID string) (RunGraph, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return RunGraph{}, err
	}
	states, err := s.query.ListNodes(ctx, runID)
	if err != nil {
		return RunGraph{}, err
	}
	byID := make(map[string]repo.NodeRecord, len(states))
	for _, st := range states {
		byID[st.NodeID] = st
	}

	var dag domain.DagDefinition
	if len(run.DagJSON) > 0 {
		parsed, err := dagspec.Parse(run.DagJSON)
		if err != nil {
			s.logger.Warn("run snapshot unreadable", "run_id", runID, "error", err)
		} else {
			dag = parsed
		}
	}

	out := RunGraph{Run: run}
	jobs := make(map[string]*domain.JobDefinition)
	seen := make(map[string]struct{}, len(dag.Nodes))
	for _, def := range dag.Nodes {
		node := GraphNode{Definition: def}
		if st, ok := byID[def.ID]; ok {
			node.State = &st
		}
		if def.IsJobBacked() {
			job, err := s.lookupJob(ctx, jobs, def.JobID)
			if err != nil {
				return RunGraph{}, err
			}
			node.Job = job
		}
		for _, dep := range def.DependsOn {
			out.Edges = append(out.Edges, Edge{From: dep, To: def.ID})
		}
		seen[def.ID] = struct{}{}
		out.Nodes = append(out.Nodes, node)
	}
	for _, st := range states {
		if _, ok := seen[st.NodeID]; ok {
			continue
		}
		out.Nodes = append(out.Nodes, GraphNode{Definition: domain.NodeDefinition{ID: st.NodeID}, State: &st})
	}
	return out, nil
}

func (s *Service) lookupJob(ctx context.Context, cache map[string]*domain.JobDefinition, jobID string) (*domain.JobDefinition, error) {
	if job, ok := cache[jobID]; ok {
		return job, nil
	}
	job, err := s.jobs.FindJob(ctx, jobID)
	if errors.Is(err, repo.ErrNotFound) {
		cache[jobID] = nil
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", jobID, err)
	}
	cache[jobID] = &job
	return &job, nil
}
