package definitions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/jobchain/internal/domain"
	"github.com/animus-labs/jobchain/internal/execution/dagspec"
	"github.com/animus-labs/jobchain/internal/repo"
)

var ErrNameTaken = errors.New("chain name already exists")

type ChainInput struct {
	Name        string
	Description string
	// Dag is JSON or YAML. It is stored in canonical JSON form.
	Dag     string
	Enabled *bool
}

func (s *Service) CreateChain(ctx context.Context, in ChainInput) (domain.ChainDefinition, error) {
	snapshot, err := validateChain(in)
	if err != nil {
		return domain.ChainDefinition{}, err
	}
	name := strings.TrimSpace(in.Name)
	if _, err := s.chains.FindChainByName(ctx, name); err == nil {
		return domain.ChainDefinition{}, fmt.Errorf("%w: %s", ErrNameTaken, name)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.ChainDefinition{}, err
	}

	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	chain, err := s.chains.InsertChain(ctx, domain.ChainDefinition{
		ID:          s.newID(),
		Name:        name,
		Description: in.Description,
		Enabled:     enabled,
		DagJSON:     snapshot,
	})
	if errors.Is(err, repo.ErrConflict) {
		return domain.ChainDefinition{}, fmt.Errorf("%w: %s", ErrNameTaken, name)
	}
	if err != nil {
		return domain.ChainDefinition{}, fmt.Errorf("insert chain: %w", err)
	}
	s.logger.Info("chain created", "chain_id", chain.ID, "name", chain.Name)
	return chain, nil
}

// UpdateChain applies an optimistic update. A stale expectedVersion yields
// repo.ErrConflict; enabled is left as is.
func (s *Service) UpdateChain(ctx context.Context, id string, in ChainInput, expectedVersion int64) (domain.ChainDefinition, error) {
	snapshot, err := validateChain(in)
	if err != nil {
		return domain.ChainDefinition{}, err
	}
	name := strings.TrimSpace(in.Name)
	if existing, err := s.chains.FindChainByName(ctx, name); err == nil && existing.ID != id {
		return domain.ChainDefinition{}, fmt.Errorf("%w: %s", ErrNameTaken, name)
	} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.ChainDefinition{}, err
	}

	current, err := s.GetChain(ctx, id)
	if err != nil {
		return domain.ChainDefinition{}, err
	}
	next := current
	next.Name = name
	next.Description = in.Description
	next.DagJSON = snapshot
	updated, err := s.chains.UpdateChainWithVersion(ctx, next, expectedVersion)
	if errors.Is(err, repo.ErrConflict) {
		return domain.ChainDefinition{}, fmt.Errorf("chain %s version conflict (expected %d): %w", id, expectedVersion, err)
	}
	if err != nil {
		return domain.ChainDefinition{}, notFound("chain", id, err)
	}
	s.logger.Info("chain updated", "chain_id", id, "version", updated.Version)
	return updated, nil
}

func (s *Service) GetChain(ctx context.Context, id string) (domain.ChainDefinition, error) {
	chain, err := s.chains.FindChain(ctx, id)
	if err != nil {
		return domain.ChainDefinition{}, notFound("chain", id, err)
	}
	return chain, nil
}

func (s *Service) ListChains(ctx context.Context, req PageRequest) (Page[domain.ChainDefinition], error) {
	return listPage(ctx, req, s.chains.ListChains, s.chains.CountChains)
}

func (s *Service) EnableChain(ctx context.Context, id string) (domain.ChainDefinition, error) {
	chain, err := s.chains.SetChainEnabled(ctx, id, true)
	return chain, notFound("chain", id, err)
}

func (s *Service) DisableChain(ctx context.Context, id string) (domain.ChainDefinition, error) {
	chain, err := s.chains.SetChainEnabled(ctx, id, false)
	return chain, notFound("chain", id, err)
}

type ChainGraphNode struct {
	Definition domain.NodeDefinition
	// Job is nil for inline nodes and for references to deleted jobs.
	Job *domain.JobDefinition
}

// ChainEdge points from a dependency to its dependent.
type ChainEdge struct {
	From string
	To   string
}

type ChainGraph struct {
	Chain domain.ChainDefinition
	Nodes []ChainGraphNode
	Edges []ChainEdge
}

func (s *Service) ChainGraph(ctx context.Context, id string) (ChainGraph, error) {
	chain, err := s.GetChain(ctx, id)
	if err != nil {
		return ChainGraph{}, err
	}
	dag, err := dagspec.Parse([]byte(chain.DagJSON))
	if err != nil {
		return ChainGraph{}, fmt.Errorf("chain %s dag: %w", id, err)
	}

	out := ChainGraph{Chain: chain}
	jobs := make(map[string]*domain.JobDefinition)
	for _, def := range dag.Nodes {
		node := ChainGraphNode{Definition: def}
		if def.IsJobBacked() {
			job, ok := jobs[def.JobID]
			if !ok {
				found, err := s.jobs.FindJob(ctx, def.JobID)
				switch {
				case err == nil:
					job = &found
				case !errors.Is(err, repo.ErrNotFound):
					return ChainGraph{}, fmt.Errorf("job %s: %w", def.JobID, err)
				}
				jobs[def.JobID] = job
			}
			node.Job = job
		}
		for _, dep := range def.DependsOn {
			out.Edges = append(out.Edges, ChainEdge{From: dep, To: def.ID})
		}
		out.Nodes = append(out.Nodes, node)
	}
	return out, nil
}

func validateChain(in ChainInput) (string, error) {
	issues := &ValidationError{}
	if strings.TrimSpace(in.Name) == "" {
		issues.Add("name is required")
	}
	var snapshot string
	if strings.TrimSpace(in.Dag) == "" {
		issues.Add("dag is required")
	} else if dag, err := dagspec.ParseAndValidate([]byte(in.Dag)); err != nil {
		issues.Add(fmt.Sprintf("dag invalid: %s", err.Error()))
	} else if raw, err := dagspec.Marshal(dag); err != nil {
		issues.Add(fmt.Sprintf("dag invalid: %s", err.Error()))
	} else {
		snapshot = string(raw)
	}
	if err := issues.OrNil(); err != nil {
		return "", err
	}
	return snapshot, nil
}
