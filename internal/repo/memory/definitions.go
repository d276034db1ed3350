package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/animus-labs/jobchain/internal/domain"
	"github.com/animus-labs/jobchain/internal/repo"
)

func (s *Store) FindJob(ctx context.Context, id string) (domain.JobDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.JobDefinition{}, repo.ErrNotFound
	}
	return job, nil
}

func (s *Store) InsertJob(ctx context.Context, job domain.JobDefinition) (domain.JobDefinition, error) {
	if err := job.Validate(); err != nil {
		return domain.JobDefinition{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return domain.JobDefinition{}, repo.ErrConflict
	}
	now := s.now()
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = job
	return job, nil
}

func (s *Store) UpdateJob(ctx context.Context, job domain.JobDefinition) (domain.JobDefinition, error) {
	if err := job.Validate(); err != nil {
		return domain.JobDefinition{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[job.ID]
	if !ok {
		return domain.JobDefinition{}, repo.ErrNotFound
	}
	job.CreatedAt = current.CreatedAt
	job.UpdatedAt = s.now()
	s.jobs[job.ID] = job
	return job, nil
}

func (s *Store) DeleteJob(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false, nil
	}
	delete(s.jobs, id)
	return true, nil
}

func (s *Store) ListJobs(ctx context.Context, filter repo.DefinitionFilter) ([]domain.JobDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]domain.JobDefinition, 0, len(s.jobs))
	for _, job := range s.jobs {
		if matchesFilter(filter, job.Name, job.Enabled) {
			matched = append(matched, job)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return newerFirst(matched[i].UpdatedAt.UnixNano(), matched[j].UpdatedAt.UnixNano(),
			matched[i].CreatedAt.UnixNano(), matched[j].CreatedAt.UnixNano(), matched[i].ID, matched[j].ID)
	})
	return page(matched, filter), nil
}

func (s *Store) CountJobs(ctx context.Context, filter repo.DefinitionFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, job := range s.jobs {
		if matchesFilter(filter, job.Name, job.Enabled) {
			n++
		}
	}
	return n, nil
}

func (s *Store) FindChain(ctx context.Context, id string) (domain.ChainDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain, ok := s.chains[id]
	if !ok {
		return domain.ChainDefinition{}, repo.ErrNotFound
	}
	return chain, nil
}

func (s *Store) FindChainByName(ctx context.Context, name string) (domain.ChainDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, chain := range s.chains {
		if chain.Name == name {
			return chain, nil
		}
	}
	return domain.ChainDefinition{}, repo.ErrNotFound
}

func (s *Store) InsertChain(ctx context.Context, chain domain.ChainDefinition) (domain.ChainDefinition, error) {
	if err := chain.Validate(); err != nil {
		return domain.ChainDefinition{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chains[chain.ID]; ok {
		return domain.ChainDefinition{}, repo.ErrConflict
	}
	for _, existing := range s.chains {
		if existing.Name == chain.Name {
			return domain.ChainDefinition{}, repo.ErrConflict
		}
	}
	now := s.now()
	chain.Version = 1
	chain.CreatedAt = now
	chain.UpdatedAt = now
	s.chains[chain.ID] = chain
	return chain, nil
}

func (s *Store) UpdateChainWithVersion(ctx context.Context, chain domain.ChainDefinition, expectedVersion int64) (domain.ChainDefinition, error) {
	if err := chain.Validate(); err != nil {
		return domain.ChainDefinition{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.chains[chain.ID]
	if !ok {
		return domain.ChainDefinition{}, repo.ErrNotFound
	}
	if current.Version != expectedVersion {
		return domain.ChainDefinition{}, repo.ErrConflict
	}
	for id, existing := range s.chains {
		if id != chain.ID && existing.Name == chain.Name {
			return domain.ChainDefinition{}, repo.ErrConflict
		}
	}
	chain.Version = current.Version + 1
	chain.CreatedAt = current.CreatedAt
	chain.UpdatedAt = s.now()
	s.chains[chain.ID] = chain
	return chain, nil
}

func (s *Store) SetChainEnabled(ctx context.Context, id string, enabled bool) (domain.ChainDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain, ok := s.chains[id]
	if !ok {
		return domain.ChainDefinition{}, repo.ErrNotFound
	}
	chain.Enabled = enabled
	chain.UpdatedAt = s.now()
	s.chains[id] = chain
	return chain, nil
}

func (s *Store) ListChains(ctx context.Context, filter repo.DefinitionFilter) ([]domain.ChainDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]domain.ChainDefinition, 0, len(s.chains))
	for _, chain := range s.chains {
		if matchesFilter(filter, chain.Name, chain.Enabled) {
			matched = append(matched, chain)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return newerFirst(matched[i].UpdatedAt.UnixNano(), matched[j].UpdatedAt.UnixNano(),
			matched[i].CreatedAt.UnixNano(), matched[j].CreatedAt.UnixNano(), matched[i].ID, matched[j].ID)
	})
	return page(matched, filter), nil
}

func (s *Store) CountChains(ctx context.Context, filter repo.DefinitionFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, chain := range s.chains {
		if matchesFilter(filter, chain.Name, chain.Enabled) {
			n++
		}
	}
	return n, nil
}

func matchesFilter(filter repo.DefinitionFilter, name string, enabled bool) bool {
	if filter.Enabled != nil && *filter.Enabled != enabled {
		return false
	}
	keyword := strings.ToLower(strings.TrimSpace(filter.Keyword))
	return keyword == "" || strings.Contains(strings.ToLower(name), keyword)
}

func newerFirst(updatedA, updatedB, createdA, createdB int64, idA, idB string) bool {
	if updatedA != updatedB {
		return updatedA > updatedB
	}
	if createdA != createdB {
		return createdA > createdB
	}
	return idA < idB
}

func page[T any](items []T, filter repo.DefinitionFilter) []T {
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if filter.Limit > 0 && offset+filter.Limit < end {
		end = offset + filter.Limit
	}
	return items[offset:end]
}
