package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/jobchain/internal/domain"
	"github.com/animus-labs/jobchain/internal/repo"
)

type ChainStore struct {
	db DB
}

var _ repo.ChainRepository = (*ChainStore)(nil)

const (
	chainColumns = `chain_id, name, description, enabled, version, dag_json, created_at, updated_at`

	insertChainQuery = `INSERT INTO job_chain_definition (` + chainColumns + `)
	 VALUES ($1, $2, $3, $4, 1, $5, now(), now())
	 RETURNING ` + chainColumns

	updateChainWithVersionQuery = `UPDATE job_chain_definition
	 SET name = $2, description = $3, enabled = $4, dag_json = $5, version = version + 1, updated_at = now()
	 WHERE chain_id = $1 AND version = $6
	 RETURNING ` + chainColumns

	setChainEnabledQuery = `UPDATE job_chain_definition
	 SET enabled = $2, updated_at = now()
	 WHERE chain_id = $1
	 RETURNING ` + chainColumns

	selectChainQuery = `SELECT ` + chainColumns + ` FROM job_chain_definition WHERE chain_id = $1`

	selectChainByNameQuery = `SELECT ` + chainColumns + ` FROM job_chain_definition WHERE name = $1`
)

func NewChainStore(db DB) *ChainStore {
	if db == nil {
		return nil
	}
	return &ChainStore{db: db}
}

func (s *ChainStore) FindChain(ctx context.Context, id string) (domain.ChainDefinition, error) {
	if s == nil || s.db == nil {
		return domain.ChainDefinition{}, fmt.Errorf("chain store not initialized")
	}
	return scanChain(s.db.QueryRowContext(ctx, selectChainQuery, strings.TrimSpace(id)))
}

func (s *ChainStore) FindChainByName(ctx context.Context, name string) (domain.ChainDefinition, error) {
	if s == nil || s.db == nil {
		return domain.ChainDefinition{}, fmt.Errorf("chain store not initialized")
	}
	return scanChain(s.db.QueryRowContext(ctx, selectChainByNameQuery, strings.TrimSpace(name)))
}

func (s *ChainStore) InsertChain(ctx context.Context, chain domain.ChainDefinition) (domain.ChainDefinition, error) {
	if s == nil || s.db == nil {
		return domain.ChainDefinition{}, fmt.Errorf("chain store not initialized")
	}
	if err := chain.Validate(); err != nil {
		return domain.ChainDefinition{}, err
	}
	inserted, err := scanChain(s.db.QueryRowContext(ctx, insertChainQuery,
		chain.ID, chain.Name, chain.Description, chain.Enabled, chain.DagJSON))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ChainDefinition{}, repo.ErrConflict
		}
		return domain.ChainDefinition{}, fmt.Errorf("insert chain: %w", err)
	}
	return inserted, nil
}

func (s *ChainStore) UpdateChainWithVersion(ctx context.Context, chain domain.ChainDefinition, expectedVersion int64) (domain.ChainDefinition, error) {
	if s == nil || s.db == nil {
		return domain.ChainDefinition{}, fmt.Errorf("chain store not initialized")
	}
	if err := chain.Validate(); err != nil {
		return domain.ChainDefinition{}, err
	}
	updated, err := scanChain(s.db.QueryRowContext(ctx, updateChainWithVersionQuery,
		chain.ID, chain.Name, chain.Description, chain.Enabled, chain.DagJSON, expectedVersion))
	if err == nil {
		return updated, nil
	}
	if isUniqueViolation(err) {
		return domain.ChainDefinition{}, repo.ErrConflict
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.ChainDefinition{}, fmt.Errorf("update chain: %w", err)
	}
	if _, findErr := s.FindChain(ctx, chain.ID); findErr != nil {
		return domain.ChainDefinition{}, findErr
	}
	return domain.ChainDefinition{}, repo.ErrConflict
}

func (s *ChainStore) SetChainEnabled(ctx context.Context, id string, enabled bool) (domain.ChainDefinition, error) {
	if s == nil || s.db == nil {
		return domain.ChainDefinition{}, fmt.Errorf("chain store not initialized")
	}
	return scanChain(s.db.QueryRowContext(ctx, setChainEnabledQuery, strings.TrimSpace(id), enabled))
}

func (s *ChainStore) ListChains(ctx context.Context, filter repo.DefinitionFilter) ([]domain.ChainDefinition, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("chain store not initialized")
	}
	clauses, args := filterClauses(filter, make([]any, 0, 4))
	query := `SELECT ` + chainColumns + ` FROM job_chain_definition`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	var suffix string
	suffix, args = pageClause(filter, args)
	query += suffix

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}
	defer rows.Close()

	chains := make([]domain.ChainDefinition, 0)
	for rows.Next() {
		chain, err := scanChain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chain: %w", err)
		}
		chains = append(chains, chain)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}
	return chains, nil
}

func (s *ChainStore) CountChains(ctx context.Context, filter repo.DefinitionFilter) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("chain store not initialized")
	}
	clauses, args := filterClauses(filter, make([]any, 0, 2))
	query := `SELECT count(*) FROM job_chain_definition`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chains: %w", err)
	}
	return n, nil
}

func scanChain(scanner rowScanner) (domain.ChainDefinition, error) {
	var chain domain.ChainDefinition
	var dag []byte
	if err := scanner.Scan(
		&chain.ID,
		&chain.Name,
		&chain.Description,
		&chain.Enabled,
		&chain.Version,
		&dag,
		&chain.CreatedAt,
		&chain.UpdatedAt,
	); err != nil {
		return domain.ChainDefinition{}, handleNotFound(err)
	}
	chain.DagJSON = string(dag)
	chain.CreatedAt = chain.CreatedAt.UTC()
	chain.UpdatedAt = chain.UpdatedAt.UTC()
	return chain, nil
}
