package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/animus-labs/jobchain/internal/domain"
	"github.com/animus-labs/jobchain/internal/repo"
)

type JobStore struct {
	db DB
}

var _ repo.JobRepository = (*JobStore)(nil)

const (
	jobColumns = `job_id, name, description, type, enabled, config_json, created_at, updated_at`

	insertJobQuery = `INSERT INTO job_definition (` + jobColumns + `)
	 VALUES ($1, $2, $3, $4, $5, $6, now(), now())
	 RETURNING ` + jobColumns

	updateJobQuery = `UPDATE job_definition
	 SET name = $2, description = $3, type = $4, enabled = $5, config_json = $6, updated_at = now()
	 WHERE job_id = $1
	 RETURNING ` + jobColumns

	selectJobQuery = `SELECT ` + jobColumns + ` FROM job_definition WHERE job_id = $1`

	deleteJobQuery = `DELETE FROM job_definition WHERE job_id = $1`
)

func NewJobStore(db DB) *JobStore {
	if db == nil {
		return nil
	}
	return &JobStore{db: db}
}

func (s *JobStore) FindJob(ctx context.Context, id string) (domain.JobDefinition, error) {
	if s == nil || s.db == nil {
		return domain.JobDefinition{}, fmt.Errorf("job store not initialized")
	}
	return scanJob(s.db.QueryRowContext(ctx, selectJobQuery, strings.TrimSpace(id)))
}

func (s *JobStore) InsertJob(ctx context.Context, job domain.JobDefinition) (domain.JobDefinition, error) {
	if s == nil || s.db == nil {
		return domain.JobDefinition{}, fmt.Errorf("job store not initialized")
	}
	if err := job.Validate(); err != nil {
		return domain.JobDefinition{}, err
	}
	inserted, err := scanJob(s.db.QueryRowContext(ctx, insertJobQuery,
		job.ID, job.Name, job.Description, job.Type, job.Enabled, job.ConfigJSON))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.JobDefinition{}, repo.ErrConflict
		}
		return domain.JobDefinition{}, fmt.Errorf("insert job: %w", err)
	}
	return inserted, nil
}

func (s *JobStore) UpdateJob(ctx context.Context, job domain.JobDefinition) (domain.JobDefinition, error) {
	if s == nil || s.db == nil {
		return domain.JobDefinition{}, fmt.Errorf("job store not initialized")
	}
	if err := job.Validate(); err != nil {
		return domain.JobDefinition{}, err
	}
	updated, err := scanJob(s.db.QueryRowContext(ctx, updateJobQuery,
		job.ID, job.Name, job.Description, job.Type, job.Enabled, job.ConfigJSON))
	if err != nil {
		return domain.JobDefinition{}, err
	}
	return updated, nil
}

func (s *JobStore) DeleteJob(ctx context.Context, id string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("job store not initialized")
	}
	res, err := s.db.ExecContext(ctx, deleteJobQuery, strings.TrimSpace(id))
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	return n > 0, nil
}

func (s *JobStore) ListJobs(ctx context.Context, filter repo.DefinitionFilter) ([]domain.JobDefinition, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("job store not initialized")
	}
	clauses, args := filterClauses(filter, make([]any, 0, 4))
	query := `SELECT ` + jobColumns + ` FROM job_definition`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	var suffix string
	suffix, args = pageClause(filter, args)
	query += suffix

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.JobDefinition, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (s *JobStore) CountJobs(ctx context.Context, filter repo.DefinitionFilter) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("job store not initialized")
	}
	clauses, args := filterClauses(filter, make([]any, 0, 2))
	query := `SELECT count(*) FROM job_definition`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func scanJob(scanner rowScanner) (domain.JobDefinition, error) {
	var job domain.JobDefinition
	if err := scanner.Scan(
		&job.ID,
		&job.Name,
		&job.Description,
		&job.Type,
		&job.Enabled,
		&job.ConfigJSON,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return domain.JobDefinition{}, handleNotFound(err)
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}
