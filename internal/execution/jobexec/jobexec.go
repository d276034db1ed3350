// Package jobexec resolves nodes that reference a reusable job definition
// instead of carrying their own type and config.
package jobexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/jobchain/internal/domain"
	"github.com/animus-labs/jobchain/internal/execution/executor"
	"github.com/animus-labs/jobchain/internal/repo"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrJobDisabled      = errors.New("job is disabled")
	ErrInvalidJobConfig = errors.New("invalid job config")
	ErrJobExecution     = errors.New("job execution failed")
)

// ResolutionError carries the job identity alongside the failure kind.
type ResolutionError struct {
	Kind  error
	JobID string
	Type  string
	Err   error
}

func (e *ResolutionError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	b.WriteString(": jobId=")
	b.WriteString(e.JobID)
	if e.Type != "" {
		b.WriteString(", type=")
		b.WriteString(e.Type)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ResolutionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func (e *ResolutionError) Category() string {
	switch e.Kind {
	case ErrJobNotFound:
		return "JobNotFound"
	case ErrJobDisabled:
		return "JobDisabled"
	case ErrInvalidJobConfig:
		return "InvalidJobConfig"
	default:
		return "JobExecutionFailed"
	}
}

// JobFinder is the job-definition lookup port.
type JobFinder interface {
	FindJob(ctx context.Context, id string) (domain.JobDefinition, error)
}

type Resolver struct {
	jobs     JobFinder
	registry *executor.Registry
}

func NewResolver(jobs JobFinder, registry *executor.Registry) (*Resolver, error) {
	if jobs == nil {
		return nil, errors.New("job finder is required")
	}
	if registry == nil {
		return nil, errors.New("executor registry is required")
	}
	return &Resolver{jobs: jobs, registry: registry}, nil
}

// Resolve returns the executor and parsed config a job-backed node should run with.
// Lookup, enablement and config errors are permanent: retrying cannot fix them.
func (r *Resolver) Resolve(ctx context.Context, jobID string) (executor.NodeExecutor, domain.Metadata, domain.JobDefinition, error) {
	jobID = strings.TrimSpace(jobID)
	job, err := r.jobs.FindJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil, domain.JobDefinition{}, executor.Permanent(&ResolutionError{Kind: ErrJobNotFound, JobID: jobID})
		}
		return nil, nil, domain.JobDefinition{}, fmt.Errorf("find job %s: %w", jobID, err)
	}
	if !job.Enabled {
		return nil, nil, job, executor.Permanent(&ResolutionError{Kind: ErrJobDisabled, JobID: jobID, Type: job.Type})
	}
	cfg, err := ParseConfig(job.ConfigJSON)
	if err != nil {
		return nil, nil, job, executor.Permanent(&ResolutionError{Kind: ErrInvalidJobConfig, JobID: jobID, Type: job.Type, Err: err})
	}
	ex, err := r.registry.Resolve(job.Type)
	if err != nil {
		return nil, nil, job, executor.Permanent(fmt.Errorf("job %s: %w", jobID, err))
	}
	return ex, cfg, job, nil
}

// ResolveAndExecute runs the referenced job once. It never retries on its own.
func (r *Resolver) ResolveAndExecute(ctx context.Context, node *executor.NodeContext, jobID string) (executor.Result, error) {
	ex, cfg, job, err := r.Resolve(ctx, jobID)
	if err != nil {
		return executor.Result{}, err
	}
	result, err := ex.Execute(ctx, node, cfg)
	if err != nil {
		return executor.Result{}, &ResolutionError{Kind: ErrJobExecution, JobID: job.ID, Type: job.Type, Err: err}
	}
	return result, nil
}

// ParseConfig decodes a job's stored config. Blank input yields an empty map.
func ParseConfig(raw string) (domain.Metadata, error) {
	if strings.TrimSpace(raw) == "" {
		return domain.Metadata{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("config must be a JSON object")
	}
	return domain.Metadata(out), nil
}
