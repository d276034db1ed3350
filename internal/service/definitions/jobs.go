package definitions

import (
	"context"
	"fmt"
	"strings"

	"github.com/animus-labs/jobchain/internal/domain"
	"github.com/animus-labs/jobchain/internal/execution/jobexec"
)

type JobInput struct {
	Name        string
	Description string
	Type        string
	ConfigJSON  string
	// Enabled defaults to true on create and to the current value on update.
	Enabled *bool
}

func (s *Service) CreateJob(ctx context.Context, in JobInput) (domain.JobDefinition, error) {
	config := strings.TrimSpace(in.ConfigJSON)
	if config == "" {
		config = "{}"
	}
	if err := validateJob(in.Name, in.Type, config); err != nil {
		return domain.JobDefinition{}, err
	}
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	job, err := s.jobs.InsertJob(ctx, domain.JobDefinition{
		ID:          s.newID(),
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		Type:        strings.TrimSpace(in.Type),
		Enabled:     enabled,
		ConfigJSON:  config,
	})
	if err != nil {
		return domain.JobDefinition{}, fmt.Errorf("insert job: %w", err)
	}
	s.logger.Info("job created", "job_id", job.ID, "name", job.Name, "type", job.Type)
	return job, nil
}

// UpdateJob replaces name, description and type. A blank config keeps the
// current one.
func (s *Service) UpdateJob(ctx context.Context, id string, in JobInput) (domain.JobDefinition, error) {
	current, err := s.GetJob(ctx, id)
	if err != nil {
		return domain.JobDefinition{}, err
	}
	config := strings.TrimSpace(in.ConfigJSON)
	if config == "" {
		config = current.ConfigJSON
	}
	if err := validateJob(in.Name, in.Type, config); err != nil {
		return domain.JobDefinition{}, err
	}
	enabled := current.Enabled
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	next := current
	next.Name = strings.TrimSpace(in.Name)
	next.Description = in.Description
	next.Type = strings.TrimSpace(in.Type)
	next.ConfigJSON = config
	next.Enabled = enabled
	updated, err := s.jobs.UpdateJob(ctx, next)
	if err != nil {
		return domain.JobDefinition{}, notFound("job", id, err)
	}
	return updated, nil
}

func (s *Service) GetJob(ctx context.Context, id string) (domain.JobDefinition, error) {
	job, err := s.jobs.FindJob(ctx, id)
	if err != nil {
		return domain.JobDefinition{}, notFound("job", id, err)
	}
	return job, nil
}

// DeleteJob reports whether a job was removed.
func (s *Service) DeleteJob(ctx context.Context, id string) (bool, error) {
	return s.jobs.DeleteJob(ctx, id)
}

func (s *Service) ListJobs(ctx context.Context, req PageRequest) (Page[domain.JobDefinition], error) {
	return listPage(ctx, req, s.jobs.ListJobs, s.jobs.CountJobs)
}

func (s *Service) EnableJob(ctx context.Context, id string) (domain.JobDefinition, error) {
	return s.setJobEnabled(ctx, id, true)
}

func (s *Service) DisableJob(ctx context.Context, id string) (domain.JobDefinition, error) {
	return s.setJobEnabled(ctx, id, false)
}

func (s *Service) setJobEnabled(ctx context.Context, id string, enabled bool) (domain.JobDefinition, error) {
	current, err := s.GetJob(ctx, id)
	if err != nil {
		return domain.JobDefinition{}, err
	}
	if current.Enabled == enabled {
		return current, nil
	}
	current.Enabled = enabled
	updated, err := s.jobs.UpdateJob(ctx, current)
	if err != nil {
		return domain.JobDefinition{}, notFound("job", id, err)
	}
	s.logger.Info("job enabled changed", "job_id", id, "enabled", enabled)
	return updated, nil
}

func validateJob(name, typ, config string) error {
	issues := &ValidationError{}
	if strings.TrimSpace(name) == "" {
		issues.Add("name is required")
	}
	if strings.TrimSpace(typ) == "" {
		issues.Add("type is required")
	}
	if _, err := jobexec.ParseConfig(config); err != nil {
		issues.Add(fmt.Sprintf("configJson invalid: %s", err.Error()))
	}
	return issues.OrNil()
}
