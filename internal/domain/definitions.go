package domain

import (
	"errors"
	"strings"
	"time"
)

// JobDefinition is a reusable (type, config) pairing that nodes may reference by id.
type JobDefinition struct {
	ID          string
	Name        string
	Description string
	Type        string
	Enabled     bool
	ConfigJSON  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (j JobDefinition) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(j.Name) == "" {
		return errors.New("job name is required")
	}
	if strings.TrimSpace(j.Type) == "" {
		return errors.New("job type is required")
	}
	return nil
}

// ChainDefinition is a named, versioned DAG that can be started as a run.
type ChainDefinition struct {
	ID          string
	Name        string
	Description string
	Enabled     bool
	Version     int64
	DagJSON     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (c ChainDefinition) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("chain id is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("chain name is required")
	}
	if strings.TrimSpace(c.DagJSON) == "" {
		return errors.New("chain dag is required")
	}
	return nil
}
