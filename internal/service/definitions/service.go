// Package definitions manages job and chain definitions.
package definitions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/animus-labs/jobchain/internal/repo"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

type Service struct {
	jobs   repo.JobRepository
	chains repo.ChainRepository
	logger *slog.Logger
	newID  func() string
}

func New(jobs repo.JobRepository, chains repo.ChainRepository, logger *slog.Logger) (*Service, error) {
	if jobs == nil || chains == nil {
		return nil, errors.New("job and chain repositories are required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{jobs: jobs, chains: chains, logger: logger, newID: uuid.NewString}, nil
}

// PageRequest is 1-based. Out of range values are clamped, not rejected.
type PageRequest struct {
	Page    int
	Size    int
	Keyword string
	Enabled *bool
}

type Page[T any] struct {
	Page  int
	Size  int
	Total int64
	Items []T
}

func (p PageRequest) filter() (repo.DefinitionFilter, int, int) {
	page := max(p.Page, 1)
	size := p.Size
	if size == 0 {
		size = DefaultPageSize
	}
	size = min(max(size, 1), MaxPageSize)
	return repo.DefinitionFilter{
		Keyword: strings.TrimSpace(p.Keyword),
		Enabled: p.Enabled,
		Offset:  (page - 1) * size,
		Limit:   size,
	}, page, size
}

func listPage[T any](
	ctx context.Context,
	req PageRequest,
	list func(context.Context, repo.DefinitionFilter) ([]T, error),
	count func(context.Context, repo.DefinitionFilter) (int64, error),
) (Page[T], error) {
	filter, page, size := req.filter()
	items, err := list(ctx, filter)
	if err != nil {
		return Page[T]{}, err
	}
	total, err := count(ctx, filter)
	if err != nil {
		return Page[T]{}, err
	}
	if items == nil {
		items = []T{}
	}
	return Page[T]{Page: page, Size: size, Total: total, Items: items}, nil
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%s not found: %s: %w", kind, id, err)
	}
	return err
}
