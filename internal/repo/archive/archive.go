// Package archive mirrors saved node artifacts to long-term object storage.
package archive

import (
	"context"
	"log/slog"

	"github.com/animus-labs/jobchain/internal/domain"
	"github.com/animus-labs/jobchain/internal/repo"
)

type Archiver interface {
	Put(ctx context.Context, runID, nodeID string, artifact domain.Metadata) (string, error)
}

// Storage decorates a RunStorage. The database row stays authoritative; an
// archive failure is logged and does not fail the node.
type Storage struct {
	repo.RunStorage
	archiver Archiver
	logger   *slog.Logger
}

func NewStorage(inner repo.RunStorage, archiver Archiver, logger *slog.Logger) *Storage {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Storage{RunStorage: inner, archiver: archiver, logger: logger}
}

func (s *Storage) SaveArtifact(ctx context.Context, runID, nodeID string, artifact domain.Metadata) error {
	if err := s.RunStorage.SaveArtifact(ctx, runID, nodeID, artifact); err != nil {
		return err
	}
	key, err := s.archiver.Put(ctx, runID, nodeID, artifact)
	if err != nil {
		s.logger.Warn("artifact archive failed", "run_id", runID, "node_id", nodeID, "error", err)
		return nil
	}
	s.logger.Debug("artifact archived", "run_id", runID, "node_id", nodeID, "key", key)
	return nil
}
