package builtin

import (
	"context"

	"github.com/animus-labs/jobchain/internal/domain"
	"github.com/animus-labs/jobchain/internal/execution/executor"
)

// Print logs its config and hands it back unchanged as the artifact.
type Print struct{}

func (Print) Type() string { return "print" }

func (Print) Execute(ctx context.Context, node *executor.NodeContext, config domain.Metadata) (executor.Result, error) {
	if node != nil {
		node.Logger.Info("print", "cfg", map[string]any(config))
	}
	return executor.Result{Artifact: config.Clone()}, nil
}
