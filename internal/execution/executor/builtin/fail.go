package builtin

import (
	"context"
	"errors"

	"github.com/animus-labs/jobchain/internal/domain"
	"github.com/animus-labs/jobchain/internal/execution/executor"
)

// Fail always fails. With permanent=true the engine does not retry it.
type Fail struct{}

func (Fail) Type() string { return "fail" }

func (Fail) Execute(ctx context.Context, node *executor.NodeContext, config domain.Metadata) (executor.Result, error) {
	err := errors.New(stringValue(config, "message", "configured to fail"))
	if permanent, _ := config["permanent"].(bool); permanent {
		return executor.Result{}, executor.Permanent(err)
	}
	return executor.Result{}, err
}
