package builtin

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/jobchain/internal/domain"
	"github.com/animus-labs/jobchain/internal/execution/executor"
)

// Sleep waits durationMs. A cancelled attempt checkpoints how long it already
// waited so the next attempt only waits the remainder.
type Sleep struct{}

func (Sleep) Type() string { return "sleep" }

func (Sleep) Execute(ctx context.Context, node *executor.NodeContext, config domain.Metadata) (executor.Result, error) {
	total, err := int64Value(config, "durationMs", 0)
	if err != nil {
		return executor.Result{}, executor.Permanent(err)
	}
	if total < 0 {
		return executor.Result{}, executor.Permanent(errors.New("durationMs must be >= 0"))
	}

	var done int64
	if cp, ok, err := node.LoadCheckpoint(ctx); err != nil {
		return executor.Result{}, err
	} else if ok {
		if done, err = int64Value(cp, "elapsedMs", 0); err != nil {
			done = 0
		}
	}
	remaining := total - done
	if remaining < 0 {
		remaining = 0
	}

	started := time.Now()
	timer := time.NewTimer(time.Duration(remaining) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		elapsed := done + time.Since(started).Milliseconds()
		if err := node.SaveCheckpoint(context.WithoutCancel(ctx), domain.Metadata{"elapsedMs": elapsed}); err != nil {
			return executor.Result{}, errors.Join(ctx.Err(), err)
		}
		return executor.Result{}, ctx.Err()
	}
	return executor.Result{
		Artifact:   domain.Metadata{"sleptMs": total, "resumedAtMs": done},
		Checkpoint: domain.Metadata{"elapsedMs": total},
	}, nil
}
