// Command dagctl validates DAG files, runs them locally, and submits them to
// a jobchain API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

const (
	exitOK       = 0
	exitError    = 1
	exitRunError = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var unfinished *runUnfinishedError
		if errors.As(err, &unfinished) {
			stop()
			os.Exit(exitRunError)
		}
		stop()
		os.Exit(exitError)
	}
	os.Exit(exitOK)
}
