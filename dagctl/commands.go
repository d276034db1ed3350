package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/animus-labs/jobchain/internal/domain"
	"github.com/animus-labs/jobchain/internal/execution/dagspec"
	"github.com/animus-labs/jobchain/internal/execution/engine"
	"github.com/animus-labs/jobchain/internal/execution/executor"
	"github.com/animus-labs/jobchain/internal/execution/executor/builtin"
	"github.com/animus-labs/jobchain/internal/execution/graph"
	"github.com/animus-labs/jobchain/internal/repo"
	"github.com/animus-labs/jobchain/internal/repo/memory"
)

// runUnfinishedError reports a local run that ended in anything but SUCCESS.
type runUnfinishedError struct {
	RunID  string
	Status domain.RunStatus
}

func (e *runUnfinishedError) Error() string {
	return fmt.Sprintf("run %s finished %s", e.RunID, e.Status)
}

func newRootCommand() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:           "dagctl",
		Short:         "Validate, run and submit jobchain DAG files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log engine events to stderr")

	logger := func() *slog.Logger {
		if !verbose {
			return slog.New(slog.DiscardHandler)
		}
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	root.AddCommand(newValidateCommand(), newRunCommand(logger), newSubmitCommand())
	return root
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Parse a DAG file and check its structure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dag, err := readDag(args[0])
			if err != nil {
				return err
			}
			order, err := graph.Order(dag)
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(order))
			for _, n := range order {
				ids = append(ids, n.ID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d nodes\norder: %s\n", len(order), strings.Join(ids, " -> "))
			return nil
		},
	}
}

func newRunCommand(logger func() *slog.Logger) *cobra.Command {
	var (
		runID   string
		asJSON  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Run a DAG locally with the built-in executors",
		Long: "Run a DAG in-process against an in-memory store. Only the built-in\n" +
			"executor types (print, sleep, fail, http) are available and job-backed\n" +
			"nodes are rejected.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dag, err := readDag(args[0])
			if err != nil {
				return err
			}
			if err := graph.Validate(dag); err != nil {
				return err
			}
			if runID == "" {
				runID = uuid.NewString()
			}
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return runLocal(ctx, cmd.OutOrStdout(), logger(), runID, dag, asJSON)
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id (default: random uuid)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print node states as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "stop the run after this long (0 = no limit)")
	return cmd
}

func runLocal(ctx context.Context, out io.Writer, logger *slog.Logger, runID string, dag domain.DagDefinition, asJSON bool) error {
	store := memory.New()
	registry, err := executor.NewRegistry(builtin.All(&http.Client{Timeout: 30 * time.Second})...)
	if err != nil {
		return err
	}
	eng, err := engine.New(engine.Config{Storage: store, Query: store, Registry: registry, Logger: logger})
	if err != nil {
		return err
	}

	status, runErr := eng.Run(ctx, runID, dag)
	nodes, err := store.ListNodes(context.WithoutCancel(ctx), runID)
	if err != nil {
		return err
	}
	if err := printNodes(out, runID, status, nodes, asJSON); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if status != domain.RunStatusSuccess {
		return &runUnfinishedError{RunID: runID, Status: status}
	}
	return nil
}

func printNodes(out io.Writer, runID string, status domain.RunStatus, nodes []repo.NodeRecord, asJSON bool) error {
	if asJSON {
		type nodeView struct {
			NodeID    string          `json:"nodeId"`
			Status    string          `json:"status"`
			Attempt   int             `json:"attempt"`
			LastError string          `json:"lastError,omitempty"`
			Artifact  domain.Metadata `json:"artifact,omitempty"`
		}
		view := struct {
			RunID  string     `json:"runId"`
			Status string     `json:"status"`
			Nodes  []nodeView `json:"nodes"`
		}{RunID: runID, Status: string(status), Nodes: make([]nodeView, 0, len(nodes))}
		for _, n := range nodes {
			view.Nodes = append(view.Nodes, nodeView{NodeID: n.NodeID, Status: string(n.Status), Attempt: n.Attempt, LastError: n.LastError, Artifact: n.Artifact})
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}

	fmt.Fprintf(out, "run %s: %s\n", runID, status)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tSTATUS\tATTEMPT\tERROR")
	for _, n := range nodes {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", n.NodeID, n.Status, n.Attempt, n.LastError)
	}
	return tw.Flush()
}

func readDag(path string) (domain.DagDefinition, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return domain.DagDefinition{}, fmt.Errorf("read %s: %w", path, err)
	}
	return dagspec.Parse(raw)
}
