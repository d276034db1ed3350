package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/animus-labs/jobchain/internal/execution/graph"
)

type submitOptions struct {
	server       string
	runID        string
	tokenURL     string
	clientID     string
	clientSecret string
	scopes       []string
	timeout      time.Duration
}

func newSubmitCommand() *cobra.Command {
	opts := submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit FILE",
		Short: "Submit a DAG to a jobchain API server",
		Long: "Submit a DAG to POST /api/v1/runs. When --token-url is set the request\n" +
			"carries an OAuth2 client-credentials bearer token. The client secret is\n" +
			"read from DAGCTL_CLIENT_SECRET when --client-secret is empty.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dag, err := readDag(args[0])
			if err != nil {
				return err
			}
			if err := graph.Validate(dag); err != nil {
				return err
			}
			if opts.clientSecret == "" {
				opts.clientSecret = os.Getenv("DAGCTL_CLIENT_SECRET")
			}
			body, err := json.Marshal(map[string]any{"runId": opts.runID, "dag": dag})
			if err != nil {
				return err
			}
			runID, err := submit(cmd.Context(), opts, body)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), runID)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:8080", "jobchain API base URL")
	cmd.Flags().StringVar(&opts.runID, "run-id", "", "run id (default: assigned by the server)")
	cmd.Flags().StringVar(&opts.tokenURL, "token-url", "", "OAuth2 token endpoint for client credentials")
	cmd.Flags().StringVar(&opts.clientID, "client-id", "", "OAuth2 client id")
	cmd.Flags().StringVar(&opts.clientSecret, "client-secret", "", "OAuth2 client secret")
	cmd.Flags().StringSliceVar(&opts.scopes, "scope", nil, "OAuth2 scope (repeatable)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	return cmd
}

func (o submitOptions) httpClient(ctx context.Context) (*http.Client, error) {
	if o.tokenURL == "" {
		return &http.Client{Timeout: o.timeout}, nil
	}
	if o.clientID == "" || o.clientSecret == "" {
		return nil, errors.New("--client-id and a client secret are required with --token-url")
	}
	cc := clientcredentials.Config{
		ClientID:     o.clientID,
		ClientSecret: o.clientSecret,
		TokenURL:     o.tokenURL,
		Scopes:       o.scopes,
	}
	client := cc.Client(ctx)
	client.Timeout = o.timeout
	return client, nil
}

func submit(ctx context.Context, opts submitOptions, body []byte) (string, error) {
	client, err := opts.httpClient(ctx)
	if err != nil {
		return "", err
	}
	url := strings.TrimRight(opts.server, "/") + "/api/v1/runs"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		var apiErr struct {
			Error     string `json:"error"`
			RequestID string `json:"request_id"`
			Details   any    `json:"details"`
		}
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Error != "" {
			if apiErr.Details != nil {
				return "", fmt.Errorf("server rejected run: %d %s: %v (request %s)", resp.StatusCode, apiErr.Error, apiErr.Details, apiErr.RequestID)
			}
			return "", fmt.Errorf("server rejected run: %d %s (request %s)", resp.StatusCode, apiErr.Error, apiErr.RequestID)
		}
		return "", fmt.Errorf("server rejected run: %d", resp.StatusCode)
	}
	var accepted struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal(payload, &accepted); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return accepted.RunID, nil
}
