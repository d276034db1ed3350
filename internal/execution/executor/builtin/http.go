package builtin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/animus-labs/jobchain/internal/domain"
	"github.com/animus-labs/jobchain/internal/execution/executor"
)

const maxHTTPBody = 1 << 20

// StatusError reports an HTTP response other than the expected one.
type StatusError struct {
	Want int
	Got  int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d (want %d)", e.Got, e.Want)
}

func (e *StatusError) Category() string { return "UnexpectedStatus" }

// HTTP calls url with method and succeeds when the response has expectStatus.
type HTTP struct {
	client *http.Client
}

func NewHTTP(client *http.Client) HTTP {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return HTTP{client: client}
}

func (HTTP) Type() string { return "http" }

func (h HTTP) Execute(ctx context.Context, node *executor.NodeContext, config domain.Metadata) (executor.Result, error) {
	url := stringValue(config, "url", "")
	if url == "" {
		return executor.Result{}, executor.Permanent(errors.New("url is required"))
	}
	method := strings.ToUpper(stringValue(config, "method", http.MethodGet))
	want, err := int64Value(config, "expectStatus", http.StatusOK)
	if err != nil {
		return executor.Result{}, executor.Permanent(err)
	}

	var body io.Reader
	if payload := stringValue(config, "body", ""); payload != "" {
		body = strings.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return executor.Result{}, executor.Permanent(fmt.Errorf("build request: %w", err))
	}
	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	client := h.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return executor.Result{}, err
	}
	defer resp.Body.Close()
	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return executor.Result{}, fmt.Errorf("read response: %w", err)
	}
	if int64(resp.StatusCode) != want {
		return executor.Result{}, &StatusError{Want: int(want), Got: resp.StatusCode}
	}
	return executor.Result{Artifact: domain.Metadata{
		"statusCode": resp.StatusCode,
		"bytes":      n,
	}}, nil
}
