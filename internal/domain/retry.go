package domain

import (
	"encoding/json"
	"math"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxAttempts       = 3
	DefaultBackoffMillis     = 1000
	DefaultBackoffMultiplier = 2.0
)

// RetryPolicy bounds how often a node is attempted and how long to wait between attempts.
//
// delay(attempt) = BackoffMillis * BackoffMultiplier^(attempt-1), attempt counted from 1.
type RetryPolicy struct {
	MaxAttempts       int     `json:"maxAttempts" yaml:"maxAttempts"`
	BackoffMillis     int64   `json:"backoffMillis" yaml:"backoffMillis"`
	BackoffMultiplier float64 `json:"backoffMultiplier" yaml:"backoffMultiplier"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       DefaultMaxAttempts,
		BackoffMillis:     DefaultBackoffMillis,
		BackoffMultiplier: DefaultBackoffMultiplier,
	}
}

// AttemptBudget is the total number of executions allowed, never below 1.
func (p RetryPolicy) AttemptBudget() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// DelayForAttempt returns the backoff to wait after the given failed attempt.
// Attempts below 1 are treated as 1.
func (p RetryPolicy) DelayForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.BackoffMillis <= 0 {
		return 0
	}
	millis := float64(p.BackoffMillis) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if math.IsNaN(millis) || millis <= 0 {
		return 0
	}
	if millis >= float64(math.MaxInt64/int64(time.Millisecond)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(millis * float64(time.Millisecond))
}

// UnmarshalJSON fills fields absent from the payload with the defaults.
func (p *RetryPolicy) UnmarshalJSON(data []byte) error {
	type alias RetryPolicy
	out := alias(DefaultRetryPolicy())
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*p = RetryPolicy(out)
	return nil
}

func (p *RetryPolicy) UnmarshalYAML(value *yaml.Node) error {
	type alias RetryPolicy
	out := alias(DefaultRetryPolicy())
	if err := value.Decode(&out); err != nil {
		return err
	}
	*p = RetryPolicy(out)
	return nil
}
