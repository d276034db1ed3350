// Package builtin holds the node executors every deployment registers.
package builtin

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/animus-labs/jobchain/internal/domain"
	"github.com/animus-labs/jobchain/internal/execution/executor"
)

// All returns one instance of every built-in executor.
func All(client *http.Client) []executor.NodeExecutor {
	return []executor.NodeExecutor{
		Print{},
		Sleep{},
		Fail{},
		NewHTTP(client),
	}
}

func stringValue(cfg domain.Metadata, key, def string) string {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return def
	}
	return s
}

func int64Value(cfg domain.Metadata, key string, def int64) (int64, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("%s must be an integer", key)
	}
}
