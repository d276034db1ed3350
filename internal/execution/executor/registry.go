package executor

import (
	"errors"
	"sort"
	"strings"
)

// Registry is an immutable type -> executor mapping built once at startup.
type Registry struct {
	byType map[string]NodeExecutor
}

// NewRegistry fails when an executor is nil, declares a blank type, or
// declares a type already taken by another executor.
func NewRegistry(executors ...NodeExecutor) (*Registry, error) {
	byType := make(map[string]NodeExecutor, len(executors))
	for _, ex := range executors {
		if ex == nil {
			return nil, errors.New("nil executor")
		}
		typ := strings.TrimSpace(ex.Type())
		if typ == "" {
			return nil, errors.New("executor type is required")
		}
		if _, exists := byType[typ]; exists {
			return nil, &DuplicateTypeError{Type: typ}
		}
		byType[typ] = ex
	}
	return &Registry{byType: byType}, nil
}

func (r *Registry) Resolve(typ string) (NodeExecutor, error) {
	if r != nil {
		if ex, ok := r.byType[strings.TrimSpace(typ)]; ok {
			return ex, nil
		}
	}
	return nil, &UnknownTypeError{Type: typ}
}

// Types lists the registered type tags, sorted.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.byType))
	for typ := range r.byType {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}
