// Package dagspec decodes DAG definitions from stored snapshots, API bodies
// and files. JSON and YAML are both accepted.
package dagspec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/jobchain/internal/domain"
	"github.com/animus-labs/jobchain/internal/execution/graph"
)

// Parse decodes raw into a DagDefinition without validating its structure.
//
// A JSON string literal holding a DAG (a double-encoded snapshot) is unwrapped
// once before decoding.
func Parse(raw []byte) (domain.DagDefinition, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return domain.DagDefinition{}, errors.New("dag is empty")
	}
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return domain.DagDefinition{}, fmt.Errorf("decode dag: %w", err)
		}
		trimmed = bytes.TrimSpace([]byte(inner))
	}

	var dag domain.DagDefinition
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &dag); err != nil {
			return domain.DagDefinition{}, fmt.Errorf("decode dag: %w", err)
		}
		return dag, nil
	}
	if err := yaml.Unmarshal(trimmed, &dag); err != nil {
		return domain.DagDefinition{}, fmt.Errorf("decode dag: %w", err)
	}
	for i := range dag.Nodes {
		cfg, err := normalize(dag.Nodes[i].Config)
		if err != nil {
			return domain.DagDefinition{}, fmt.Errorf("decode dag: node[%d].cfg: %w", i, err)
		}
		dag.Nodes[i].Config = cfg
	}
	return dag, nil
}

// ParseAndValidate decodes raw and runs the structural graph checks.
func ParseAndValidate(raw []byte) (domain.DagDefinition, error) {
	dag, err := Parse(raw)
	if err != nil {
		return domain.DagDefinition{}, err
	}
	if err := graph.Validate(dag); err != nil {
		return domain.DagDefinition{}, err
	}
	return dag, nil
}

// Marshal encodes dag in the canonical JSON snapshot form.
func Marshal(dag domain.DagDefinition) ([]byte, error) {
	return json.Marshal(dag)
}

// normalize gives YAML-decoded config the value shapes JSON decoding produces,
// so executors see float64 numbers whatever the input format was.
func normalize(cfg domain.Metadata) (domain.Metadata, error) {
	if cfg == nil {
		return nil, nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var out domain.Metadata
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
