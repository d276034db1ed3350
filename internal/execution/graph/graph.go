// Package graph validates DAG definitions and derives their execution order.
//
// Build is the single source of truth for what counts as a well-formed DAG:
// definition-time validation and run-time scheduling both go through it.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/animus-labs/jobchain/internal/domain"
)

type ErrorKind string

const (
	KindEmpty               ErrorKind = "empty_graph"
	KindMissingID           ErrorKind = "missing_node_id"
	KindDuplicateID         ErrorKind = "duplicate_node_id"
	KindBlankDependency     ErrorKind = "blank_dependency"
	KindSelfDependency      ErrorKind = "self_dependency"
	KindMissingDependency   ErrorKind = "missing_dependency"
	KindDuplicateDependency ErrorKind = "duplicate_dependency"
	KindCycle               ErrorKind = "cycle"
)

// GraphError reports the first structural problem found in a DAG.
type GraphError struct {
	Kind       ErrorKind
	NodeID     string
	Dependency string
	Index      int
}

func (e *GraphError) Error() string {
	switch e.Kind {
	case KindEmpty:
		return "dag must have nodes"
	case KindMissingID:
		return fmt.Sprintf("node[%d] id is required", e.Index)
	case KindDuplicateID:
		return fmt.Sprintf("duplicate node id %q", e.NodeID)
	case KindBlankDependency:
		return fmt.Sprintf("node %q has blank dependency", e.NodeID)
	case KindSelfDependency:
		return fmt.Sprintf("node %q depends on itself", e.NodeID)
	case KindMissingDependency:
		return fmt.Sprintf("node %q depends on missing node %q", e.NodeID, e.Dependency)
	case KindDuplicateDependency:
		return fmt.Sprintf("node %q has duplicate dependency %q", e.NodeID, e.Dependency)
	case KindCycle:
		return fmt.Sprintf("dag has cycle (unresolved node %q)", e.NodeID)
	default:
		return "invalid dag"
	}
}

// Graph is a validated DAG with its deterministic execution order.
type Graph struct {
	order      []domain.NodeDefinition
	byID       map[string]domain.NodeDefinition
	dependents map[string][]string
}

// Order returns the nodes in topological order. Dependencies always precede dependents.
func (g *Graph) Order() []domain.NodeDefinition {
	out := make([]domain.NodeDefinition, len(g.order))
	copy(out, g.order)
	return out
}

func (g *Graph) Node(id string) (domain.NodeDefinition, bool) {
	n, ok := g.byID[id]
	return n, ok
}

// Dependents lists the nodes that directly depend on id, in definition order.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

func (g *Graph) Len() int {
	return len(g.order)
}

// Validate checks a DAG without keeping the derived order.
func Validate(dag domain.DagDefinition) error {
	_, err := Build(dag)
	return err
}

// Order validates a DAG and returns its execution order.
func Order(dag domain.DagDefinition) ([]domain.NodeDefinition, error) {
	g, err := Build(dag)
	if err != nil {
		return nil, err
	}
	return g.order, nil
}

// Build runs the structural checks in order and stops at the first failure:
// non-empty, unique non-blank ids, dependency references, then acyclicity
// via Kahn's algorithm. Ready nodes are taken in definition order so the
// resulting order is stable for a given definition.
func Build(dag domain.DagDefinition) (*Graph, error) {
	if len(dag.Nodes) == 0 {
		return nil, &GraphError{Kind: KindEmpty}
	}

	byID := make(map[string]domain.NodeDefinition, len(dag.Nodes))
	index := make(map[string]int, len(dag.Nodes))
	for i, node := range dag.Nodes {
		if strings.TrimSpace(node.ID) == "" {
			return nil, &GraphError{Kind: KindMissingID, Index: i}
		}
		if _, exists := byID[node.ID]; exists {
			return nil, &GraphError{Kind: KindDuplicateID, NodeID: node.ID, Index: i}
		}
		byID[node.ID] = node
		index[node.ID] = i
	}

	inDegree := make(map[string]int, len(byID))
	dependents := make(map[string][]string, len(byID))
	for i, node := range dag.Nodes {
		seen := make(map[string]struct{}, len(node.DependsOn))
		for _, dep := range node.DependsOn {
			if strings.TrimSpace(dep) == "" {
				return nil, &GraphError{Kind: KindBlankDependency, NodeID: node.ID, Index: i}
			}
			if dep == node.ID {
				return nil, &GraphError{Kind: KindSelfDependency, NodeID: node.ID, Dependency: dep, Index: i}
			}
			if _, ok := byID[dep]; !ok {
				return nil, &GraphError{Kind: KindMissingDependency, NodeID: node.ID, Dependency: dep, Index: i}
			}
			if _, dup := seen[dep]; dup {
				return nil, &GraphError{Kind: KindDuplicateDependency, NodeID: node.ID, Dependency: dep, Index: i}
			}
			seen[dep] = struct{}{}
			inDegree[node.ID]++
			dependents[dep] = append(dependents[dep], node.ID)
		}
	}

	ready := make([]int, 0, len(dag.Nodes))
	for i, node := range dag.Nodes {
		if inDegree[node.ID] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]domain.NodeDefinition, 0, len(dag.Nodes))
	for len(ready) > 0 {
		current := dag.Nodes[ready[0]]
		ready = ready[1:]
		order = append(order, current)
		for _, next := range dependents[current.ID] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, index[next])
				sort.Ints(ready)
			}
		}
	}

	if len(order) != len(dag.Nodes) {
		for _, node := range dag.Nodes {
			if inDegree[node.ID] > 0 {
				return nil, &GraphError{Kind: KindCycle, NodeID: node.ID, Index: index[node.ID]}
			}
		}
		return nil, &GraphError{Kind: KindCycle}
	}

	return &Graph{order: order, byID: byID, dependents: dependents}, nil
}
