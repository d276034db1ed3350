package domain

import "strings"

// DagDefinition is the snapshot a run executes. It is stored verbatim with the run.
type DagDefinition struct {
	Job   string           `json:"job,omitempty" yaml:"job,omitempty"`
	Nodes []NodeDefinition `json:"nodes" yaml:"nodes"`
}

// NodeDefinition is either inline (Type + Config) or job-backed (JobID).
// When JobID is set, Type and Config are ignored.
type NodeDefinition struct {
	ID        string       `json:"id" yaml:"id"`
	JobID     string       `json:"jobId,omitempty" yaml:"jobId,omitempty"`
	Type      string       `json:"type,omitempty" yaml:"type,omitempty"`
	Config    Metadata     `json:"cfg,omitempty" yaml:"cfg,omitempty"`
	DependsOn []string     `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	Retry     *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
}

func (n NodeDefinition) IsJobBacked() bool {
	return strings.TrimSpace(n.JobID) != ""
}

// EffectiveRetry returns the node's policy, or the default when none was given.
func (n NodeDefinition) EffectiveRetry() RetryPolicy {
	if n.Retry == nil {
		return DefaultRetryPolicy()
	}
	return *n.Retry
}

// NodeIDs lists node ids in definition order, skipping blanks.
func (d DagDefinition) NodeIDs() []string {
	out := make([]string, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		if id := strings.TrimSpace(n.ID); id != "" {
			out = append(out, id)
		}
	}
	return out
}
