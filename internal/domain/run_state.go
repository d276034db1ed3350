package domain

import "strings"

// RunStatus is the persisted lifecycle of a run.
type RunStatus string

const (
	RunStatusPending  RunStatus = "PENDING"
	RunStatusRunning  RunStatus = "RUNNING"
	RunStatusSuccess  RunStatus = "SUCCESS"
	RunStatusFailed   RunStatus = "FAILED"
	RunStatusStopping RunStatus = "STOPPING"
	RunStatusStopped  RunStatus = "STOPPED"
)

// NodeStatus is the persisted lifecycle of one node within a run.
type NodeStatus string

const (
	NodeStatusPending  NodeStatus = "PENDING"
	NodeStatusRunning  NodeStatus = "RUNNING"
	NodeStatusSuccess  NodeStatus = "SUCCESS"
	NodeStatusFailed   NodeStatus = "FAILED"
	NodeStatusRetrying NodeStatus = "RETRYING"
	NodeStatusSkipped  NodeStatus = "SKIPPED"
	NodeStatusStopped  NodeStatus = "STOPPED"
)

// NormalizeRunStatus maps free-form values to canonical run statuses.
func NormalizeRunStatus(value string) RunStatus {
	switch RunStatus(strings.ToUpper(strings.TrimSpace(value))) {
	case RunStatusPending:
		return RunStatusPending
	case RunStatusRunning:
		return RunStatusRunning
	case RunStatusSuccess:
		return RunStatusSuccess
	case RunStatusFailed:
		return RunStatusFailed
	case RunStatusStopping:
		return RunStatusStopping
	case RunStatusStopped:
		return RunStatusStopped
	default:
		return ""
	}
}

// NormalizeNodeStatus maps free-form values to canonical node statuses.
func NormalizeNodeStatus(value string) NodeStatus {
	switch NodeStatus(strings.ToUpper(strings.TrimSpace(value))) {
	case NodeStatusPending:
		return NodeStatusPending
	case NodeStatusRunning:
		return NodeStatusRunning
	case NodeStatusSuccess:
		return NodeStatusSuccess
	case NodeStatusFailed:
		return NodeStatusFailed
	case NodeStatusRetrying:
		return NodeStatusRetrying
	case NodeStatusSkipped:
		return NodeStatusSkipped
	case NodeStatusStopped:
		return NodeStatusStopped
	default:
		return ""
	}
}

func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailed, RunStatusStopped:
		return true
	default:
		return false
	}
}

// StopRequested reports whether the engine must stop scheduling further nodes.
func (s RunStatus) StopRequested() bool {
	return s == RunStatusStopping || s == RunStatusStopped
}

// CanStopRun reports whether an operator may request STOPPING.
func CanStopRun(current RunStatus) bool {
	return current != RunStatusSuccess && current != RunStatusFailed
}

func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeStatusSuccess, NodeStatusFailed, NodeStatusSkipped, NodeStatusStopped:
		return true
	default:
		return false
	}
}

// CanRetryNode reports whether a manual retry override is legal from the current status.
func CanRetryNode(current NodeStatus) bool {
	return current == NodeStatusFailed || current == NodeStatusStopped
}

// CanCompleteNode reports whether a manual complete override is legal from the current status.
func CanCompleteNode(current NodeStatus) bool {
	switch current {
	case NodeStatusFailed, NodeStatusStopped, NodeStatusRunning:
		return true
	default:
		return false
	}
}
