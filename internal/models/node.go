package models

import "strings"

type Role string

const (
	RoleFrontend Role = "frontend"
	RoleCompute  Role = "compute"
)

type NodeState int

const (
	StateUnknown NodeState = iota
	StateActive
	StateStopped
	StateNoState
)

func (s NodeState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	case StateNoState:
		return "nostate"
	}
	return "unknown"
}

// Terminal reports whether a node is no longer running.
func (s NodeState) Terminal() bool {
	return s == StateStopped || s == StateNoState
}

// ParseNodeState maps the status words reported by the supported backends.
func ParseNodeState(status string) NodeState {
	status = strings.ToLower(strings.TrimSpace(status))
	status, _, _ = strings.Cut(status, ",")

	switch status {
	case "active", "running", "up":
		return StateActive
	case "stopped", "shutoff", "shut off", "down":
		return StateStopped
	case "nostate", "no state", "":
		return StateNoState
	}
	return StateUnknown
}

// NodeAction is a power transition requested from the backend.
type NodeAction int

const (
	ActionStart NodeAction = iota
	ActionStop
)

func (a NodeAction) String() string {
	switch a {
	case ActionStart:
		return "start"
	case ActionStop:
		return "stop"
	}
	return ""
}

type NodeStatus struct {
	Name   string    `yaml:"name"`
	Role   Role      `yaml:"role"`
	Host   string    `yaml:"host,omitempty"`
	State  NodeState `yaml:"-"`
	Status string    `yaml:"status"`
}

type ClusterStatus struct {
	Name     string       `yaml:"name"`
	Frontend NodeStatus   `yaml:"frontend"`
	Computes []NodeStatus `yaml:"computes"`
}

func (c ClusterStatus) Nodes() []NodeStatus {
	return append([]NodeStatus{c.Frontend}, c.Computes...)
}

func (c ClusterStatus) Active() []NodeStatus {
	var active []NodeStatus
	for _, n := range c.Nodes() {
		if n.State == StateActive {
			active = append(active, n)
		}
	}
	return active
}

func (c ClusterStatus) Stopped() bool {
	for _, n := range c.Nodes() {
		if !n.State.Terminal() {
			return false
		}
	}
	return true
}

// Disk is the backing image of one node.
type Disk struct {
	Node string
	Host string
	Path string
}
