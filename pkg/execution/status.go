// Package execution models one attempt to run an agent task: its status
// transitions and the lease/heartbeat arithmetic a reaper uses to decide
// whether the attempt is still alive.
package execution

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of an execution record.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// Statuses lists every known status in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusInterrupted,
}

// transitions is the complete edge set. A status absent from the map, or
// mapped to an empty set, is terminal.
var transitions = map[Status][]Status{
	StatusPending:     {StatusRunning, StatusFailed},
	StatusRunning:     {StatusCompleted, StatusFailed, StatusInterrupted},
	StatusCompleted:   {},
	StatusFailed:      {},
	StatusInterrupted: {},
}

// ParseStatus validates s against the known statuses.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("unknown execution status %q", s)
	}
	return st, nil
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns a copy of the statuses reachable from s in one step.
func AllowedTransitions(s Status) []Status {
	next := transitions[s]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// IsTerminal reports whether s has no outgoing transitions.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}

// Execution is one attempt to run an agent task, as tracked by the control plane.
type Execution struct {
	ID            string
	Status        Status
	StartedAt     time.Time
	LastHeartbeat *time.Time
	// LeaseExpiresAt bounds how long a pending execution may wait for a claim.
	LeaseExpiresAt time.Time
	ProcessID      string
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Health classifies the execution at now. ok is false for any status other
// than running.
func (e *Execution) Health(now time.Time) (Health, bool) {
	return ComputeHealth(e.Status, e.StartedAt, e.LastHeartbeat, now)
}
