// Package statemachine declares the per-resource-type state graphs the
// reconciler consults. Transitions are data, not code branches: every legal
// move is a (current state, observed status) key in a table, and absence of
// a key means the observation is rejected.
package statemachine

import (
	"github.com/kestrelcloud/kestrel/manager/store"
)

// State is a resource lifecycle state as held locally.
type State string

// Status is an observed outcome: either a normalized job completion
// ("Completed"/"Failed") or a state name carried by a direct
// resource-state event.
type Status string

const (
	// StatusCompleted and StatusFailed are the normalized terminal job
	// outcomes; direct resource-state events use the target state name as
	// the status instead.
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
)

// Key indexes one legal transition.
type Key struct {
	From State
	On   Status
}

// Machine is the declared graph for one resource type.
type Machine struct {
	// Transitions maps (current, observed) to the next state. Identity
	// entries (next == current) make expected redeliveries explicit no-ops.
	Transitions map[Key]State
	// Terminal states are absorbing: once reached, every observation is
	// rejected regardless of the table.
	Terminal map[State]bool
	// InProgress marks command-initiated transient states; the stale-job
	// sweeper moves resources stuck in one of these to ErrorState.
	InProgress map[State]bool
	// ErrorState is the absorbing failure state for this type.
	ErrorState State
	// InitialState is the state a resource enters when its create command
	// is accepted.
	InitialState State
}

// Next resolves one observation against the graph. ok is false when the
// transition is not declared or the current state is terminal.
func (m *Machine) Next(from State, on Status) (State, bool) {
	if m.Terminal[from] {
		return from, false
	}
	next, ok := m.Transitions[Key{From: from, On: on}]
	return next, ok
}

// ForType returns the machine for a resource type.
func ForType(rt store.ResourceType) (*Machine, bool) {
	m, ok := machines[rt]
	return m, ok
}
