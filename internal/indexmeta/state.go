package indexmeta

import "fmt"

// State is the lifecycle state of a physical index.
type State int

const (
	// StateNew means the index exists but nothing has been written yet.
	StateNew State = iota
	// StateBuilding means a full scan is writing into the index.
	StateBuilding
	// StateActive means the full scan finished and live updates keep it current.
	StateActive
	// StateCurrent means the read alias points at this index.
	StateCurrent
	// StateOutdated is terminal: another schema took over.
	StateOutdated
)

var stateNames = [...]string{"new", "building", "active", "current", "outdated"}

// String returns the lower-case state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// CanTransition reports whether from -> to is allowed. States only move
// forward, any state may become Outdated, and Outdated never changes.
// Staying in the same state is allowed so checkpoints can be rewritten.
func CanTransition(from, to State) bool {
	if from == StateOutdated {
		return to == StateOutdated
	}
	return to >= from
}

// Resumable reports whether a full scan should continue into an index in this state.
func (s State) Resumable() bool {
	return s == StateNew || s == StateBuilding
}
