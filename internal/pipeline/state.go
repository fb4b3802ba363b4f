package pipeline

import "fmt"

// State is the position of a unit in the pair pipeline. States only move
// forward, one step at a time, until Done; Failed may follow any state.
type State int

const (
	StatePending State = iota
	StateInit
	StateIngest
	StateGeoreference
	StateMatch
	StateAlign
	StateDepth
	StateDense
	StateReport
	StateExport
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StatePending:      "pending",
	StateInit:         "init",
	StateIngest:       "ingest",
	StateGeoreference: "georeference",
	StateMatch:        "match",
	StateAlign:        "align",
	StateDepth:        "depth",
	StateDense:        "dense",
	StateReport:       "report",
	StateExport:       "export",
	StateDone:         "done",
	StateFailed:       "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no transition may follow s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// ParseState maps a persisted state name back to its State.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return StatePending, fmt.Errorf("unknown pipeline state %q", name)
}

// canTransition reports whether a unit in from may move to to.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	return to == from+1
}
