package graph

// State identifies the lifecycle state of the graph and its stages.
type State int32

const (
	// Null is the initial state. No resources are allocated.
	Null State = iota
	// Ready means that stages allocated their resources.
	Ready
	// Paused means that data flow is prepared, but sources are blocked.
	Paused
	// Playing means that data flows.
	Playing
	// Error is the state of the stage which executor failed. It's left
	// only by transition to Null.
	Error
)

func (s State) String() string {
	switch s {
	case Null:
		return "null"
	case Ready:
		return "ready"
	case Paused:
		return "paused"
	case Playing:
		return "playing"
	case Error:
		return "error"
	}
	return "unknown"
}

// path returns the states passed on the way from one state to another.
// The from state is not included.
func path(from, to State) []State {
	if from == Error {
		from = Null
	}
	var states []State
	switch {
	case from < to:
		for s := from + 1; s <= to; s++ {
			states = append(states, s)
		}
	case from > to:
		for s := from - 1; s >= to; s-- {
			states = append(states, s)
		}
	}
	return states
}
