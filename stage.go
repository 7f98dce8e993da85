package graph

import (
	"context"
	"sync/atomic"

	"pipelined.dev/graph/mutable"
)

// Kind defines how the graph executes the stage.
type Kind int

const (
	// KindSource produces units.
	KindSource Kind = iota
	// KindTransform consumes a unit and produces zero or one unit.
	KindTransform
	// KindTee replicates units into all its outputs.
	KindTee
	// KindSink consumes units.
	KindSink
	// KindInspectionSink consumes units to let application inspect them.
	KindInspectionSink
)

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindTransform:
		return "transform"
	case KindTee:
		return "tee"
	case KindSink:
		return "sink"
	case KindInspectionSink:
		return "inspection-sink"
	}
	return "unknown"
}

// Direction of the stage port.
type Direction int

const (
	// Input is the direction of consumer ports.
	Input Direction = iota
	// Output is the direction of producer ports.
	Output
)

type (
	// Stage is the processing step of the graph.
	Stage interface {
		Name() string
		Kind() Kind
		SetParameter(name string, value interface{}) error
		Parameter(name string) (interface{}, bool)
		State() State
		// Transition must either complete transition and return nil or
		// leave the stage in the current state and return error.
		Transition(ctx context.Context, target State) error
	}

	// Source fills units with data. io.EOF is returned when source is
	// exhausted.
	Source interface {
		Stage
		Fill(context.Context, *Unit) error
	}

	// Transform processes units. If nil unit is returned, the input unit
	// is dropped.
	Transform interface {
		Stage
		Process(context.Context, *Unit) (*Unit, error)
	}

	// Sink consumes units. Inspection sinks implement the same interface.
	Sink interface {
		Stage
		Consume(context.Context, *Unit) error
	}

	// Negotiator is implemented by stages that constrain formats of their
	// ports.
	Negotiator interface {
		Caps(Direction) Format
	}

	// FormatObserver is notified when the format of consumed units
	// changes.
	FormatObserver interface {
		FormatChanged(Format)
	}

	// Starter is called before the first unit is processed.
	Starter interface {
		Start(context.Context) error
	}

	// Flusher is called after the last unit is processed.
	Flusher interface {
		Flush(context.Context) error
	}
)

// TransitionFunc is called before element changes its state. If error is
// returned, the state is not changed.
type TransitionFunc func(ctx context.Context, from, to State) error

// Element implements common part of Stage interface. It's intended to be
// embedded into stage implementations.
type Element struct {
	name   string
	kind   Kind
	params *mutable.Params
	state  int32
	// OnTransition is called on every state change.
	OnTransition TransitionFunc
}

// NewElement returns new element with provided parameter defaults.
func NewElement(name string, kind Kind, defaults map[string]interface{}) *Element {
	return &Element{
		name:   name,
		kind:   kind,
		params: mutable.NewParams(defaults),
	}
}

// Name of the element.
func (e *Element) Name() string {
	return e.name
}

// Kind of the element.
func (e *Element) Kind() Kind {
	return e.kind
}

// Params returns element parameter table.
func (e *Element) Params() *mutable.Params {
	return e.params
}

// SetParameter replaces parameter value.
func (e *Element) SetParameter(name string, value interface{}) error {
	e.params.Set(name, value)
	return nil
}

// Parameter returns parameter value.
func (e *Element) Parameter(name string) (interface{}, bool) {
	return e.params.Get(name)
}

// State returns current element state.
func (e *Element) State() State {
	return State(atomic.LoadInt32(&e.state))
}

// Transition calls OnTransition hook and changes the state.
func (e *Element) Transition(ctx context.Context, target State) error {
	from := e.State()
	if from == target {
		return nil
	}
	if e.OnTransition != nil {
		if err := e.OnTransition(ctx, from, target); err != nil {
			return err
		}
	}
	atomic.StoreInt32(&e.state, int32(target))
	return nil
}

// Tee replicates every unit into all its outputs. Outputs are requested
// by linking the tee, they are named src_0, src_1 and so on.
type Tee struct {
	*Element
}

// NewTee returns new tee stage.
func NewTee(name string) *Tee {
	return &Tee{
		Element: NewElement(name, KindTee, nil),
	}
}
