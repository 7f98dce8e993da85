package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateStage is returned when stage with the same name is
	// already added to the graph.
	ErrDuplicateStage = errors.New("duplicate stage")
	// ErrUnknownStage is returned when stage is not added to the graph.
	ErrUnknownStage = errors.New("unknown stage")
	// ErrUnknownPort is returned when stage doesn't have requested port.
	ErrUnknownPort = errors.New("unknown port")
	// ErrPortUnbound is returned if graph is built with unbound ports.
	ErrPortUnbound = errors.New("port is not bound")
	// ErrPortBound is returned if port is bound more than once.
	ErrPortBound = errors.New("port is already bound")
	// ErrCycle is returned if stages are linked into a cycle.
	ErrCycle = errors.New("graph contains a cycle")
	// ErrNotNegotiated is returned if producer and consumer formats
	// don't intersect.
	ErrNotNegotiated = errors.New("format not negotiated")
	// ErrMetaExists is returned if metadata of the same kind is already
	// attached to the unit.
	ErrMetaExists = errors.New("metadata already attached")
	// ErrInvalidState is returned if operation cannot be executed in the
	// current state.
	ErrInvalidState = errors.New("invalid state")
	// ErrNotBuilt is returned if graph is accessed before it was built.
	ErrNotBuilt = errors.New("graph is not built")
	// ErrScheduledActionMiss is reported when scheduled action target is
	// not playing at the action offset.
	ErrScheduledActionMiss = errors.New("scheduled action missed")
)

// ConfigurationError is returned when graph topology or stage
// configuration is invalid. It's always returned before any data flows.
type ConfigurationError struct {
	Op    string
	Stage string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Stage, e.Err)
}

// Unwrap returns the cause.
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// LifecycleError is returned when stage refuses the state transition.
type LifecycleError struct {
	Stage string
	From  State
	To    State
	Err   error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("stage %s refused %v -> %v: %v", e.Stage, e.From, e.To, e.Err)
}

// Unwrap returns the cause.
func (e *LifecycleError) Unwrap() error {
	return e.Err
}

// BranchError is posted on the bus when stage executor fails. Failure is
// isolated to the branch of the stage.
type BranchError struct {
	Stage string
	Err   error
}

func (e *BranchError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

// Unwrap returns the cause.
func (e *BranchError) Unwrap() error {
	return e.Err
}

func configErr(op, stage string, err error) error {
	return &ConfigurationError{Op: op, Stage: stage, Err: err}
}
