package sim

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a Simulation.
type State uint8

const (
	Uninitialized State = iota
	Ready
	Stepping
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Stepping:
		return "stepping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

var (
	// ErrStopped is returned by control operations on a stopped simulation.
	ErrStopped = errors.New("simulation stopped")
	// ErrUnknownChannel is returned for channel ids or names that do not exist.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrInvalidFieldValue is returned when custom initialization produces a
	// negative or non-finite value.
	ErrInvalidFieldValue = errors.New("invalid field value")
)

// NumericAnomalyError reports a cell that became negative or non-finite.
// The simulation is stopped when it is returned.
type NumericAnomalyError struct {
	Channel   string
	X, Y      int
	Value     float32
	Iteration uint64
}

func (e *NumericAnomalyError) Error() string {
	return fmt.Sprintf("numeric anomaly in channel %q at (%d,%d) on iteration %d: %v",
		e.Channel, e.X, e.Y, e.Iteration, e.Value)
}
