package process

import (
	"errors"
	"fmt"
)

type State int

const (
	Spawned State = iota
	Running
	Exited
	Crashed
)

func (s State) String() string {
	switch s {
	case Spawned:
		return "spawned"
	case Running:
		return "running"
	case Exited:
		return "exited"
	case Crashed:
		return "crashed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal is true for Exited and Crashed.
func (s State) Terminal() bool {
	return s == Exited || s == Crashed
}

// Status is a snapshot of a Handle.
// ExitCode is only meaningful when State is Exited, Err only when State is Crashed.
type Status struct {
	State    State
	PID      int
	ExitCode int
	Err      error
}

var (
	ErrNotWritable    = errors.New("process input is not writable")
	ErrAlreadyStarted = errors.New("process already started")
)

// SpawnError is returned when the executable cannot be launched.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %q: %s", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
