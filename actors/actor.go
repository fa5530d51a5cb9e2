package actors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Status is the lifecycle stage of a Process
type Status int32

const (
	// NotStarted is the status of a process that has not run yet
	NotStarted Status = iota
	// Running means the process owns its sockets and dispatches actions
	Running
	// ShuttingDown means the process is releasing its sockets
	ShuttingDown
	// Stopped is terminal
	Stopped
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrNotRunning is returned when using the sockets of a process that is
	// not running
	ErrNotRunning = errors.New("the process has to be running for its sockets to be available")
	// ErrAlreadyStarted is returned when running a process twice
	ErrAlreadyStarted = errors.New("the process has already been started")
)

// PanicError is returned by a spawned process whose handler panicked
type PanicError struct {
	// Value is the recovered panic value
	Value any
	// Stack is the stack of the panicking goroutine
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("process panicked: %v", e.Value)
}

// PanicStack returns the stack of the panicking goroutine
func (e *PanicError) PanicStack() []byte {
	return e.Stack
}
