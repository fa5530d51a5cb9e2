package runner

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/super-flat/flock/messaging"
)

// FaultKind classifies the faults reaching the supervisor
type FaultKind int

const (
	// FaultGeneric is any unhandled error; it is process-fatal
	FaultGeneric FaultKind = iota
	// FaultLiveness means the broker is unreachable
	FaultLiveness
	// FaultCancelled is a task returning because it was cancelled
	FaultCancelled
)

func (k FaultKind) String() string {
	switch k {
	case FaultLiveness:
		return "liveness"
	case FaultCancelled:
		return "cancelled"
	default:
		return "generic"
	}
}

// Fault is an error that escaped a task
type Fault struct {
	// Task is the name of the task the error came from
	Task string
	// Err is the escaped error
	Err error
	// Stack is set when the task panicked
	Stack []byte
}

func (f *Fault) Error() string {
	return fmt.Sprintf("task %s: %v", f.Task, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Kind classifies the fault
func (f *Fault) Kind() FaultKind {
	return Classify(f.Err)
}

// Classify tells liveness faults and cancellations apart from generic faults
func Classify(err error) FaultKind {
	switch {
	case errors.Is(err, messaging.ErrPingTimeout):
		return FaultLiveness
	case errors.Is(err, context.Canceled):
		return FaultCancelled
	default:
		return FaultGeneric
	}
}

// panicStacker is implemented by errors carrying the stack of a recovered
// panic
type panicStacker interface {
	PanicStack() []byte
}

// panicError carries a recovered panic value
type panicError struct {
	value any
}

func (p panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}
