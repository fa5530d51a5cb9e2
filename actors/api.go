package actors

import (
	"context"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/super-flat/flock/messaging"
	"github.com/super-flat/flock/state"
)

// Spawn is a utility function that creates a new process and runs it in the
// background. The returned channel receives the result of Run; a panic
// escaping a handler is recovered and delivered as a *PanicError.
func Spawn(ctx context.Context, name string, registry *Registry, conn messaging.Conn, store state.Store, opts ...ProcessOpt) (*Process, <-chan error) {
	// create the process
	process := NewProcess(name, registry, conn, store, opts...)
	// get the observability span
	spanCtx, span := process.startSpan(ctx, "Process.Spawn")
	defer span.End()
	done := make(chan error, 1)
	// async initialize the process and start processing actions
	go func() {
		defer func() {
			if r := recover(); r != nil {
				process.logger.Error("process panicked", zap.Any("panic", r))
				done <- &PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		done <- process.Run(spanCtx)
	}()
	return process, done
}
