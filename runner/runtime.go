package runner

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/super-flat/flock/messaging"
)

// EnvProcess is set to the name of the running entry point
const EnvProcess = "FLOCK_PROCESS"

// Runtime starts exactly one entry point per OS process and guarantees that
// a termination signal or any fault leads to an orderly shutdown
type Runtime struct {
	conn        messaging.Conn
	entryPoints EntryPoints
	logger      *zap.Logger
	signals     <-chan os.Signal
}

// RuntimeOpt helps defines custom options
type RuntimeOpt func(runtime *Runtime)

// WithRuntimeLogger sets the runtime logger
func WithRuntimeLogger(logger *zap.Logger) RuntimeOpt {
	return func(runtime *Runtime) {
		runtime.logger = logger
	}
}

// WithSignals replaces the OS signal subscription with the given channel
func WithSignals(signals <-chan os.Signal) RuntimeOpt {
	return func(runtime *Runtime) {
		runtime.signals = signals
	}
}

// NewRuntime returns a Runtime owning conn. The entry points are expected to
// build their processes on conn.
func NewRuntime(conn messaging.Conn, entryPoints EntryPoints, opts ...RuntimeOpt) *Runtime {
	runtime := &Runtime{
		conn:        conn,
		entryPoints: entryPoints,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(runtime)
	}
	return runtime
}

// Run starts the named entry point and blocks until the runtime has shut
// down. Faults are logged and end the run; they are never returned. An error
// is only returned when the entry point cannot be resolved, in which case
// the connection is released right away.
func (r *Runtime) Run(ctx context.Context, name string) error {
	entryPoint, err := r.entryPoints.Resolve(name)
	if err != nil {
		r.conn.Destroy()
		return err
	}
	if err := os.Setenv(EnvProcess, name); err != nil {
		r.logger.Warn("failed to publish the process name", zap.Error(err))
	}

	signals := r.signals
	if signals == nil {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(sigs)
		signals = sigs
	}

	coordinator := NewCoordinator(r.conn, r.logger)
	// the entry point must not see the caller's cancellation directly, it
	// goes through the shutdown sequence like any other trigger
	if err := coordinator.Go(context.WithoutCancel(ctx), name, TaskFunc(entryPoint)); err != nil {
		return err
	}
	r.logger.Info("process started", zap.String("entry_point", name), zap.Int("pid", os.Getpid()))

	r.supervise(ctx, coordinator, signals)
	return nil
}

// supervise routes every shutdown trigger to the coordinator until the
// shutdown sequence completes
func (r *Runtime) supervise(ctx context.Context, coordinator *Coordinator, signals <-chan os.Signal) {
	ctxDone := ctx.Done()
	for {
		select {
		case <-coordinator.Done():
			r.logger.Info("process stopped")
			return
		case sig := <-signals:
			r.logger.Info("received exit signal", zap.String("signal", sig.String()))
			coordinator.Shutdown(sig.String())
		case <-ctxDone:
			ctxDone = nil
			coordinator.Shutdown("context done")
		case fault := <-coordinator.Faults():
			r.handleFault(coordinator, fault)
		case err := <-r.conn.Faults():
			r.handleFault(coordinator, &Fault{Task: "messaging", Err: err})
		}
	}
}

func (r *Runtime) handleFault(coordinator *Coordinator, fault *Fault) {
	switch fault.Kind() {
	case FaultLiveness:
		r.logger.Error("ping timeout with broker... shutting down", zap.String("task", fault.Task))
	case FaultCancelled:
		r.logger.Info("task cancelled... shutting down", zap.String("task", fault.Task))
	default:
		fields := []zap.Field{zap.String("task", fault.Task), zap.Error(fault.Err)}
		if len(fault.Stack) > 0 {
			fields = append(fields, zap.ByteString("stack", fault.Stack))
		}
		r.logger.Error("caught fault", fields...)
		r.logger.Info("shutting down...")
	}
	coordinator.Shutdown(fault.Kind().String() + " fault")
}
