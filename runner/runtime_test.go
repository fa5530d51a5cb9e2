package runner

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/super-flat/flock/actors"
	"github.com/super-flat/flock/messaging"
	"github.com/super-flat/flock/messaging/memory"
	"github.com/super-flat/flock/state"
)

// runAsync runs the runtime in the background and returns its result channel
func runAsync(ctx context.Context, runtime *Runtime, name string) <-chan error {
	done := make(chan error, 1)
	go func() { done <- runtime.Run(ctx, name) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func blockingEntryPoint(started *atomic.Int32) EntryPoint {
	return func(ctx context.Context) error {
		started.Inc()
		<-ctx.Done()
		return ctx.Err()
	}
}

func TestRuntime(t *testing.T) {
	t.Run("liveness fault shuts the process down", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		broker := memory.NewBroker()
		conn := broker.Connect()
		process := actors.NewProcess("worker", actors.NewRegistry(), conn, state.NewMemory())

		runtime := NewRuntime(conn, EntryPoints{"worker": process.Run},
			WithRuntimeLogger(zap.New(core)),
			WithSignals(make(chan os.Signal)),
		)
		done := runAsync(context.Background(), runtime, "worker")
		require.Eventually(t, func() bool { return process.Status() == actors.Running }, time.Second, 5*time.Millisecond)

		conn.Fault(errors.Wrap(messaging.ErrPingTimeout, "no answer"))
		waitRun(t, done)

		assert.Equal(t, actors.Stopped, process.Status())
		assert.Equal(t, 1, conn.DestroyCalls())
		assert.Equal(t, 1, conn.Releases())
		assert.Equal(t, 1, logs.FilterMessage("ping timeout with broker... shutting down").Len())
		assert.Zero(t, logs.FilterMessage("caught fault").Len())
		assert.Equal(t, "worker", os.Getenv(EnvProcess))
	})
	t.Run("two signals drain and release exactly once", func(t *testing.T) {
		core, logs := observer.New(zapcore.InfoLevel)
		conn := memory.NewBroker().Connect()
		started := atomic.NewInt32(0)
		signals := make(chan os.Signal, 2)
		runtime := NewRuntime(conn, EntryPoints{"blocking": blockingEntryPoint(started)},
			WithRuntimeLogger(zap.New(core)),
			WithSignals(signals),
		)
		done := runAsync(context.Background(), runtime, "blocking")
		require.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, 5*time.Millisecond)

		signals <- syscall.SIGTERM
		signals <- syscall.SIGINT
		waitRun(t, done)

		assert.EqualValues(t, 1, started.Load())
		assert.Equal(t, 1, conn.DestroyCalls())
		assert.Equal(t, 1, logs.FilterMessage("shutting down").Len())
		assert.Equal(t, 1, logs.FilterMessage("cancelling outstanding tasks").Len())
	})
	t.Run("a failing handler is a generic fault", func(t *testing.T) {
		core, logs := observer.New(zapcore.InfoLevel)
		broker := memory.NewBroker()
		conn := broker.Connect()
		process := actors.NewProcess("worker", actors.NewRegistry(
			actors.Handle(func(context.Context, *actors.Process, *emptypb.Empty) (proto.Message, error) {
				return nil, errors.New("handler failed")
			}),
		), conn, state.NewMemory())

		runtime := NewRuntime(conn, EntryPoints{"worker": process.Run},
			WithRuntimeLogger(zap.New(core)),
			WithSignals(make(chan os.Signal)),
		)
		done := runAsync(context.Background(), runtime, "worker")
		require.Eventually(t, func() bool { return broker.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
		require.NoError(t, broker.Publish(context.Background(), &emptypb.Empty{}))
		waitRun(t, done)

		faults := logs.FilterMessage("caught fault").All()
		require.Len(t, faults, 1)
		assert.Equal(t, "worker", faults[0].ContextMap()["task"])
		assert.Contains(t, faults[0].ContextMap()["error"], "handler failed")
		assert.Equal(t, 1, conn.Releases())
	})
	t.Run("a panicking entry point is a generic fault", func(t *testing.T) {
		core, logs := observer.New(zapcore.InfoLevel)
		conn := memory.NewBroker().Connect()
		runtime := NewRuntime(conn, EntryPoints{"panic": func(context.Context) error { panic("oops") }},
			WithRuntimeLogger(zap.New(core)),
			WithSignals(make(chan os.Signal)),
		)
		waitRun(t, runAsync(context.Background(), runtime, "panic"))
		assert.Equal(t, 1, logs.FilterMessage("caught fault").Len())
		assert.Equal(t, 1, conn.Releases())
	})
	t.Run("a handler panicking in a spawned process is a generic fault", func(t *testing.T) {
		core, logs := observer.New(zapcore.InfoLevel)
		broker := memory.NewBroker()
		conn := broker.Connect()
		registry := actors.NewRegistry(
			actors.Handle(func(context.Context, *actors.Process, *emptypb.Empty) (proto.Message, error) {
				panic("handler bug")
			}),
		)
		spawned := make(chan *actors.Process, 1)
		entryPoint := func(ctx context.Context) error {
			process, done := actors.Spawn(ctx, "buggy", registry, conn, state.NewMemory())
			spawned <- process
			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				<-done
				return ctx.Err()
			}
		}

		runtime := NewRuntime(conn, EntryPoints{"buggy": entryPoint},
			WithRuntimeLogger(zap.New(core)),
			WithSignals(make(chan os.Signal)),
		)
		done := runAsync(context.Background(), runtime, "buggy")
		process := <-spawned
		require.Eventually(t, func() bool { return process.Status() == actors.Running }, time.Second, 5*time.Millisecond)
		require.NoError(t, broker.Publish(context.Background(), &emptypb.Empty{}))
		waitRun(t, done)

		faults := logs.FilterMessage("caught fault").All()
		require.Len(t, faults, 1)
		assert.Equal(t, "buggy", faults[0].ContextMap()["task"])
		assert.Contains(t, faults[0].ContextMap()["error"], "handler bug")
		assert.NotEmpty(t, faults[0].ContextMap()["stack"])
		assert.Equal(t, actors.Stopped, process.Status())
		assert.Equal(t, 1, conn.DestroyCalls())
		assert.Equal(t, 1, conn.Releases())
	})
	t.Run("cancelling the context shuts down", func(t *testing.T) {
		conn := memory.NewBroker().Connect()
		started := atomic.NewInt32(0)
		runtime := NewRuntime(conn, EntryPoints{"blocking": blockingEntryPoint(started)},
			WithSignals(make(chan os.Signal)),
		)
		ctx, cancel := context.WithCancel(context.Background())
		done := runAsync(ctx, runtime, "blocking")
		require.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, 5*time.Millisecond)
		cancel()
		waitRun(t, done)
		assert.Equal(t, 1, conn.Releases())
	})
	t.Run("unknown entry point", func(t *testing.T) {
		conn := memory.NewBroker().Connect()
		runtime := NewRuntime(conn, EntryPoints{})
		err := runtime.Run(context.Background(), "missing")
		assert.True(t, errors.Is(err, ErrUnknownEntryPoint))
		assert.Equal(t, 1, conn.Releases())
	})
}

func TestEntryPoints(t *testing.T) {
	noop := func(context.Context) error { return nil }
	entryPoints := EntryPoints{"b": noop, "a": noop}
	assert.Equal(t, []string{"a", "b"}, entryPoints.Names())
	_, err := entryPoints.Resolve("a")
	assert.NoError(t, err)
	_, err = entryPoints.Resolve("c")
	assert.True(t, errors.Is(err, ErrUnknownEntryPoint))
}
