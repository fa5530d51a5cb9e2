// Package actor contains the sample fleet: a counter answering pings with
// the number of pings seen so far, and a pinger feeding it.
package actor

import (
	"context"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/super-flat/flock/actors"
	"github.com/super-flat/flock/messaging"
	"github.com/super-flat/flock/runner"
	"github.com/super-flat/flock/state"
)

// Entry point names
const (
	Counter = "counter"
	Pinger  = "pinger"
)

// Ping is the action the counter reacts to
type Ping = emptypb.Empty

// PingCount is the state view counting observed pings
type PingCount = wrapperspb.Int64Value

// CounterRegistry is the handler table of the counter process type
var CounterRegistry = actors.NewRegistry(
	actors.Handle1(onPing),
	actors.Stream(onBatch),
)

// NewCounterStore returns the state store of a counter process
func NewCounterStore() state.Store {
	return state.NewMemory(
		state.NewView(wrapperspb.Int64(0),
			state.Reduce(func(count *PingCount, _ *Ping) *PingCount {
				count.Value++
				return count
			}),
		),
	)
}

// onPing answers a ping with the current count
func onPing(_ context.Context, p *actors.Process, _ *Ping, count *PingCount) (proto.Message, error) {
	p.Logger().Debug("ping received", zap.Int64("count", count.GetValue()))
	return wrapperspb.String(fmt.Sprintf("pong %d", count.GetValue())), nil
}

// onBatch splits a list of words into one action per word
func onBatch(_ context.Context, _ *actors.Process, batch *structpb.ListValue) iter.Seq2[proto.Message, error] {
	return func(yield func(proto.Message, error) bool) {
		for _, value := range batch.GetValues() {
			word, ok := value.GetKind().(*structpb.Value_StringValue)
			if !ok {
				continue
			}
			if !yield(wrapperspb.String(word.StringValue), nil) {
				return
			}
		}
	}
}

// EntryPoints returns the sample entry points, building their processes
// on conn
func EntryPoints(conn messaging.Conn, logger *zap.Logger, interval time.Duration, opts ...actors.ProcessOpt) runner.EntryPoints {
	opts = append([]actors.ProcessOpt{actors.WithLogger(logger)}, opts...)
	return runner.EntryPoints{
		Counter: func(ctx context.Context) error {
			process := actors.NewProcess(Counter, CounterRegistry, conn, NewCounterStore(), opts...)
			return process.Run(ctx)
		},
		Pinger: func(ctx context.Context) error {
			process := actors.NewProcess(Pinger, actors.NewRegistry(), conn, state.NewMemory(), opts...)
			return runPinger(ctx, process, interval)
		},
	}
}

// runPinger runs the process while a sibling task pushes a ping on every
// tick. The ticker is a task of the runtime, so it is cancelled with the
// process and its failures are faults like the process' own.
func runPinger(ctx context.Context, process *actors.Process, interval time.Duration) error {
	err := runner.Go(ctx, Pinger+".ticker", func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if process.Status() != actors.Running {
					continue
				}
				if err := process.Push(ctx, &Ping{}); err != nil {
					return err
				}
			}
		}
	})
	if err != nil {
		return err
	}
	return process.Run(ctx)
}
