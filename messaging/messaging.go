package messaging

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
)

var (
	// ErrPingTimeout is reported when the broker stays unreachable beyond the
	// liveness timeout. It is always fatal to the process.
	ErrPingTimeout = errors.New("ping timeout with broker")
	// ErrClosed is returned by sockets used after close or after the
	// connection has been destroyed
	ErrClosed = errors.New("messaging socket closed")
)

// Subscriber receives actions routed to this process by the broker
type Subscriber interface {
	// Receive blocks until an action arrives or the context is done
	Receive(ctx context.Context) (proto.Message, error)
	Close() error
}

// Pusher sends actions to the broker. Actions are accepted in call order;
// any delivery guarantee beyond that belongs to the broker.
type Pusher interface {
	Push(ctx context.Context, action proto.Message) error
	Close() error
}

// Conn is the process-wide messaging resource. It is created once when the
// process starts and destroyed exactly once at shutdown.
type Conn interface {
	// Subscriber opens a new subscription on the connection
	Subscriber(ctx context.Context) (Subscriber, error)
	// Pusher opens a new outbound socket on the connection
	Pusher(ctx context.Context) (Pusher, error)
	// Faults reports asynchronous failures of the connection such as
	// ErrPingTimeout
	Faults() <-chan error
	// Destroy releases the connection without waiting for in-flight
	// outbound data to be flushed. Calls after the first one are no-ops.
	Destroy()
}
