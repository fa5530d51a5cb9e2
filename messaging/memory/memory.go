// Package memory provides an in-process broker implementing the messaging
// contracts. Every pushed action is fanned out to every open subscriber,
// the pushing process included, the way a central broker would.
package memory

import (
	"context"
	"sync"

	"go.uber.org/atomic"
	"google.golang.org/protobuf/proto"

	"github.com/super-flat/flock/messaging"
)

const defaultBufferSize = 1024

// Broker routes frames between connections living in the same OS process
type Broker struct {
	mtx        sync.RWMutex
	codec      *messaging.Codec
	subs       map[*subscriber]struct{}
	bufferSize int
}

// BrokerOpt customizes a Broker
type BrokerOpt func(broker *Broker)

// WithBufferSize sets how many frames a subscriber can hold before pushes
// block
func WithBufferSize(size int) BrokerOpt {
	return func(broker *Broker) {
		broker.bufferSize = size
	}
}

// WithCodec sets the codec used to frame actions
func WithCodec(codec *messaging.Codec) BrokerOpt {
	return func(broker *Broker) {
		broker.codec = codec
	}
}

// NewBroker returns an empty broker
func NewBroker(opts ...BrokerOpt) *Broker {
	broker := &Broker{
		subs:       make(map[*subscriber]struct{}),
		bufferSize: defaultBufferSize,
	}
	for _, opt := range opts {
		opt(broker)
	}
	if broker.codec == nil {
		// a codec without compression cannot fail to build
		broker.codec, _ = messaging.NewCodec()
	}
	return broker
}

// Connect opens a new connection to the broker
func (b *Broker) Connect() *Conn {
	return &Conn{
		broker: b,
		faults: make(chan error, 1),
		done:   make(chan struct{}),
		subs:   make(map[*subscriber]struct{}),
	}
}

// Publish sends an action to every subscriber, as an external producer would
func (b *Broker) Publish(ctx context.Context, action proto.Message) error {
	frame, err := b.codec.Encode(action)
	if err != nil {
		return err
	}
	// copy the subscribers so no lock is held while blocked on a full buffer
	b.mtx.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mtx.RUnlock()

	for _, sub := range targets {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.done:
		case sub.frames <- frame:
		}
	}
	return nil
}

// Subscribers returns the number of open subscriptions
func (b *Broker) Subscribers() int {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	return len(b.subs)
}

func (b *Broker) register(sub *subscriber) {
	b.mtx.Lock()
	b.subs[sub] = struct{}{}
	b.mtx.Unlock()
}

func (b *Broker) unregister(sub *subscriber) {
	b.mtx.Lock()
	delete(b.subs, sub)
	b.mtx.Unlock()
}

// Conn is one connection to the in-memory broker
type Conn struct {
	broker *Broker
	faults chan error
	done   chan struct{}

	mtx  sync.Mutex
	subs map[*subscriber]struct{}

	once         sync.Once
	destroyCalls atomic.Int32
	releases     atomic.Int32
}

var _ messaging.Conn = (*Conn)(nil)

// Subscriber opens a new subscription
func (c *Conn) Subscriber(ctx context.Context) (messaging.Subscriber, error) {
	if c.isDestroyed() {
		return nil, messaging.ErrClosed
	}
	sub := &subscriber{
		conn:   c,
		frames: make(chan []byte, c.broker.bufferSize),
		done:   make(chan struct{}),
	}
	c.mtx.Lock()
	c.subs[sub] = struct{}{}
	c.mtx.Unlock()
	c.broker.register(sub)
	return sub, nil
}

// Pusher opens a new outbound socket
func (c *Conn) Pusher(ctx context.Context) (messaging.Pusher, error) {
	if c.isDestroyed() {
		return nil, messaging.ErrClosed
	}
	return &pusher{conn: c, done: make(chan struct{})}, nil
}

// Faults reports faults injected with Fault
func (c *Conn) Faults() <-chan error {
	return c.faults
}

// Fault simulates an asynchronous failure of the connection, for example a
// messaging.ErrPingTimeout
func (c *Conn) Fault(err error) {
	select {
	case c.faults <- err:
	default:
	}
}

// Destroy closes every socket of the connection. Pending frames are dropped.
func (c *Conn) Destroy() {
	c.destroyCalls.Inc()
	c.once.Do(func() {
		c.releases.Inc()
		close(c.done)
		c.mtx.Lock()
		for sub := range c.subs {
			sub.close()
		}
		c.mtx.Unlock()
	})
}

// DestroyCalls returns how many times Destroy was called
func (c *Conn) DestroyCalls() int {
	return int(c.destroyCalls.Load())
}

// Releases returns how many times the connection was actually released
func (c *Conn) Releases() int {
	return int(c.releases.Load())
}

func (c *Conn) isDestroyed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type subscriber struct {
	conn   *Conn
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) Receive(ctx context.Context) (proto.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, messaging.ErrClosed
	case frame := <-s.frames:
		return s.conn.broker.codec.Decode(frame)
	}
}

func (s *subscriber) Close() error {
	s.conn.mtx.Lock()
	delete(s.conn.subs, s)
	s.conn.mtx.Unlock()
	s.close()
	return nil
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.conn.broker.unregister(s)
		close(s.done)
	})
}

type pusher struct {
	conn *Conn
	done chan struct{}
	once sync.Once
}

func (p *pusher) Push(ctx context.Context, action proto.Message) error {
	select {
	case <-p.done:
		return messaging.ErrClosed
	case <-p.conn.done:
		return messaging.ErrClosed
	default:
	}
	return p.conn.broker.Publish(ctx, action)
}

func (p *pusher) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
