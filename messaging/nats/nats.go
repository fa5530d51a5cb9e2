// Package nats implements the messaging contracts on top of a NATS server
// acting as the central broker.
package nats

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	natsgo "github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/super-flat/flock/messaging"
)

// Config defines how to reach the broker
type Config struct {
	// URL of the NATS server
	URL string
	// Name identifies the connection on the server
	Name string
	// Subject the process subscribes to
	Subject string
	// PushSubject the process pushes actions to. Defaults to Subject.
	PushSubject string
	// PingInterval is the interval between liveness probes
	PingInterval time.Duration
	// MaxPingsOutstanding is how many probes may go unanswered before the
	// broker is declared unreachable
	MaxPingsOutstanding int
	// ConnectRetries bounds the attempts made to reach the broker at start
	ConnectRetries uint64
	// MaxReconnects bounds the reconnection attempts after a disconnect.
	// Once exhausted the broker is declared unreachable.
	MaxReconnects int
	// Compression enables zstd compression of outgoing frames
	Compression bool
	// Logger defaults to a no-op logger
	Logger *zap.Logger
}

func (cfg *Config) setDefaults() {
	if cfg.URL == "" {
		cfg.URL = natsgo.DefaultURL
	}
	if cfg.Subject == "" {
		cfg.Subject = "flock.actions"
	}
	if cfg.PushSubject == "" {
		cfg.PushSubject = cfg.Subject
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 2 * time.Second
	}
	if cfg.MaxPingsOutstanding <= 0 {
		cfg.MaxPingsOutstanding = 3
	}
	if cfg.ConnectRetries == 0 {
		cfg.ConnectRetries = 5
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

// Conn is the process-wide NATS connection
type Conn struct {
	cfg    Config
	nc     *natsgo.Conn
	dialer *dialer
	codec  *messaging.Codec
	logger *zap.Logger

	faults    chan error
	faultOnce sync.Once
	done      chan struct{}
	once      sync.Once
	wg        sync.WaitGroup
}

var _ messaging.Conn = (*Conn)(nil)

// Connect dials the broker, retrying with exponential backoff, and starts
// the liveness probe
func Connect(ctx context.Context, cfg Config) (*Conn, error) {
	cfg.setDefaults()
	var codecOpts []messaging.CodecOpt
	if cfg.Compression {
		codecOpts = append(codecOpts, messaging.WithCompression())
	}
	codec, err := messaging.NewCodec(codecOpts...)
	if err != nil {
		return nil, err
	}

	conn := &Conn{
		cfg:    cfg,
		codec:  codec,
		logger: cfg.Logger.With(zap.String("broker", cfg.URL)),
		dialer: &dialer{Dialer: net.Dialer{Timeout: natsgo.DefaultTimeout}},
		faults: make(chan error, 1),
		done:   make(chan struct{}),
	}

	opts := []natsgo.Option{
		natsgo.Name(cfg.Name),
		natsgo.PingInterval(cfg.PingInterval),
		natsgo.MaxPingsOutstanding(cfg.MaxPingsOutstanding),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.PingInterval),
		natsgo.DisconnectErrHandler(conn.onDisconnect),
		natsgo.ClosedHandler(conn.onClosed),
		natsgo.ErrorHandler(conn.onAsyncError),
		natsgo.SetCustomDialer(conn.dialer),
	}

	expoBackoff := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), cfg.ConnectRetries),
		ctx,
	)
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		nc, err := natsgo.Connect(cfg.URL, opts...)
		if err != nil {
			conn.logger.Warn("failed to reach broker", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		conn.nc = nc
		return nil
	}, expoBackoff)
	if err != nil {
		codec.Close()
		return nil, errors.Wrapf(err, "failed to connect to broker after %d attempts", attempt)
	}

	conn.wg.Add(1)
	go conn.probe()
	conn.logger.Debug("connected to broker")
	return conn, nil
}

// Subscriber opens a subscription on the configured subject. Frames the
// process has not received yet are queued without limit, so a slow process
// never loses actions.
func (c *Conn) Subscriber(ctx context.Context) (messaging.Subscriber, error) {
	if c.isDestroyed() {
		return nil, messaging.ErrClosed
	}
	sub, err := c.nc.SubscribeSync(c.cfg.Subject)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to subscribe to %s", c.cfg.Subject)
	}
	if err := sub.SetPendingLimits(-1, -1); err != nil {
		_ = sub.Unsubscribe()
		return nil, errors.Wrapf(err, "failed to lift the pending limits of %s", c.cfg.Subject)
	}
	return &subscriber{conn: c, sub: sub, done: make(chan struct{})}, nil
}

// Pusher returns a socket publishing on the push subject
func (c *Conn) Pusher(ctx context.Context) (messaging.Pusher, error) {
	if c.isDestroyed() {
		return nil, messaging.ErrClosed
	}
	return &pusher{conn: c, done: make(chan struct{})}, nil
}

// Faults reports messaging.ErrPingTimeout when the broker is lost
func (c *Conn) Faults() <-chan error {
	return c.faults
}

// Destroy closes the connection without draining pending publishes. The
// socket is reset before the client is closed, so frames still buffered
// are discarded rather than flushed.
func (c *Conn) Destroy() {
	c.once.Do(func() {
		close(c.done)
		c.dialer.drop()
		c.nc.Close()
		c.wg.Wait()
		c.codec.Close()
		c.logger.Debug("broker connection destroyed")
	})
}

// probe checks the broker round trip on every ping interval. The client's
// own PING handling covers silent peers; the probe covers a server that
// accepts the TCP session but stops answering.
func (c *Conn) probe() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	timeout := c.cfg.PingInterval * time.Duration(c.cfg.MaxPingsOutstanding)
	var failingSince time.Time
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.nc.FlushTimeout(c.cfg.PingInterval); err != nil {
				if failingSince.IsZero() {
					failingSince = time.Now()
				}
				c.logger.Debug("broker probe failed", zap.Error(err))
				if time.Since(failingSince) >= timeout {
					c.fault(errors.Wrapf(messaging.ErrPingTimeout, "no answer for %s", timeout))
				}
				continue
			}
			failingSince = time.Time{}
		}
	}
}

func (c *Conn) onDisconnect(_ *natsgo.Conn, err error) {
	if err == nil || c.isDestroyed() {
		return
	}
	c.logger.Warn("disconnected from broker", zap.Error(err))
	if errors.Is(err, natsgo.ErrStaleConnection) {
		c.fault(errors.Wrap(messaging.ErrPingTimeout, err.Error()))
	}
}

// onClosed fires once reconnection attempts are exhausted
func (c *Conn) onClosed(_ *natsgo.Conn) {
	if c.isDestroyed() {
		return
	}
	c.fault(errors.Wrap(messaging.ErrPingTimeout, "broker connection closed"))
}

// onAsyncError logs the errors the client cannot return to a caller
func (c *Conn) onAsyncError(_ *natsgo.Conn, sub *natsgo.Subscription, err error) {
	if c.isDestroyed() {
		return
	}
	fields := []zap.Field{zap.Error(err)}
	if sub != nil {
		fields = append(fields, zap.String("subject", sub.Subject))
	}
	if errors.Is(err, natsgo.ErrSlowConsumer) {
		c.logger.Error("slow consumer, actions were dropped", fields...)
		return
	}
	c.logger.Warn("asynchronous broker error", fields...)
}

// fault reports the first liveness failure only
func (c *Conn) fault(err error) {
	c.faultOnce.Do(func() {
		c.faults <- err
	})
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
	conn *Conn
	sub  *natsgo.Subscription
	done chan struct{}
	once sync.Once
}

func (s *subscriber) Receive(ctx context.Context) (proto.Message, error) {
	if s.isClosed() {
		return nil, messaging.ErrClosed
	}
	msg, err := s.sub.NextMsgWithContext(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if s.isClosed() || errors.Is(err, natsgo.ErrConnectionClosed) || errors.Is(err, natsgo.ErrBadSubscription) {
			return nil, messaging.ErrClosed
		}
		return nil, errors.Wrapf(err, "failed to receive from %s", s.sub.Subject)
	}
	return s.conn.codec.Decode(msg.Data)
}

func (s *subscriber) isClosed() bool {
	select {
	case <-s.done:
		return true
	case <-s.conn.done:
		return true
	default:
		return false
	}
}

func (s *subscriber) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if !s.conn.isDestroyed() {
			err = s.sub.Unsubscribe()
		}
	})
	return err
}

type pusher struct {
	conn *Conn
	done chan struct{}
	once sync.Once
}

func (p *pusher) Push(ctx context.Context, action proto.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-p.done:
		return messaging.ErrClosed
	case <-p.conn.done:
		return messaging.ErrClosed
	default:
	}
	frame, err := p.conn.codec.Encode(action)
	if err != nil {
		return err
	}
	if err := p.conn.nc.Publish(p.conn.cfg.PushSubject, frame); err != nil {
		return errors.Wrapf(err, "failed to push to %s", p.conn.cfg.PushSubject)
	}
	return nil
}

func (p *pusher) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// dialer keeps the socket of the current session so Destroy can reset it
// without waiting for buffered frames to be written
type dialer struct {
	net.Dialer
	mtx     sync.Mutex
	conn    net.Conn
	dropped bool
}

var _ natsgo.CustomDialer = (*dialer)(nil)

func (d *dialer) Dial(network, address string) (net.Conn, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.dropped {
		return nil, messaging.ErrClosed
	}
	conn, err := d.Dialer.Dial(network, address)
	if err != nil {
		return nil, err
	}
	d.conn = conn
	return conn, nil
}

// current returns the socket of the current session, if any
func (d *dialer) current() net.Conn {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.conn
}

// drop resets the current socket and refuses any further dial
func (d *dialer) drop() {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.dropped = true
	if d.conn == nil {
		return
	}
	if tcp, ok := d.conn.(*net.TCPConn); ok {
		_ = tcp.SetLinger(0)
	}
	_ = d.conn.Close()
	d.conn = nil
}
