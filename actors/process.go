package actors

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/super-flat/flock/action"
	"github.com/super-flat/flock/messaging"
	"github.com/super-flat/flock/state"
)

const defaultInitMaxRetries = 5

// EmitFunc sends one handler output outward
type EmitFunc func(ctx context.Context, act proto.Message) error

// Process is one actor of the fleet. It receives actions from the broker,
// applies them to its state store, dispatches them to its handlers and
// pushes the handlers' outputs back to the broker, one action at a time.
type Process struct {
	id       string
	name     string
	registry *Registry
	conn     messaging.Conn
	store    state.Store

	init           InitFunc
	initMaxRetries uint64
	logger         *zap.Logger
	meterProvider  metric.MeterProvider
	metrics        *dispatchMetrics
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer

	started    atomic.Bool
	status     atomic.Int32
	mtx        sync.RWMutex
	subscriber messaging.Subscriber
	pusher     messaging.Pusher
}

// NewProcess returns a process of the type described by registry. The
// messaging connection is shared with the rest of the OS process and is
// never destroyed by the Process itself.
func NewProcess(name string, registry *Registry, conn messaging.Conn, store state.Store, opts ...ProcessOpt) *Process {
	process := &Process{
		id:             uuid.NewString(),
		name:           name,
		registry:       registry,
		conn:           conn,
		store:          store,
		init:           func(context.Context, *Process) error { return nil },
		initMaxRetries: defaultInitMaxRetries,
		logger:         zap.NewNop(),
		meterProvider:  otel.GetMeterProvider(),
		tracerProvider: otel.GetTracerProvider(),
	}
	// set the custom options to override the default values
	for _, opt := range opts {
		opt(process)
	}
	process.logger = process.logger.With(zap.String("process", name), zap.String("process_id", process.id))
	process.tracer = process.tracerProvider.Tracer(instrumentationName)
	metrics, err := newDispatchMetrics(process.meterProvider)
	if err != nil {
		process.logger.Warn("failed to create dispatch metrics", zap.Error(err))
		metrics = noopDispatchMetrics()
	}
	process.metrics = metrics
	return process
}

// ID returns the unique identifier of this process instance
func (p *Process) ID() string { return p.id }

// Name returns the process type name
func (p *Process) Name() string { return p.name }

// Logger returns the process logger
func (p *Process) Logger() *zap.Logger { return p.logger }

// Status returns the lifecycle stage of the process
func (p *Process) Status() Status { return Status(p.status.Load()) }

// Subscriber returns the subscription socket of a running process
func (p *Process) Subscriber() (messaging.Subscriber, error) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	if p.subscriber == nil {
		return nil, ErrNotRunning
	}
	return p.subscriber, nil
}

// Pusher returns the outbound socket of a running process
func (p *Process) Pusher() (messaging.Pusher, error) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	if p.pusher == nil {
		return nil, ErrNotRunning
	}
	return p.pusher, nil
}

// Push sends an action to the broker
func (p *Process) Push(ctx context.Context, act proto.Message) error {
	pusher, err := p.Pusher()
	if err != nil {
		return err
	}
	return pusher.Push(ctx, act)
}

// Run acquires the sockets, runs the initialization hook and then dispatches
// actions until the context is cancelled or a handler fails. Handler errors
// are returned as is; Run never recovers from them. The process reports
// Running once its sockets are acquired, before the initialization hook.
func (p *Process) Run(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer p.stop()

	if err := p.open(ctx); err != nil {
		return err
	}
	p.status.Store(int32(Running))
	if err := p.selfInit(ctx); err != nil {
		return err
	}
	p.logger.Info("process started", zap.Int("handlers", p.registry.Len()))

	subscriber, _ := p.Subscriber()
	for {
		received, err := subscriber.Receive(ctx)
		if err != nil {
			return err
		}
		if err := p.HandleAction(ctx, received, p.Push); err != nil {
			return err
		}
	}
}

// HandleAction runs one dispatch step: the action is applied to the state
// store, then handed to the handler registered for its exact type, if any,
// with the handler's state dependencies resolved in declared order. Every
// non-nil output is passed to emit, in order, before HandleAction returns.
func (p *Process) HandleAction(ctx context.Context, act proto.Message, emit EmitFunc) (err error) {
	// get the observability span
	spanCtx, span := p.startSpan(ctx, "Process.HandleAction")
	defer func() { endSpan(span, err) }()

	actionType := action.TypeOf(act)
	span.SetAttributes(attribute.String("action", string(actionType)))
	p.metrics.onReceived(spanCtx, p.name, actionType)

	if err := p.store.Apply(spanCtx, act); err != nil {
		return errors.Wrapf(err, "failed to apply %s to the state store", actionType)
	}

	handler, ok := p.registry.Lookup(actionType)
	if !ok {
		p.metrics.onMiss(spanCtx, p.name, actionType)
		return nil
	}

	start := time.Now()
	defer p.metrics.onHandled(spanCtx, p.name, actionType, start)

	states, err := p.resolveStates(spanCtx, handler)
	if err != nil {
		return err
	}

	switch handler.kind {
	case SingleResult:
		output, err := handler.single(spanCtx, p, act, states)
		if err != nil {
			return errors.Wrapf(err, "handler of %s failed", actionType)
		}
		return p.emit(spanCtx, output, emit)
	case MultiResult:
		outputs, err := handler.multi(spanCtx, p, act, states)
		if err != nil {
			return errors.Wrapf(err, "handler of %s failed", actionType)
		}
		for output, err := range outputs {
			if err != nil {
				return errors.Wrapf(err, "handler of %s failed", actionType)
			}
			if err := p.emit(spanCtx, output, emit); err != nil {
				return err
			}
		}
		return nil
	default:
		return errors.Errorf("handler of %s has an unknown kind %d", actionType, handler.kind)
	}
}

// resolveStates reads the handler's state dependencies in declared order
func (p *Process) resolveStates(ctx context.Context, handler Handler) ([]proto.Message, error) {
	if len(handler.states) == 0 {
		return nil, nil
	}
	states := make([]proto.Message, 0, len(handler.states))
	for _, stateType := range handler.states {
		value, err := p.store.Read(ctx, stateType)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read state %s for %s", stateType, handler.actionType)
		}
		states = append(states, value)
	}
	return states, nil
}

func (p *Process) emit(ctx context.Context, output proto.Message, emit EmitFunc) error {
	if output == nil || !output.ProtoReflect().IsValid() {
		return nil
	}
	outputType := action.TypeOf(output)
	if err := emit(ctx, output); err != nil {
		return errors.Wrapf(err, "failed to push %s", outputType)
	}
	p.metrics.onEmitted(ctx, p.name, outputType)
	return nil
}

// open acquires the sockets of the process
func (p *Process) open(ctx context.Context) error {
	subscriber, err := p.conn.Subscriber(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to open the subscriber socket")
	}
	pusher, err := p.conn.Pusher(ctx)
	if err != nil {
		_ = subscriber.Close()
		return errors.Wrap(err, "failed to open the push socket")
	}
	p.mtx.Lock()
	p.subscriber = subscriber
	p.pusher = pusher
	p.mtx.Unlock()
	return nil
}

// selfInit runs the initialization hook.
// An exponential backoff strategy is applied for some number of tries in case of error
// during the initialization. When the tries limit is reached the error is returned
// and the process does not start receiving actions
func (p *Process) selfInit(ctx context.Context) error {
	// get the observability span
	spanCtx, span := p.startSpan(ctx, "Process.Init")
	// create the exponential backoff object
	expoBackoff := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.initMaxRetries),
		spanCtx,
	)
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := p.init(spanCtx, p)
		if err != nil {
			p.logger.Warn("failed to initialize process", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}, expoBackoff)
	if err != nil {
		err = errors.Wrapf(err, "failed to initialize process after %d attempts", attempt)
	}
	endSpan(span, err)
	return err
}

// stop releases the sockets. The shared connection stays untouched.
func (p *Process) stop() {
	p.status.Store(int32(ShuttingDown))
	p.mtx.Lock()
	if p.subscriber != nil {
		if err := p.subscriber.Close(); err != nil {
			p.logger.Debug("failed to close the subscriber socket", zap.Error(err))
		}
	}
	if p.pusher != nil {
		if err := p.pusher.Close(); err != nil {
			p.logger.Debug("failed to close the push socket", zap.Error(err))
		}
	}
	p.subscriber = nil
	p.pusher = nil
	p.mtx.Unlock()
	p.status.Store(int32(Stopped))
	p.logger.Info("process stopped")
}
