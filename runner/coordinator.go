package runner

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/super-flat/flock/messaging"
)

var (
	// ErrShuttingDown is returned when starting a task after shutdown began
	ErrShuttingDown = errors.New("the runtime is shutting down")
	// ErrNoCoordinator is returned by Go when the context does not belong
	// to a task of a Coordinator
	ErrNoCoordinator = errors.New("no coordinator in context")
)

type coordinatorKey struct{}

// TaskFunc is a unit of concurrent work. It must return once its context
// is cancelled.
type TaskFunc func(ctx context.Context) error

type task struct {
	name   string
	cancel context.CancelFunc
}

// Coordinator owns the concurrently running tasks of an OS process and the
// shared messaging connection. Errors escaping tasks are reported on
// Faults; Shutdown cancels every task, waits for all of them, then destroys
// the connection. The shutdown sequence runs at most once.
type Coordinator struct {
	conn   messaging.Conn
	logger *zap.Logger

	mtx      sync.Mutex
	tasks    map[*task]struct{}
	wg       sync.WaitGroup
	faults   chan *Fault
	stopping chan struct{}
	done     chan struct{}
	once     sync.Once

	errMtx    sync.Mutex
	unwindErr error
}

// NewCoordinator returns a Coordinator releasing conn at shutdown
func NewCoordinator(conn messaging.Conn, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		conn:     conn,
		logger:   logger,
		tasks:    make(map[*task]struct{}),
		faults:   make(chan *Fault),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Go runs fn in its own goroutine with a cancellable context derived from
// ctx. A returned error or a panic is reported as a Fault, unless shutdown
// has begun, in which case it is suppressed. The task context carries the
// coordinator, so a task can start sibling tasks with the package level Go.
func (c *Coordinator) Go(ctx context.Context, name string, fn TaskFunc) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.isStopping() {
		return ErrShuttingDown
	}
	taskCtx, cancel := context.WithCancel(context.WithValue(ctx, coordinatorKey{}, c))
	t := &task{name: name, cancel: cancel}
	c.tasks[t] = struct{}{}
	c.wg.Add(1)
	go c.run(taskCtx, t, fn)
	return nil
}

func (c *Coordinator) run(ctx context.Context, t *task, fn TaskFunc) {
	defer c.wg.Done()
	defer t.cancel()
	defer func() {
		c.mtx.Lock()
		delete(c.tasks, t)
		c.mtx.Unlock()
	}()

	var fault *Fault
	func() {
		defer func() {
			if r := recover(); r != nil {
				fault = &Fault{Task: t.name, Err: panicError{value: r}, Stack: debug.Stack()}
			}
		}()
		if err := fn(ctx); err != nil {
			fault = &Fault{Task: t.name, Err: err}
			// keep the stack of a panic recovered further down
			var st panicStacker
			if errors.As(err, &st) {
				fault.Stack = st.PanicStack()
			}
		}
	}()
	if fault == nil {
		c.logger.Debug("task completed", zap.String("task", t.name))
		return
	}

	if c.isStopping() {
		c.suppress(fault)
		return
	}
	select {
	case c.faults <- fault:
	case <-c.stopping:
		c.suppress(fault)
	}
}

// Go starts fn as a task of the coordinator owning ctx. Entry points use it
// to run their background work under the same fault handling and shutdown
// as themselves.
func Go(ctx context.Context, name string, fn TaskFunc) error {
	coordinator, ok := FromContext(ctx)
	if !ok {
		return ErrNoCoordinator
	}
	return coordinator.Go(ctx, name, fn)
}

// FromContext returns the coordinator running the task ctx belongs to
func FromContext(ctx context.Context) (*Coordinator, bool) {
	coordinator, ok := ctx.Value(coordinatorKey{}).(*Coordinator)
	return coordinator, ok
}

// Faults reports the errors escaping tasks
func (c *Coordinator) Faults() <-chan *Fault {
	return c.faults
}

// Outstanding returns the number of tasks still running
func (c *Coordinator) Outstanding() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.tasks)
}

// Shutdown schedules the shutdown sequence. Only the first call has an
// effect; it does not wait for the sequence to complete, use Done for that.
func (c *Coordinator) Shutdown(reason string) {
	c.once.Do(func() {
		c.mtx.Lock()
		close(c.stopping)
		c.mtx.Unlock()
		go c.shutdown(reason)
	})
}

// Done is closed once the shutdown sequence has completed
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Suppressed returns the errors discarded while draining the tasks
func (c *Coordinator) Suppressed() error {
	c.errMtx.Lock()
	defer c.errMtx.Unlock()
	return c.unwindErr
}

func (c *Coordinator) shutdown(reason string) {
	c.logger.Info("shutting down", zap.String("reason", reason))

	c.mtx.Lock()
	tasks := make([]*task, 0, len(c.tasks))
	for t := range c.tasks {
		tasks = append(tasks, t)
	}
	c.mtx.Unlock()

	c.logger.Info("cancelling outstanding tasks", zap.Int("count", len(tasks)))
	for _, t := range tasks {
		t.cancel()
	}
	c.wg.Wait()

	if err := c.Suppressed(); err != nil {
		c.logger.Debug("errors suppressed while draining tasks", zap.Error(err))
	}

	c.logger.Debug("destroying messaging connection")
	c.conn.Destroy()
	close(c.done)
}

func (c *Coordinator) suppress(fault *Fault) {
	c.errMtx.Lock()
	c.unwindErr = multierr.Append(c.unwindErr, fault)
	c.errMtx.Unlock()
}

func (c *Coordinator) isStopping() bool {
	select {
	case <-c.stopping:
		return true
	default:
		return false
	}
}
