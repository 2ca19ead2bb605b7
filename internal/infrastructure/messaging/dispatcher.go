package messaging

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/alem-hub/research-pipeline/internal/domain/shared"
	"github.com/alem-hub/research-pipeline/pkg/logger"
	"github.com/alem-hub/research-pipeline/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCHER
// ══════════════════════════════════════════════════════════════════════════════

// Dispatcher registers handlers on a subscriber, wrapping each with
// middleware, a timeout and bounded retries. Events that still fail go to
// the dead letter queue.
type Dispatcher struct {
	subscriber  shared.EventSubscriber
	retrier     *retry.Retrier
	timeout     time.Duration
	log         *logger.Logger
	middlewares []Middleware
	dlq         *DeadLetterQueue
}

// DispatcherConfig holds dispatcher settings.
type DispatcherConfig struct {
	Subscriber     shared.EventSubscriber
	MaxAttempts    int
	InitialDelay   time.Duration
	HandlerTimeout time.Duration
	DeadLetterSize int
	Logger         *logger.Logger
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig(subscriber shared.EventSubscriber) DispatcherConfig {
	return DispatcherConfig{
		Subscriber:     subscriber,
		MaxAttempts:    3,
		InitialDelay:   100 * time.Millisecond,
		HandlerTimeout: 10 * time.Second,
		DeadLetterSize: 1000,
	}
}

// NewDispatcher creates a dispatcher with recovery and logging middleware installed.
func NewDispatcher(config DispatcherConfig) *Dispatcher {
	if config.Logger == nil {
		config.Logger = logger.Default()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	log := config.Logger.With(logger.Component("dispatcher"))

	d := &Dispatcher{
		subscriber: config.Subscriber,
		retrier: retry.New(
			retry.WithMaxAttempts(config.MaxAttempts),
			retry.WithInitialDelay(config.InitialDelay),
			retry.WithMaxDelay(5*time.Second),
			retry.WithJitter(0.2),
			retry.WithRetryIf(func(err error) bool { return !retry.IsPermanent(err) }),
		),
		timeout: config.HandlerTimeout,
		log:     log,
		dlq:     NewDeadLetterQueue(config.DeadLetterSize),
	}
	d.Use(RecoveryMiddleware(log), LoggingMiddleware(log))
	return d
}

// Middleware wraps an event handler.
type Middleware func(shared.EventHandler) shared.EventHandler

// Use appends middleware. It applies to handlers registered afterwards.
func (d *Dispatcher) Use(m ...Middleware) {
	d.middlewares = append(d.middlewares, m...)
}

// Register subscribes handler to eventType under name.
func (d *Dispatcher) Register(eventType shared.EventType, name string, handler shared.EventHandler) error {
	return d.subscriber.Subscribe(eventType, d.wrap(name, handler))
}

// RegisterAll subscribes handler to every event under name.
func (d *Dispatcher) RegisterAll(name string, handler shared.EventHandler) error {
	return d.subscriber.SubscribeAll(d.wrap(name, handler))
}

func (d *Dispatcher) wrap(name string, handler shared.EventHandler) shared.EventHandler {
	h := handler
	for i := len(d.middlewares) - 1; i >= 0; i-- {
		h = d.middlewares[i](h)
	}
	if d.timeout > 0 {
		h = TimeoutMiddleware(d.timeout)(h)
	}

	return func(ctx context.Context, event shared.Event) error {
		err := d.retrier.Do(ctx, func(ctx context.Context) error {
			return h(ctx, event)
		})
		if err != nil {
			d.dlq.Add(DeadLetterEntry{
				Handler:  name,
				Event:    event,
				Err:      err.Error(),
				FailedAt: time.Now().UTC(),
			})
			d.log.Error("handler gave up",
				logger.String("handler", name),
				logger.String("event_id", event.EventID()),
				logger.Err(err),
			)
		}
		return err
	}
}

// DeadLetterQueue returns the queue of events whose handlers gave up.
func (d *Dispatcher) DeadLetterQueue() *DeadLetterQueue { return d.dlq }

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// RecoveryMiddleware turns a handler panic into a permanent error.
func RecoveryMiddleware(log *logger.Logger) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(ctx context.Context, event shared.Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("handler panic",
						logger.String("event_type", string(event.EventType())),
						logger.Any("panic", r),
						logger.String("stack", string(debug.Stack())),
					)
					err = retry.Permanent(fmt.Errorf("handler panic: %v", r))
				}
			}()
			return next(ctx, event)
		}
	}
}

// LoggingMiddleware logs handler failures with their latency.
func LoggingMiddleware(log *logger.Logger) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(ctx context.Context, event shared.Event) error {
			start := time.Now()
			err := next(ctx, event)
			if err != nil {
				log.Warn("handler failed",
					logger.String("event_type", string(event.EventType())),
					logger.String("event_id", event.EventID()),
					logger.Latency(time.Since(start)),
					logger.Err(err),
				)
			}
			return err
		}
	}
}

// TimeoutMiddleware bounds each handler call.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(ctx context.Context, event shared.Event) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, event)
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// DEAD LETTER QUEUE
// ══════════════════════════════════════════════════════════════════════════════

// DeadLetterEntry is an event a handler gave up on.
type DeadLetterEntry struct {
	Handler  string
	Event    shared.Event
	Err      string
	FailedAt time.Time
}

// DeadLetterQueue is a bounded FIFO; the oldest entry is dropped when full.
type DeadLetterQueue struct {
	mu      sync.Mutex
	entries []DeadLetterEntry
	maxSize int
}

// NewDeadLetterQueue creates a queue holding at most maxSize entries.
func NewDeadLetterQueue(maxSize int) *DeadLetterQueue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &DeadLetterQueue{maxSize: maxSize}
}

// Add appends an entry.
func (q *DeadLetterQueue) Add(entry DeadLetterEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.maxSize {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, entry)
}

// Entries returns a copy of the queue.
func (q *DeadLetterQueue) Entries() []DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetterEntry(nil), q.entries...)
}

// Size returns the number of entries.
func (q *DeadLetterQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Pop removes and returns the oldest entry.
func (q *DeadLetterQueue) Pop() (DeadLetterEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return DeadLetterEntry{}, false
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e, true
}
