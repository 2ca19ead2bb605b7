// Package messaging delivers domain events after commit: in process, over
// Redis pub/sub, or to NATS subjects for analytics and notification consumers.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alem-hub/research-pipeline/internal/domain/shared"
	rediscache "github.com/alem-hub/research-pipeline/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/research-pipeline/pkg/logger"
)

var (
	// ErrEventBusClosed is returned by Publish and Subscribe after Close.
	ErrEventBusClosed = errors.New("messaging: event bus is closed")

	// ErrNilHandler is returned when subscribing a nil handler.
	ErrNilHandler = errors.New("messaging: handler cannot be nil")
)

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// InMemoryEventBus delivers events to handlers in this process.
type InMemoryEventBus struct {
	mu          sync.RWMutex
	handlers    map[shared.EventType][]shared.EventHandler
	allHandlers []shared.EventHandler
	asyncMode   bool
	workerPool  chan struct{}
	log         *logger.Logger
	closed      bool
	closeCh     chan struct{}
	wg          sync.WaitGroup
}

// InMemoryEventBusConfig contains configuration for InMemoryEventBus.
type InMemoryEventBusConfig struct {
	// AsyncMode runs handlers on a bounded worker pool; Publish does not wait.
	AsyncMode      bool
	WorkerPoolSize int
	Logger         *logger.Logger
}

// DefaultInMemoryEventBusConfig returns sensible defaults.
func DefaultInMemoryEventBusConfig() InMemoryEventBusConfig {
	return InMemoryEventBusConfig{
		AsyncMode:      true,
		WorkerPoolSize: 10,
	}
}

// NewInMemoryEventBus creates a new in-memory event bus.
func NewInMemoryEventBus(config InMemoryEventBusConfig) *InMemoryEventBus {
	if config.Logger == nil {
		config.Logger = logger.Default()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 10
	}

	return &InMemoryEventBus{
		handlers:   make(map[shared.EventType][]shared.EventHandler),
		asyncMode:  config.AsyncMode,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		log:        config.Logger.With(logger.Component("event_bus")),
		closeCh:    make(chan struct{}),
	}
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	if handler == nil {
		return ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrEventBusClosed
	}
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	return nil
}

// SubscribeAll registers a handler for all events.
func (b *InMemoryEventBus) SubscribeAll(handler shared.EventHandler) error {
	if handler == nil {
		return ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrEventBusClosed
	}
	b.allHandlers = append(b.allHandlers, handler)
	return nil
}

// Publish hands the event to every matching handler. In sync mode the first
// handler error is returned after all handlers ran.
func (b *InMemoryEventBus) Publish(ctx context.Context, event shared.Event) error {
	if event == nil {
		return errors.New("messaging: event cannot be nil")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrEventBusClosed
	}
	handlers := make([]shared.EventHandler, 0, len(b.handlers[event.EventType()])+len(b.allHandlers))
	handlers = append(handlers, b.handlers[event.EventType()]...)
	handlers = append(handlers, b.allHandlers...)
	b.mu.RUnlock()

	if b.asyncMode {
		for _, h := range handlers {
			b.executeAsync(event, h)
		}
		return nil
	}

	var first error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			b.log.Error("handler error",
				logger.String("event_type", string(event.EventType())),
				logger.Err(err),
			)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// executeAsync runs the handler on the worker pool with a detached context;
// the publisher's request may end before the handler runs.
func (b *InMemoryEventBus) executeAsync(event shared.Event, handler shared.EventHandler) {
	b.wg.Add(1)

	go func() {
		defer b.wg.Done()

		select {
		case b.workerPool <- struct{}{}:
			defer func() { <-b.workerPool }()
		case <-b.closeCh:
			return
		}

		start := time.Now()
		if err := handler(context.Background(), event); err != nil {
			b.log.Error("async handler error",
				logger.String("event_type", string(event.EventType())),
				logger.Latency(time.Since(start)),
				logger.Err(err),
			)
		}
	}()
}

// Close stops accepting events and waits for running handlers.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.closeCh)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// REDIS EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// RedisEventBus publishes envelopes on per-type Redis channels and delivers
// received ones to a local in-memory bus. Pub/sub is at-most-once; consumers
// that need every event read them from NATS.
type RedisEventBus struct {
	cache  *rediscache.Cache
	local  *InMemoryEventBus
	source string
	log    *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	closed  bool
}

// RedisEventBusConfig contains configuration for RedisEventBus.
type RedisEventBusConfig struct {
	Cache *rediscache.Cache
	// Source is stamped on every envelope, usually the instance name.
	Source string
	Logger *logger.Logger
}

// NewRedisEventBus creates a bus on top of cache. Subscribers are served once Start is called.
func NewRedisEventBus(config RedisEventBusConfig) (*RedisEventBus, error) {
	if config.Cache == nil {
		return nil, errors.New("messaging: redis cache is required")
	}
	if config.Logger == nil {
		config.Logger = logger.Default()
	}
	if config.Source == "" {
		config.Source = "research-pipeline"
	}
	local := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: false, Logger: config.Logger})
	return &RedisEventBus{
		cache:  config.Cache,
		local:  local,
		source: config.Source,
		log:    config.Logger.With(logger.Component("redis_event_bus")),
	}, nil
}

// Subscribe registers a handler for events received from Redis.
func (b *RedisEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	return b.local.Subscribe(eventType, handler)
}

// SubscribeAll registers a handler for every event received from Redis.
func (b *RedisEventBus) SubscribeAll(handler shared.EventHandler) error {
	return b.local.SubscribeAll(handler)
}

// Publish sends the event envelope to its channel.
func (b *RedisEventBus) Publish(ctx context.Context, event shared.Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrEventBusClosed
	}

	data, err := encodeEnvelope(event, b.source)
	if err != nil {
		return err
	}
	channel := b.cache.Keys().EventChannel(string(event.EventType()))
	if err := b.cache.Publish(ctx, channel, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", event.EventType(), err)
	}
	return nil
}

// Start subscribes to every event channel and dispatches until ctx ends or Close.
func (b *RedisEventBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrEventBusClosed
	}
	if b.started {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	pubsub := b.cache.Subscribe(ctx, b.cache.Keys().EventChannel("*"))
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return fmt.Errorf("messaging: subscribe: %w", err)
	}

	b.cancel = cancel
	b.done = make(chan struct{})
	b.started = true

	go func() {
		defer close(b.done)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.handle(ctx, []byte(msg.Payload))
			}
		}
	}()
	return nil
}

func (b *RedisEventBus) handle(ctx context.Context, data []byte) {
	event, err := decodeEnvelope(data)
	if err != nil {
		b.log.Warn("dropping undecodable event", logger.Err(err))
		return
	}
	_ = b.local.Publish(ctx, event)
}

// Close stops the subscriber loop.
func (b *RedisEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return b.local.Close()
}

// ══════════════════════════════════════════════════════════════════════════════
// ENVELOPES
// ══════════════════════════════════════════════════════════════════════════════

func encodeEnvelope(event shared.Event, source string) ([]byte, error) {
	env, err := shared.NewEnvelope(event, source)
	if err != nil {
		return nil, fmt.Errorf("messaging: encode %s: %w", event.EventType(), err)
	}
	return json.Marshal(env)
}

func decodeEnvelope(data []byte) (*shared.EnvelopeEvent, error) {
	var env shared.EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if strings.TrimSpace(string(env.Type)) == "" {
		return nil, errors.New("envelope without type")
	}
	return shared.FromEnvelope(env)
}

var (
	_ shared.EventBus = (*InMemoryEventBus)(nil)
	_ shared.EventBus = (*RedisEventBus)(nil)
)
