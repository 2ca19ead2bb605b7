package application

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/research-pipeline/internal/domain/shared"
	"github.com/alem-hub/research-pipeline/pkg/logger"
	"github.com/alem-hub/research-pipeline/pkg/retry"
)

// EventSink publishes events after the state they describe is committed.
// Delivery is retried a few times; a final failure is logged and counted but
// never undoes the committed state. With an outbox attached, the event stays
// there until a publish succeeds, and Relay delivers what is left.
type EventSink struct {
	publisher shared.EventPublisher
	outbox    shared.Outbox
	retrier   *retry.Retrier
	log       *logger.Logger
	metrics   Metrics
}

// NewEventSink wraps publisher. A nil publisher drops events.
func NewEventSink(publisher shared.EventPublisher, log *logger.Logger, metrics Metrics) *EventSink {
	if publisher == nil {
		publisher = shared.NopPublisher{}
	}
	if log == nil {
		log = logger.Nop()
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &EventSink{
		publisher: publisher,
		retrier:   retry.PublishRetrier(),
		log:       log.With(logger.Component("event_sink")),
		metrics:   metrics,
	}
}

// WithOutbox attaches the outbox the repositories write to.
func (s *EventSink) WithOutbox(outbox shared.Outbox) *EventSink {
	s.outbox = outbox
	return s
}

// Publish delivers e and reports whether it went through.
func (s *EventSink) Publish(ctx context.Context, e shared.Event) bool {
	if err := s.deliver(ctx, e); err != nil {
		s.log.Error("failed to publish event",
			logger.String("event_id", e.EventID()),
			logger.String("event_type", string(e.EventType())),
			logger.String("aggregate_id", e.AggregateID()),
			logger.Bool("outbox", s.outbox != nil),
			logger.Err(err),
		)
		return false
	}
	return true
}

func (s *EventSink) deliver(ctx context.Context, e shared.Event) error {
	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		return s.publisher.Publish(ctx, e)
	})
	if err != nil {
		s.metrics.EventPublishFailed(string(e.EventType()))
		return err
	}
	if s.outbox != nil {
		if err := s.outbox.MarkDelivered(ctx, e.EventID()); err != nil {
			// Delivered; the relay may send it again.
			s.log.Warn("failed to clear outbox entry",
				logger.String("event_id", e.EventID()),
				logger.Err(err),
			)
		}
	}
	return nil
}

// RelayStats summarizes one Relay call.
type RelayStats struct {
	Delivered int
	Failed    int
}

// Relay publishes outbox entries created before olderThan. Failed entries
// stay in the outbox for the next call.
func (s *EventSink) Relay(ctx context.Context, olderThan time.Time, limit int) (RelayStats, error) {
	var stats RelayStats
	if s.outbox == nil {
		return stats, nil
	}

	entries, err := s.outbox.PendingEvents(ctx, olderThan, limit)
	if err != nil {
		return stats, fmt.Errorf("list outbox: %w", err)
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		e, err := entry.Event()
		if err == nil {
			err = s.deliver(ctx, e)
		}
		if err != nil {
			stats.Failed++
			s.log.Warn("outbox relay failed",
				logger.String("event_id", entry.Envelope.ID),
				logger.String("event_type", string(entry.Envelope.Type)),
				logger.Int("attempts", entry.Attempts+1),
				logger.Err(err),
			)
			if merr := s.outbox.MarkFailed(ctx, entry.Envelope.ID); merr != nil {
				s.log.Warn("failed to record relay attempt", logger.Err(merr))
			}
			continue
		}
		stats.Delivered++
	}
	return stats, nil
}
