package shared

import (
	"context"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════
// Outbox
// ═══════════════════════════════════════════════════════════════════════════

// OutboxEntry is an event stored in the same write as the state it describes.
type OutboxEntry struct {
	Envelope  EventEnvelope
	CreatedAt time.Time
	Attempts  int
}

// Event rebuilds the stored event for publishing.
func (e OutboxEntry) Event() (Event, error) {
	return FromEnvelope(e.Envelope)
}

// Outbox keeps events until a publisher confirms them. Entries are keyed by
// event id, so storing the same fact twice keeps one entry.
type Outbox interface {
	// PendingEvents returns undelivered entries created before olderThan, oldest first.
	PendingEvents(ctx context.Context, olderThan time.Time, limit int) ([]OutboxEntry, error)
	// MarkDelivered removes the entry. Unknown ids are ignored.
	MarkDelivered(ctx context.Context, eventID string) error
	// MarkFailed counts a failed relay attempt.
	MarkFailed(ctx context.Context, eventID string) error
}

// OutboxEnvelopes converts events for storage in an outbox.
func OutboxEnvelopes(events []Event) ([]EventEnvelope, error) {
	out := make([]EventEnvelope, 0, len(events))
	for _, e := range events {
		env, err := NewEnvelope(e, "outbox")
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}
