package shared

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event.
type EventType string

const (
	EventContributionValidated EventType = "contribution.validated"
	EventAchievementUnlocked   EventType = "achievement.unlocked"
)

// eventNamespace scopes deterministic event ids. Redelivering the same fact
// yields the same id so consumers can dedupe.
var eventNamespace = uuid.MustParse("6f1c2a5e-8d3b-4c1e-9a7f-2b5d8e4c3a10")

// Event is the base interface for all domain events.
type Event interface {
	// EventID is unique per fact, stable across redelivery.
	EventID() string
	EventType() EventType
	OccurredAt() time.Time
	AggregateID() string
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	ID            string    `json:"event_id"`
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func (e BaseEvent) EventID() string       { return e.ID }
func (e BaseEvent) EventType() EventType  { return e.Type }
func (e BaseEvent) OccurredAt() time.Time { return e.Timestamp }
func (e BaseEvent) AggregateID() string   { return e.AggregateId }

// NewBaseEvent creates a base event whose id is derived from the type and a natural key.
func NewBaseEvent(eventType EventType, aggregateID, naturalKey string, at time.Time) BaseEvent {
	return BaseEvent{
		ID:          DeterministicEventID(eventType, naturalKey),
		Type:        eventType,
		Timestamp:   at.UTC(),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// DeterministicEventID returns a name-based UUID for the (type, key) pair.
func DeterministicEventID(eventType EventType, naturalKey string) string {
	return uuid.NewSHA1(eventNamespace, []byte(string(eventType)+"|"+naturalKey)).String()
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Contribution Events
// ═══════════════════════════════════════════════════════════════════════════

// ContributionValidatedEvent is emitted once a contribution reaches a final status.
// Despite the name it is emitted for Rejected outcomes too; Status tells them apart.
type ContributionValidatedEvent struct {
	BaseEvent
	ContributionID  string  `json:"contribution_id"`
	UserID          string  `json:"user_id"`
	ProblemID       string  `json:"problem_id"`
	Status          string  `json:"status"`
	Quality         float64 `json:"quality"`
	Confidence      float64 `json:"confidence"`
	Points          int     `json:"points"`
	Reason          string  `json:"reason,omitempty"`
	FailedCriterion string  `json:"failed_criterion,omitempty"`
}

// Payload implements Event interface.
func (e ContributionValidatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"contribution_id":  e.ContributionID,
		"user_id":          e.UserID,
		"problem_id":       e.ProblemID,
		"status":           e.Status,
		"quality":          e.Quality,
		"confidence":       e.Confidence,
		"points":           e.Points,
		"reason":           e.Reason,
		"failed_criterion": e.FailedCriterion,
	}
}

// NewContributionValidatedEvent creates a new ContributionValidatedEvent.
func NewContributionValidatedEvent(contributionID, userID, problemID, status string, quality, confidence float64, points int, at time.Time) ContributionValidatedEvent {
	return ContributionValidatedEvent{
		BaseEvent:      NewBaseEvent(EventContributionValidated, contributionID, contributionID, at),
		ContributionID: contributionID,
		UserID:         userID,
		ProblemID:      problemID,
		Status:         status,
		Quality:        quality,
		Confidence:     confidence,
		Points:         points,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Achievement Events
// ═══════════════════════════════════════════════════════════════════════════

// AchievementUnlockedEvent is emitted exactly once per (user, achievement) insert.
type AchievementUnlockedEvent struct {
	BaseEvent
	UserID        string `json:"user_id"`
	AchievementID string `json:"achievement_id"`
	Name          string `json:"name,omitempty"`
}

// Payload implements Event interface.
func (e AchievementUnlockedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":        e.UserID,
		"achievement_id": e.AchievementID,
		"name":           e.Name,
		"timestamp":      e.Timestamp.Format(time.RFC3339Nano),
	}
}

// NewAchievementUnlockedEvent creates a new AchievementUnlockedEvent.
func NewAchievementUnlockedEvent(userID, achievementID, name string, at time.Time) AchievementUnlockedEvent {
	return AchievementUnlockedEvent{
		BaseEvent:     NewBaseEvent(EventAchievementUnlocked, userID, userID+"/"+achievementID, at),
		UserID:        userID,
		AchievementID: achievementID,
		Name:          name,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Envelope (for serialization and transport)
// ═══════════════════════════════════════════════════════════════════════════

// EventEnvelope wraps an event for transport/storage.
type EventEnvelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Source        string          `json:"source,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope serializes an event's payload into an envelope.
func NewEnvelope(event Event, source string) (EventEnvelope, error) {
	payload, err := json.Marshal(event.Payload())
	if err != nil {
		return EventEnvelope{}, err
	}
	env := EventEnvelope{
		ID:          event.EventID(),
		Type:        event.EventType(),
		AggregateID: event.AggregateID(),
		Timestamp:   event.OccurredAt(),
		Version:     1,
		Source:      source,
		Payload:     payload,
	}
	if b, ok := event.(interface{ base() BaseEvent }); ok {
		env.CorrelationID = b.base().CorrelationID
	}
	return env, nil
}

func (e BaseEvent) base() BaseEvent { return e }

// EnvelopeEvent adapts a decoded envelope back into an Event for subscribers.
type EnvelopeEvent struct {
	Envelope EventEnvelope
	payload  map[string]interface{}
}

// FromEnvelope decodes the envelope payload.
func FromEnvelope(env EventEnvelope) (*EnvelopeEvent, error) {
	var payload map[string]interface{}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, err
		}
	}
	return &EnvelopeEvent{Envelope: env, payload: payload}, nil
}

func (e *EnvelopeEvent) EventID() string                 { return e.Envelope.ID }
func (e *EnvelopeEvent) EventType() EventType            { return e.Envelope.Type }
func (e *EnvelopeEvent) OccurredAt() time.Time           { return e.Envelope.Timestamp }
func (e *EnvelopeEvent) AggregateID() string             { return e.Envelope.AggregateID }
func (e *EnvelopeEvent) Payload() map[string]interface{} { return e.payload }

func (e *EnvelopeEvent) base() BaseEvent {
	return BaseEvent{
		ID:            e.Envelope.ID,
		Type:          e.Envelope.Type,
		Timestamp:     e.Envelope.Timestamp,
		AggregateId:   e.Envelope.AggregateID,
		Version:       e.Envelope.Version,
		CorrelationID: e.Envelope.CorrelationID,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	Subscribe(eventType EventType, handler EventHandler) error
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}

// NopPublisher drops every event. Used when publishing is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
