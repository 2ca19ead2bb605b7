// Package application holds the use cases (command, query, saga, aggregation)
// and the small contracts they share.
package application

import "time"

// Metrics receives pipeline measurements. The Prometheus implementation
// lives in infrastructure/metrics.
type Metrics interface {
	SubmissionFinished(outcome string, elapsed time.Duration)
	ProgressionRetried()
	ProgressionConflicted()
	AchievementUnlocked(achievementID string)
	CounterDeduplicated(counter string)
	EventPublishFailed(eventType string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) SubmissionFinished(string, time.Duration) {}
func (NopMetrics) ProgressionRetried()                      {}
func (NopMetrics) ProgressionConflicted()                   {}
func (NopMetrics) AchievementUnlocked(string)               {}
func (NopMetrics) CounterDeduplicated(string)               {}
func (NopMetrics) EventPublishFailed(string)                {}

// Outcome labels for SubmissionFinished.
const (
	OutcomeValidated = "validated"
	OutcomeRejected  = "rejected"
	OutcomeRefused   = "refused"
	OutcomeFailed    = "failed"
)
