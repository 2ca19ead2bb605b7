// Package contribution holds the submitted solutions, the validator that
// measures them against a problem's criteria, and the scoring engine.
package contribution

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/research-pipeline/internal/domain/problem"
	"github.com/alem-hub/research-pipeline/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// STATUS
// ══════════════════════════════════════════════════════════════════════════════

// Status is the validation status. Pending moves to Validated or Rejected, never back.
type Status string

const (
	StatusPending   Status = "pending"
	StatusValidated Status = "validated"
	StatusRejected  Status = "rejected"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusValidated, StatusRejected:
		return true
	}
	return false
}

// IsFinal reports whether the pipeline is done with the contribution.
func (s Status) IsFinal() bool {
	return s == StatusValidated || s == StatusRejected
}

// Blocks reports whether a contribution in this status blocks a new submission
// from the same user to the same problem.
func (s Status) Blocks() bool {
	return s == StatusPending || s == StatusValidated
}

func (s Status) String() string { return string(s) }

// ══════════════════════════════════════════════════════════════════════════════
// METADATA
// ══════════════════════════════════════════════════════════════════════════════

// Metadata is the behavioural context reported with a submission.
type Metadata struct {
	TimeSpentSeconds *float64 `json:"time_spent_seconds,omitempty"`
	// Certainty is the user's self-reported confidence, expected in [0,1].
	Certainty *float64 `json:"certainty,omitempty"`
}

// SpentSeconds returns the reported time in seconds. Missing and non-finite
// values are unknown.
func (m Metadata) SpentSeconds() (float64, bool) {
	if m.TimeSpentSeconds == nil {
		return 0, false
	}
	v := *m.TimeSpentSeconds
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Clamp records one metric value that was pulled back into its valid range.
type Clamp struct {
	Metric  string  `json:"metric"`
	Raw     float64 `json:"raw"`
	Clamped float64 `json:"clamped"`
}

// ══════════════════════════════════════════════════════════════════════════════
// CONTRIBUTION
// ══════════════════════════════════════════════════════════════════════════════

// Contribution is one user's solution to one problem and its validation outcome.
type Contribution struct {
	ID          string
	UserID      string
	ProblemID   string
	ProblemType problem.Type
	// Payload is the solution as submitted; Solution is its decoded form.
	Payload  json.RawMessage
	Solution Solution
	Metadata Metadata

	Status          Status
	QualityScore    *float64
	ConfidenceScore *float64
	PointsAwarded   int
	RejectionReason shared.ReasonCode
	FailedCriterion string

	// Metrics and Clamps are captured at validation so a resumed run scores
	// exactly what was measured.
	Metrics map[string]float64
	Clamps  []Clamp

	SubmittedAt time.Time
	ValidatedAt *time.Time
}

// NewPending creates a Pending contribution from an accepted measurement.
func NewPending(userID string, p *problem.Problem, sub Submission, m *Measurement, at time.Time) *Contribution {
	return &Contribution{
		ID:          uuid.NewString(),
		UserID:      userID,
		ProblemID:   p.ID,
		ProblemType: p.Type,
		Payload:     sub.Payload,
		Solution:    m.Solution,
		Metadata:    sub.Metadata,
		Status:      StatusPending,
		Metrics:     m.Metrics,
		Clamps:      m.Clamps,
		SubmittedAt: at.UTC(),
	}
}

// Finalize records the scoring outcome. It fails unless the contribution is Pending.
func (c *Contribution) Finalize(s Scores, at time.Time) error {
	if c.Status != StatusPending {
		return shared.NewDomainError("contribution", "Finalize", shared.ErrStateTransition,
			"contribution "+c.ID+" is already "+string(c.Status))
	}
	if !s.Status.IsFinal() {
		return shared.NewDomainError("contribution", "Finalize", shared.ErrStateTransition,
			"cannot finalize into "+string(s.Status))
	}

	q, conf := s.Quality, s.Confidence
	validatedAt := at.UTC()

	c.Status = s.Status
	c.QualityScore = &q
	c.ConfidenceScore = &conf
	c.PointsAwarded = s.Points
	c.RejectionReason = s.Reason
	c.FailedCriterion = s.FailedCriterion
	c.ValidatedAt = &validatedAt
	return nil
}

// Scores returns the finalized scores. ok is false while Pending.
func (c *Contribution) Scores() (quality, confidence float64, ok bool) {
	if c.QualityScore == nil || c.ConfidenceScore == nil {
		return 0, 0, false
	}
	return *c.QualityScore, *c.ConfidenceScore, true
}

// Clone returns a deep copy.
func (c *Contribution) Clone() *Contribution {
	cp := *c
	if c.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), c.Payload...)
	}
	if c.QualityScore != nil {
		v := *c.QualityScore
		cp.QualityScore = &v
	}
	if c.ConfidenceScore != nil {
		v := *c.ConfidenceScore
		cp.ConfidenceScore = &v
	}
	if c.ValidatedAt != nil {
		v := *c.ValidatedAt
		cp.ValidatedAt = &v
	}
	if c.Metrics != nil {
		cp.Metrics = make(map[string]float64, len(c.Metrics))
		for k, v := range c.Metrics {
			cp.Metrics[k] = v
		}
	}
	cp.Clamps = append([]Clamp(nil), c.Clamps...)
	return &cp
}

// Submission is the raw input of SubmitSolution before validation.
type Submission struct {
	Payload  json.RawMessage
	Metadata Metadata
}

// RestoreSolution decodes Payload into Solution after loading from storage.
func (c *Contribution) RestoreSolution() error {
	if c.Solution != nil || len(c.Payload) == 0 {
		return nil
	}
	sol, err := DecodeSolution(c.ProblemType, c.Payload)
	if err != nil {
		return err
	}
	c.Solution = sol
	return nil
}

// MostRelevant picks the contribution that decides duplicate checks: any
// blocking one first, then the newest.
func MostRelevant(cs []*Contribution) *Contribution {
	var best *Contribution
	for _, c := range cs {
		switch {
		case best == nil:
			best = c
		case c.Status.Blocks() && !best.Status.Blocks():
			best = c
		case c.Status.Blocks() == best.Status.Blocks() && c.SubmittedAt.After(best.SubmittedAt):
			best = c
		}
	}
	return best
}
