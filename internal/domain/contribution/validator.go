package contribution

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/alem-hub/research-pipeline/internal/domain/problem"
	"github.com/alem-hub/research-pipeline/internal/domain/shared"
)

// Measurement is the validator's output for an accepted payload.
type Measurement struct {
	Solution Solution
	// Metrics has one entry per criterion metric, already clamped.
	Metrics map[string]float64
	Clamps  []Clamp
}

// Validator checks a submission against its problem. It has no state and no side effects.
type Validator struct{}

// NewValidator creates a Validator.
func NewValidator() *Validator { return &Validator{} }

// Validate runs, in order: problem active, payload shape, no blocking prior
// contribution. existing is the user's most relevant prior contribution to
// the problem, or nil.
func (v *Validator) Validate(p *problem.Problem, userID string, payload json.RawMessage, existing *Contribution) (*Measurement, error) {
	if !p.IsSubmittable() {
		return nil, shared.Reject("contribution", "Validate", shared.ReasonUnknownOrInactiveProblem,
			"problem is unknown or not accepting contributions")
	}

	sol, err := DecodeSolution(p.Type, payload)
	if err != nil {
		return nil, err
	}

	if existing != nil && existing.UserID == userID && existing.ProblemID == p.ID && existing.Status.Blocks() {
		return nil, shared.Reject("contribution", "Validate", shared.ReasonDuplicateSubmission,
			fmt.Sprintf("contribution %s is already %s", existing.ID, existing.Status))
	}

	return v.Measure(p, sol), nil
}

// Measure extracts every metric the problem's criteria reference. Derived
// metrics take precedence over declared ones; a metric neither derived nor
// declared counts as 0. Values are clamped into the criterion's bounds and
// each clamp is recorded, along with the inputs the metric derivation clamped.
func (v *Validator) Measure(p *problem.Problem, sol Solution) *Measurement {
	derived, inputClamps := sol.measure(p)
	declared := sol.declared()

	m := &Measurement{
		Solution: sol,
		Metrics:  make(map[string]float64, len(p.Criteria)),
		Clamps:   inputClamps,
	}
	for _, c := range p.Criteria {
		raw, ok := derived[c.Metric]
		if !ok {
			raw = declared[c.Metric]
		}

		val := raw
		if math.IsNaN(val) || math.IsInf(val, 0) {
			val = 0
		}
		lo, hi := c.Bounds()
		clamped := shared.Clamp(val, lo, hi)
		if clamped != raw {
			m.Clamps = append(m.Clamps, Clamp{Metric: c.Metric, Raw: raw, Clamped: clamped})
		}
		m.Metrics[c.Metric] = clamped
	}
	return m
}
