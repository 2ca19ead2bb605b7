package contribution

import (
	"math"

	"github.com/alem-hub/research-pipeline/internal/domain/problem"
	"github.com/alem-hub/research-pipeline/internal/domain/shared"
)

// DefaultBaseMultiplier scales quality × difficulty into points.
const DefaultBaseMultiplier = 10.0

// thresholdEpsilon absorbs float noise when quality sits exactly on the threshold.
const thresholdEpsilon = 1e-9

// Scores is the outcome of scoring one contribution.
type Scores struct {
	Quality    float64
	Confidence float64
	Points     int
	Status     Status
	// Reason and FailedCriterion are set only for Rejected.
	Reason          shared.ReasonCode
	FailedCriterion string
}

// ScoringEngine turns metrics into bounded scores. It is deterministic:
// no randomness and no clock reads.
type ScoringEngine struct {
	baseMultiplier float64
}

// NewScoringEngine creates an engine. A non-positive multiplier falls back to the default.
func NewScoringEngine(baseMultiplier float64) *ScoringEngine {
	if baseMultiplier <= 0 || math.IsNaN(baseMultiplier) || math.IsInf(baseMultiplier, 0) {
		baseMultiplier = DefaultBaseMultiplier
	}
	return &ScoringEngine{baseMultiplier: baseMultiplier}
}

// Score computes quality, confidence, status and points.
func (e *ScoringEngine) Score(metrics map[string]float64, p *problem.Problem, md Metadata) Scores {
	quality, failed := e.Quality(metrics, p.Criteria)

	s := Scores{
		Quality:    quality,
		Confidence: e.Confidence(quality, p, md),
	}

	if quality+thresholdEpsilon >= p.QualityThreshold {
		s.Status = StatusValidated
		s.Points = e.Points(quality, p.Difficulty)
	} else {
		s.Status = StatusRejected
		s.Reason = shared.ReasonBelowQualityThreshold
		s.FailedCriterion = failed
	}
	return s
}

// Quality is the weighted mean of min(1, value/threshold) over criteria with
// a positive threshold. It also returns the criterion with the lowest ratio.
// No scored criteria yields 0.
func (e *ScoringEngine) Quality(metrics map[string]float64, criteria problem.Criteria) (float64, string) {
	var sum, weights float64
	lowest := math.Inf(1)
	var lowestMetric string

	for _, c := range criteria {
		if !c.Scored() {
			continue
		}
		r := shared.Clamp01(shared.Finite(metrics[c.Metric]) / c.Threshold)
		w := c.EffectiveWeight()
		sum += w * r
		weights += w
		if r < lowest {
			lowest = r
			lowestMetric = c.Metric
		}
	}
	if weights == 0 {
		return 0, ""
	}
	return shared.Clamp01(sum / weights), lowestMetric
}

// Confidence multiplies quality by a behaviour factor built from time spent
// relative to the expected duration and self-reported certainty. Unknown
// inputs contribute a factor of 1.
func (e *ScoringEngine) Confidence(quality float64, p *problem.Problem, md Metadata) float64 {
	timeFactor := 1.0
	if spent, ok := md.SpentSeconds(); ok && p.ExpectedDuration > 0 {
		timeFactor = shared.Clamp01(shared.Finite(spent / p.ExpectedDuration.Seconds()))
	}

	certainty := 1.0
	if md.Certainty != nil {
		certainty = shared.Clamp01(shared.Finite(*md.Certainty))
	}

	return shared.Clamp01(timeFactor * certainty * shared.Clamp01(quality))
}

// Points returns round(quality × difficulty × base), floored at 0.
func (e *ScoringEngine) Points(quality float64, difficulty int) int {
	pts := math.Round(shared.Clamp01(quality) * float64(difficulty) * e.baseMultiplier)
	if pts < 0 || math.IsNaN(pts) {
		return 0
	}
	return int(pts)
}
