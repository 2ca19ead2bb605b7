package contribution

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/research-pipeline/internal/domain/problem"
	"github.com/alem-hub/research-pipeline/internal/domain/shared"
)

func f64(v float64) *float64 { return &v }

func scoringProblem(threshold float64, difficulty int, criteria ...problem.Criterion) *problem.Problem {
	return &problem.Problem{
		ID:               "p-1",
		Type:             problem.TypeBiasDetection,
		Difficulty:       difficulty,
		QualityThreshold: threshold,
		Criteria:         criteria,
		ExpectedDuration: 10 * time.Minute,
		Active:           true,
	}
}

func TestScore_ValidatedAtPointSevenFour(t *testing.T) {
	p := scoringProblem(0.7, 6, problem.Criterion{Metric: "accuracy", Threshold: 1.0})
	e := NewScoringEngine(10)

	s := e.Score(map[string]float64{"accuracy": 0.74}, p, Metadata{})

	assert.Equal(t, StatusValidated, s.Status)
	assert.InDelta(t, 0.74, s.Quality, 1e-12)
	assert.Equal(t, int(math.Round(0.74*6*10)), s.Points)
	assert.Equal(t, 44, s.Points)
	assert.Empty(t, s.Reason)
	assert.Empty(t, s.FailedCriterion)
}

func TestScore_WeightedMean(t *testing.T) {
	p := scoringProblem(0.5, 4,
		problem.Criterion{Metric: "accuracy", Threshold: 0.8, Weight: 3},
		problem.Criterion{Metric: "recall", Threshold: 0.5, Weight: 1},
	)
	e := NewScoringEngine(10)

	// accuracy 0.4/0.8 = 0.5, recall 0.9/0.5 capped to 1
	s := e.Score(map[string]float64{"accuracy": 0.4, "recall": 0.9}, p, Metadata{})

	assert.InDelta(t, (3*0.5+1*1.0)/4, s.Quality, 1e-12)
	assert.Equal(t, StatusValidated, s.Status)
	assert.Equal(t, 25, s.Points)
}

func TestScore_RejectedNamesLowestCriterion(t *testing.T) {
	p := scoringProblem(0.9, 5,
		problem.Criterion{Metric: "accuracy", Threshold: 0.8},
		problem.Criterion{Metric: "recall", Threshold: 0.8},
		problem.Criterion{Metric: "coverage", Threshold: 0.8},
	)
	e := NewScoringEngine(10)

	s := e.Score(map[string]float64{"accuracy": 0.8, "recall": 0.2, "coverage": 0.6}, p, Metadata{})

	assert.Equal(t, StatusRejected, s.Status)
	assert.Equal(t, shared.ReasonBelowQualityThreshold, s.Reason)
	assert.Equal(t, "recall", s.FailedCriterion)
	assert.Zero(t, s.Points)
}

func TestScore_ThresholdBoundaryIsInclusive(t *testing.T) {
	p := scoringProblem(0.7, 1, problem.Criterion{Metric: "accuracy", Threshold: 1})
	s := NewScoringEngine(10).Score(map[string]float64{"accuracy": 0.7}, p, Metadata{})
	assert.Equal(t, StatusValidated, s.Status)
}

func TestScore_UnscoredCriteriaOnly(t *testing.T) {
	p := scoringProblem(0, 3, problem.Criterion{Metric: "coverage"})
	s := NewScoringEngine(10).Score(map[string]float64{"coverage": 1}, p, Metadata{})

	assert.Zero(t, s.Quality)
	// threshold 0 still validates, but with zero points
	assert.Equal(t, StatusValidated, s.Status)
	assert.Zero(t, s.Points)
}

func TestConfidence_Factors(t *testing.T) {
	p := scoringProblem(0.5, 5, problem.Criterion{Metric: "accuracy", Threshold: 1})
	e := NewScoringEngine(10)

	assert.InDelta(t, 0.8, e.Confidence(0.8, p, Metadata{}), 1e-12, "unknown inputs are neutral")

	half := Metadata{TimeSpentSeconds: f64(300)}
	assert.InDelta(t, 0.4, e.Confidence(0.8, p, half), 1e-12)

	over := Metadata{TimeSpentSeconds: f64(3600), Certainty: f64(0.5)}
	assert.InDelta(t, 0.4, e.Confidence(0.8, p, over), 1e-12)

	wild := Metadata{TimeSpentSeconds: f64(-5), Certainty: f64(7)}
	assert.Zero(t, e.Confidence(0.8, p, wild))

	noExpected := *p
	noExpected.ExpectedDuration = 0
	assert.InDelta(t, 0.8, e.Confidence(0.8, &noExpected, half), 1e-12)
}

func TestConfidence_HugeTimeSpentSaturates(t *testing.T) {
	p := scoringProblem(0.5, 5, problem.Criterion{Metric: "accuracy", Threshold: 1})
	e := NewScoringEngine(10)

	for _, spent := range []float64{1e12, 1e300, math.MaxFloat64} {
		md := Metadata{TimeSpentSeconds: f64(spent)}
		assert.InDelta(t, 0.8, e.Confidence(0.8, p, md), 1e-12, "spent=%g", spent)
	}

	for _, spent := range []float64{math.Inf(1), math.Inf(-1), math.NaN()} {
		md := Metadata{TimeSpentSeconds: f64(spent)}
		_, known := md.SpentSeconds()
		assert.False(t, known)
		assert.InDelta(t, 0.8, e.Confidence(0.8, p, md), 1e-12, "non-finite is unknown")
	}
}

func TestScore_NonFiniteInputsCountAsZero(t *testing.T) {
	p := scoringProblem(0.1, 5,
		problem.Criterion{Metric: "accuracy", Threshold: 1},
		problem.Criterion{Metric: "recall", Threshold: 1},
	)
	s := NewScoringEngine(10).Score(map[string]float64{
		"accuracy": math.NaN(),
		"recall":   math.Inf(1),
	}, p, Metadata{Certainty: f64(math.NaN())})

	assert.Zero(t, s.Quality)
	assert.Zero(t, s.Confidence)
	assert.Equal(t, StatusRejected, s.Status)
}

func TestScore_BoundedForRandomVectors(t *testing.T) {
	rng := rand.New(rand.NewSource(20260301))
	e := NewScoringEngine(10)
	metrics := []string{"accuracy", "recall", "coverage", "consistency_rate", "relevance"}

	for i := 0; i < 5000; i++ {
		var criteria problem.Criteria
		values := map[string]float64{}
		for _, m := range metrics {
			if rng.Intn(3) == 0 {
				continue
			}
			criteria = append(criteria, problem.Criterion{
				Metric:    m,
				Threshold: rng.Float64() * 1.5,
				Weight:    rng.Float64() * 4,
			})
			values[m] = (rng.Float64() - 0.25) * 10
		}
		p := scoringProblem(rng.Float64(), 1+rng.Intn(10), criteria...)
		p.ExpectedDuration = time.Duration(rng.Int63n(int64(time.Hour)))
		md := Metadata{
			TimeSpentSeconds: f64((rng.Float64() - 0.1) * 7200),
			Certainty:        f64((rng.Float64() - 0.5) * 3),
		}

		s := e.Score(values, p, md)
		require.GreaterOrEqual(t, s.Quality, 0.0)
		require.LessOrEqual(t, s.Quality, 1.0)
		require.GreaterOrEqual(t, s.Confidence, 0.0)
		require.LessOrEqual(t, s.Confidence, 1.0)
		require.GreaterOrEqual(t, s.Points, 0)
		require.LessOrEqual(t, s.Points, p.Difficulty*10)

		again := e.Score(values, p, md)
		require.Equal(t, s, again, "scoring must be deterministic")
	}
}

func TestNewScoringEngine_DefaultMultiplier(t *testing.T) {
	assert.Equal(t, 50, NewScoringEngine(0).Points(1, 5))
	assert.Equal(t, 50, NewScoringEngine(math.NaN()).Points(1, 5))
	assert.Equal(t, 100, NewScoringEngine(20).Points(1, 5))
}
