package problem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validProblem() *Problem {
	return &Problem{
		ID:               "bias-001",
		Type:             TypeBiasDetection,
		Difficulty:       5,
		QualityThreshold: 0.7,
		Active:           true,
		Criteria: Criteria{
			{Metric: "accuracy", Threshold: 0.8},
			{Metric: "recall", Threshold: 0.6, Weight: 2},
		},
	}
}

func TestParseType(t *testing.T) {
	for in, want := range map[string]Type{
		"bias-detection":     TypeBiasDetection,
		"bias_detection":     TypeBiasDetection,
		" Alignment ":        TypeAlignment,
		"context-evaluation": TypeContextEvaluation,
	} {
		got, err := ParseType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseType("sentiment")
	assert.Error(t, err)
}

func TestCriterion_Defaults(t *testing.T) {
	c := Criterion{Metric: "accuracy", Threshold: 0.5}
	lo, hi := c.Bounds()
	assert.Equal(t, 0.0, lo)
	assert.Equal(t, 1.0, hi)
	assert.Equal(t, 1.0, c.EffectiveWeight())
	assert.True(t, c.Scored())

	c = Criterion{Metric: "latency_ms", Min: 0, Max: 5000, Weight: 3}
	_, hi = c.Bounds()
	assert.Equal(t, 5000.0, hi)
	assert.Equal(t, 3.0, c.EffectiveWeight())
	assert.False(t, c.Scored())
}

func TestProblem_Validate(t *testing.T) {
	require.NoError(t, validProblem().Validate())

	p := validProblem()
	p.Difficulty = 11
	assert.ErrorContains(t, p.Validate(), "difficulty")

	p = validProblem()
	p.QualityThreshold = 1.2
	assert.ErrorContains(t, p.Validate(), "quality threshold")

	p = validProblem()
	p.Criteria = append(p.Criteria, Criterion{Metric: "accuracy", Threshold: 0.1})
	assert.ErrorContains(t, p.Validate(), "declared twice")

	p = validProblem()
	p.Criteria = Criteria{{Metric: "x", Min: 2, Max: 1}}
	assert.ErrorContains(t, p.Validate(), "min must be below max")

	p = validProblem()
	p.Type = "poetry"
	assert.ErrorContains(t, p.Validate(), "unknown type")
}

func TestGroundTruth_ItemIDs(t *testing.T) {
	g := GroundTruth{
		Labels: map[string]string{"a": "gender", "b": LabelNone},
		Items:  []string{"b", "c"},
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, g.ItemIDs())
	assert.Equal(t, 3, g.Total())
	assert.True(t, IsBiased("Gender"))
	assert.False(t, IsBiased("NONE"))
	assert.False(t, IsBiased(""))
}

func TestIsSubmittable(t *testing.T) {
	var nilProblem *Problem
	assert.False(t, nilProblem.IsSubmittable())

	p := validProblem()
	assert.True(t, p.IsSubmittable())
	p.Active = false
	assert.False(t, p.IsSubmittable())
}
