package contribution

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/research-pipeline/internal/domain/problem"
	"github.com/alem-hub/research-pipeline/internal/domain/shared"
)

func biasProblem() *problem.Problem {
	return &problem.Problem{
		ID:               "bias-42",
		Type:             problem.TypeBiasDetection,
		Difficulty:       5,
		QualityThreshold: 0.7,
		Active:           true,
		Criteria: problem.Criteria{
			{Metric: MetricAccuracy, Threshold: 0.8},
			{Metric: MetricRecall, Threshold: 0.8},
			{Metric: MetricCoverage, Threshold: 1},
		},
		GroundTruth: problem.GroundTruth{
			Labels: map[string]string{
				"s1": "gender",
				"s2": problem.LabelNone,
				"s3": "age",
				"s4": problem.LabelNone,
			},
		},
	}
}

func reasonOf(t *testing.T, err error) shared.ReasonCode {
	t.Helper()
	code, ok := shared.ReasonOf(err)
	require.True(t, ok, "expected a reason code, got %v", err)
	return code
}

func TestValidate_RejectsInactiveOrMissingProblem(t *testing.T) {
	v := NewValidator()
	payload := json.RawMessage(`{"detections":[{"item_id":"s1","label":"gender"}]}`)

	_, err := v.Validate(nil, "u1", payload, nil)
	assert.Equal(t, shared.ReasonUnknownOrInactiveProblem, reasonOf(t, err))

	p := biasProblem()
	p.Active = false
	_, err = v.Validate(p, "u1", payload, nil)
	assert.Equal(t, shared.ReasonUnknownOrInactiveProblem, reasonOf(t, err))
}

func TestValidate_MalformedPayloads(t *testing.T) {
	v := NewValidator()
	p := biasProblem()

	cases := map[string]string{
		"empty":            ``,
		"null":             `null`,
		"not json":         `{"detections":`,
		"missing list":     `{}`,
		"empty list":       `{"detections":[]}`,
		"missing item id":  `{"detections":[{"label":"gender"}]}`,
		"wrong label type": `{"detections":[{"item_id":"s1","label":3}]}`,
		"list is a string": `{"detections":"s1"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Validate(p, "u1", json.RawMessage(raw), nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, shared.ErrMalformedSolution)
		})
	}
}

func TestValidate_MissingFieldMessage(t *testing.T) {
	_, err := NewValidator().Validate(biasProblem(), "u1",
		json.RawMessage(`{"detections":[{"item_id":"s1"}]}`), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required field detections[0].label")
}

func TestValidate_ContextRelevanceRequired(t *testing.T) {
	p := &problem.Problem{ID: "ctx", Type: problem.TypeContextEvaluation, Difficulty: 2, Active: true,
		Criteria: problem.Criteria{{Metric: MetricRelevance, Threshold: 0.5}}}

	_, err := NewValidator().Validate(p, "u1", json.RawMessage(`{"ratings":[{"item_id":"a"}]}`), nil)
	assert.ErrorIs(t, err, shared.ErrMalformedSolution)

	_, err = NewValidator().Validate(p, "u1", json.RawMessage(`{"ratings":[{"item_id":"a","relevance":"high"}]}`), nil)
	assert.ErrorIs(t, err, shared.ErrMalformedSolution)
}

func TestValidate_ShapeCheckedBeforeDuplicate(t *testing.T) {
	existing := &Contribution{ID: "c0", UserID: "u1", ProblemID: "bias-42", Status: StatusPending}

	_, err := NewValidator().Validate(biasProblem(), "u1", json.RawMessage(`{}`), existing)
	assert.Equal(t, shared.ReasonMalformedSolution, reasonOf(t, err))
}

func TestValidate_Duplicates(t *testing.T) {
	v := NewValidator()
	p := biasProblem()
	payload := json.RawMessage(`{"detections":[{"item_id":"s1","label":"gender"}]}`)

	for _, st := range []Status{StatusPending, StatusValidated} {
		existing := &Contribution{ID: "c0", UserID: "u1", ProblemID: p.ID, Status: st}
		_, err := v.Validate(p, "u1", payload, existing)
		assert.Equal(t, shared.ReasonDuplicateSubmission, reasonOf(t, err), st)
	}

	rejected := &Contribution{ID: "c0", UserID: "u1", ProblemID: p.ID, Status: StatusRejected}
	m, err := v.Validate(p, "u1", payload, rejected)
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestMeasure_BiasDetection(t *testing.T) {
	payload := json.RawMessage(`{"detections":[
		{"item_id":"s1","label":"gender"},
		{"item_id":"s2","label":"none"},
		{"item_id":"s3","label":"race"},
		{"item_id":"zz","label":"age"}
	]}`)

	m, err := NewValidator().Validate(biasProblem(), "u1", payload, nil)
	require.NoError(t, err)

	// s1, s2 match; s3 flagged but wrong category; s4 unanswered
	assert.InDelta(t, 0.5, m.Metrics[MetricAccuracy], 1e-12)
	// both biased items flagged
	assert.InDelta(t, 1.0, m.Metrics[MetricRecall], 1e-12)
	assert.InDelta(t, 0.75, m.Metrics[MetricCoverage], 1e-12)
	assert.Empty(t, m.Clamps)
	assert.IsType(t, BiasDetectionSolution{}, m.Solution)
}

func TestMeasure_Alignment(t *testing.T) {
	p := &problem.Problem{
		ID: "align-1", Type: problem.TypeAlignment, Difficulty: 3, Active: true,
		Criteria: problem.Criteria{
			{Metric: MetricConsistencyRate, Threshold: 1},
			{Metric: MetricRationaleCoverage, Threshold: 1},
			{Metric: MetricAccuracy, Threshold: 1},
		},
		GroundTruth: problem.GroundTruth{Labels: map[string]string{"q1": "aligned", "q2": "misaligned"}},
	}
	payload := json.RawMessage(`{"responses":[
		{"prompt_id":"q1","pair_id":"A","verdict":"aligned","rationale":"cites policy"},
		{"prompt_id":"q1b","pair_id":"A","verdict":"Aligned"},
		{"prompt_id":"q2","pair_id":"B","verdict":"aligned","rationale":"  "},
		{"prompt_id":"q2b","pair_id":"B","verdict":"misaligned","rationale":"refuses"}
	]}`)

	m, err := NewValidator().Validate(p, "u1", payload, nil)
	require.NoError(t, err)

	assert.InDelta(t, 0.5, m.Metrics[MetricConsistencyRate], 1e-12)
	assert.InDelta(t, 0.5, m.Metrics[MetricRationaleCoverage], 1e-12)
	assert.InDelta(t, 0.5, m.Metrics[MetricAccuracy], 1e-12)
}

func TestMeasure_ContextEvaluationClampsRatings(t *testing.T) {
	p := &problem.Problem{
		ID: "ctx-1", Type: problem.TypeContextEvaluation, Difficulty: 2, Active: true,
		Criteria: problem.Criteria{
			{Metric: MetricRelevance, Threshold: 0.5},
			{Metric: MetricAccuracy, Threshold: 1},
		},
		GroundTruth: problem.GroundTruth{Labels: map[string]string{"d1": "relevant", "d2": "irrelevant"}},
	}
	payload := json.RawMessage(`{"ratings":[
		{"item_id":"d1","relevance":9,"label":"relevant"},
		{"item_id":"d2","relevance":3}
	]}`)

	m, err := NewValidator().Validate(p, "u1", payload, nil)
	require.NoError(t, err)

	// 9 clamps to 5 -> 1.0, 3 -> 0.5
	assert.InDelta(t, 0.75, m.Metrics[MetricRelevance], 1e-12)
	assert.InDelta(t, 0.5, m.Metrics[MetricAccuracy], 1e-12)
	assert.Equal(t, []Clamp{{Metric: "relevance[d1]", Raw: 9, Clamped: 5}}, m.Clamps)
}

func TestMeasure_InRangeRatingsRecordNoClamp(t *testing.T) {
	p := &problem.Problem{
		ID: "ctx-2", Type: problem.TypeContextEvaluation, Difficulty: 2, Active: true,
		Criteria:    problem.Criteria{{Metric: MetricRelevance, Threshold: 0.5}},
		GroundTruth: problem.GroundTruth{Labels: map[string]string{"d1": "relevant"}},
	}
	payload := json.RawMessage(`{"ratings":[
		{"item_id":"d1","relevance":1},
		{"item_id":"d2","relevance":5},
		{"item_id":"d3","relevance":0.5}
	]}`)

	m, err := NewValidator().Validate(p, "u1", payload, nil)
	require.NoError(t, err)
	assert.Equal(t, []Clamp{{Metric: "relevance[d3]", Raw: 0.5, Clamped: 1}}, m.Clamps)
}

func TestMeasure_DeclaredMetricsAreClampedAndAudited(t *testing.T) {
	p := biasProblem()
	p.Criteria = append(p.Criteria,
		problem.Criterion{Metric: "latency_ms", Threshold: 0, Min: 0, Max: 1000},
		problem.Criterion{Metric: "novelty", Threshold: 0.5},
	)
	payload := json.RawMessage(`{
		"detections":[{"item_id":"s1","label":"gender"}],
		"metrics":{"latency_ms":4200,"novelty":-0.2,"accuracy":1}
	}`)

	m, err := NewValidator().Validate(p, "u1", payload, nil)
	require.NoError(t, err)

	assert.Equal(t, 1000.0, m.Metrics["latency_ms"])
	assert.Equal(t, 0.0, m.Metrics["novelty"])
	// derived accuracy wins over the declared 1.0
	assert.InDelta(t, 0.25, m.Metrics[MetricAccuracy], 1e-12)
	assert.ElementsMatch(t, []Clamp{
		{Metric: "latency_ms", Raw: 4200, Clamped: 1000},
		{Metric: "novelty", Raw: -0.2, Clamped: 0},
	}, m.Clamps)
}

func TestMeasure_UncomputableMetricIsZero(t *testing.T) {
	p := biasProblem()
	p.GroundTruth = problem.GroundTruth{}

	m, err := NewValidator().Validate(p, "u1", json.RawMessage(`{"detections":[{"item_id":"s1","label":"x"}]}`), nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.Metrics[MetricAccuracy])
	assert.Len(t, m.Metrics, 3)
}

func TestFinalize_OneWay(t *testing.T) {
	c := &Contribution{ID: "c1", Status: StatusPending}
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	_, _, ok := c.Scores()
	assert.False(t, ok)

	require.Error(t, c.Finalize(Scores{Status: StatusPending}, at))
	require.NoError(t, c.Finalize(Scores{Status: StatusValidated, Quality: 0.9, Confidence: 0.6, Points: 45}, at))

	q, conf, ok := c.Scores()
	assert.True(t, ok)
	assert.Equal(t, 0.9, q)
	assert.Equal(t, 0.6, conf)
	assert.Equal(t, at, *c.ValidatedAt)

	err := c.Finalize(Scores{Status: StatusRejected}, at)
	assert.ErrorIs(t, err, shared.ErrStateTransition)
	assert.Equal(t, StatusValidated, c.Status)
}

func TestMostRelevant(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	oldRejected := &Contribution{ID: "a", Status: StatusRejected, SubmittedAt: t0}
	validated := &Contribution{ID: "b", Status: StatusValidated, SubmittedAt: t0.Add(time.Hour)}
	newRejected := &Contribution{ID: "c", Status: StatusRejected, SubmittedAt: t0.Add(2 * time.Hour)}

	assert.Nil(t, MostRelevant(nil))
	assert.Equal(t, "b", MostRelevant([]*Contribution{oldRejected, validated, newRejected}).ID)
	assert.Equal(t, "c", MostRelevant([]*Contribution{oldRejected, newRejected}).ID)
}

func TestRestoreSolution(t *testing.T) {
	c := &Contribution{
		ProblemType: problem.TypeAlignment,
		Payload:     json.RawMessage(`{"responses":[{"prompt_id":"q","verdict":"ok"}]}`),
	}
	require.NoError(t, c.RestoreSolution())
	assert.Equal(t, problem.TypeAlignment, c.Solution.ProblemType())
}
