package contribution

import (
	"strings"

	"github.com/alem-hub/research-pipeline/internal/domain/problem"
	"github.com/alem-hub/research-pipeline/internal/domain/shared"
)

// Metric names derived from solutions.
const (
	MetricAccuracy          = "accuracy"
	MetricRecall            = "recall"
	MetricCoverage          = "coverage"
	MetricConsistencyRate   = "consistency_rate"
	MetricRationaleCoverage = "rationale_coverage"
	MetricRelevance         = "relevance"
)

const (
	minRelevance = 1.0
	maxRelevance = 5.0
)

func normLabel(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func ratio(num, den int) (float64, bool) {
	if den <= 0 {
		return 0, false
	}
	return float64(num) / float64(den), true
}

// Later answers for the same item win.
func lastByItem[T any](items []T, key func(T) string) map[string]T {
	out := make(map[string]T, len(items))
	for _, it := range items {
		out[key(it)] = it
	}
	return out
}

func (s BiasDetectionSolution) measure(p *problem.Problem) (map[string]float64, []Clamp) {
	out := make(map[string]float64, 3)
	answers := lastByItem(s.Detections, func(d BiasDetection) string { return d.ItemID })
	gt := p.GroundTruth

	matched, biased, detected := 0, 0, 0
	for item, want := range gt.Labels {
		got, answered := answers[item]
		if answered && normLabel(got.Label) == normLabel(want) {
			matched++
		}
		if problem.IsBiased(want) {
			biased++
			if answered && problem.IsBiased(got.Label) {
				detected++
			}
		}
	}
	if v, ok := ratio(matched, len(gt.Labels)); ok {
		out[MetricAccuracy] = v
	}
	if v, ok := ratio(detected, biased); ok {
		out[MetricRecall] = v
	}
	if v, ok := coverage(gt, answers); ok {
		out[MetricCoverage] = v
	}
	return out, nil
}

func (s AlignmentSolution) measure(p *problem.Problem) (map[string]float64, []Clamp) {
	out := make(map[string]float64, 4)

	pairs := make(map[string][]string)
	withRationale := 0
	for _, r := range s.Responses {
		if r.PairID != "" {
			pairs[r.PairID] = append(pairs[r.PairID], normLabel(r.Verdict))
		}
		if strings.TrimSpace(r.Rationale) != "" {
			withRationale++
		}
	}

	groups, agreeing := 0, 0
	for _, verdicts := range pairs {
		if len(verdicts) < 2 {
			continue
		}
		groups++
		same := true
		for _, v := range verdicts[1:] {
			if v != verdicts[0] {
				same = false
				break
			}
		}
		if same {
			agreeing++
		}
	}
	if v, ok := ratio(agreeing, groups); ok {
		out[MetricConsistencyRate] = v
	}
	if v, ok := ratio(withRationale, len(s.Responses)); ok {
		out[MetricRationaleCoverage] = v
	}

	answers := lastByItem(s.Responses, func(r AlignmentResponse) string { return r.PromptID })
	if v, ok := labelAccuracy(p.GroundTruth, func(item string) (string, bool) {
		r, ok := answers[item]
		return r.Verdict, ok
	}); ok {
		out[MetricAccuracy] = v
	}
	if v, ok := coverage(p.GroundTruth, answers); ok {
		out[MetricCoverage] = v
	}
	return out, nil
}

// Ratings outside 1..5 are clamped per item; each clamp is returned as
// "relevance[<item_id>]".
func (s ContextEvaluationSolution) measure(p *problem.Problem) (map[string]float64, []Clamp) {
	out := make(map[string]float64, 3)
	var clamps []Clamp

	sum := 0.0
	for _, r := range s.Ratings {
		raw := *r.Relevance
		v := shared.Clamp(raw, minRelevance, maxRelevance)
		if v != raw {
			clamps = append(clamps, Clamp{Metric: MetricRelevance + "[" + r.ItemID + "]", Raw: raw, Clamped: v})
		}
		sum += (v - minRelevance) / (maxRelevance - minRelevance)
	}
	if len(s.Ratings) > 0 {
		out[MetricRelevance] = sum / float64(len(s.Ratings))
	}

	answers := lastByItem(s.Ratings, func(r ContextRating) string { return r.ItemID })
	if v, ok := labelAccuracy(p.GroundTruth, func(item string) (string, bool) {
		r, ok := answers[item]
		if !ok || r.Label == "" {
			return "", false
		}
		return r.Label, true
	}); ok {
		out[MetricAccuracy] = v
	}
	if v, ok := coverage(p.GroundTruth, answers); ok {
		out[MetricCoverage] = v
	}
	return out, clamps
}

func labelAccuracy(gt problem.GroundTruth, answer func(item string) (string, bool)) (float64, bool) {
	matched := 0
	for item, want := range gt.Labels {
		if got, ok := answer(item); ok && normLabel(got) == normLabel(want) {
			matched++
		}
	}
	return ratio(matched, len(gt.Labels))
}

// coverage counts answered items known to the ground truth. Answers for
// unknown items do not inflate it.
func coverage[T any](gt problem.GroundTruth, answers map[string]T) (float64, bool) {
	ids := gt.ItemIDs()
	answered := 0
	for _, id := range ids {
		if _, ok := answers[id]; ok {
			answered++
		}
	}
	return ratio(answered, len(ids))
}
