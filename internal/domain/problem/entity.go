// Package problem models the research problems users contribute solutions to
// and the criteria their solutions are measured against.
package problem

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// TYPE
// ══════════════════════════════════════════════════════════════════════════════

// Type selects the solution shape and the skill category a problem trains.
type Type string

const (
	TypeBiasDetection     Type = "bias_detection"
	TypeAlignment         Type = "alignment"
	TypeContextEvaluation Type = "context_evaluation"
)

// AllTypes returns every supported problem type.
func AllTypes() []Type {
	return []Type{TypeBiasDetection, TypeAlignment, TypeContextEvaluation}
}

// IsValid reports whether t is one of the supported types.
func (t Type) IsValid() bool {
	switch t {
	case TypeBiasDetection, TypeAlignment, TypeContextEvaluation:
		return true
	}
	return false
}

func (t Type) String() string { return string(t) }

// ParseType accepts both "bias-detection" and "bias_detection" spellings.
func ParseType(s string) (Type, error) {
	t := Type(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !t.IsValid() {
		return "", fmt.Errorf("unknown problem type %q", s)
	}
	return t, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// CRITERIA
// ══════════════════════════════════════════════════════════════════════════════

// Criterion is one threshold a solution metric is compared against.
// Min and Max bound the metric's valid range; both zero means [0,1].
type Criterion struct {
	Metric    string  `json:"metric" yaml:"metric"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
	Weight    float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
	Min       float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max       float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

// Bounds returns the valid range of the metric.
func (c Criterion) Bounds() (lo, hi float64) {
	if c.Min == 0 && c.Max == 0 {
		return 0, 1
	}
	return c.Min, c.Max
}

// EffectiveWeight returns the declared weight, or 1 when none was declared.
func (c Criterion) EffectiveWeight() float64 {
	if c.Weight <= 0 {
		return 1
	}
	return c.Weight
}

// Scored reports whether the criterion takes part in the quality aggregate.
func (c Criterion) Scored() bool {
	return c.Threshold > 0
}

// Criteria is the ordered list of a problem's criteria.
type Criteria []Criterion

// Metrics returns the metric names referenced by the criteria, in order.
func (cs Criteria) Metrics() []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Metric)
	}
	return out
}

// Find returns the criterion for metric, if declared.
func (cs Criteria) Find(metric string) (Criterion, bool) {
	for _, c := range cs {
		if c.Metric == metric {
			return c, true
		}
	}
	return Criterion{}, false
}

// ══════════════════════════════════════════════════════════════════════════════
// GROUND TRUTH
// ══════════════════════════════════════════════════════════════════════════════

// LabelNone marks an item as carrying no bias in bias-detection ground truth.
const LabelNone = "none"

// GroundTruth holds the reference answers a solution is checked against.
// Labels maps item id to the expected label (bias category, alignment verdict
// or context label depending on the problem type).
type GroundTruth struct {
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	// Items lists item ids that have no reference label but still count toward coverage.
	Items []string `json:"items,omitempty" yaml:"items,omitempty"`
}

// ItemIDs returns every item id known to the ground truth.
func (g GroundTruth) ItemIDs() []string {
	seen := make(map[string]struct{}, len(g.Labels)+len(g.Items))
	out := make([]string, 0, len(g.Labels)+len(g.Items))
	for id := range g.Labels {
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range g.Items {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// Total returns the number of distinct items.
func (g GroundTruth) Total() int {
	return len(g.ItemIDs())
}

// IsBiased reports whether the reference label for an item names a bias.
func IsBiased(label string) bool {
	l := strings.ToLower(strings.TrimSpace(label))
	return l != "" && l != LabelNone
}

// ══════════════════════════════════════════════════════════════════════════════
// PROBLEM
// ══════════════════════════════════════════════════════════════════════════════

const (
	MinDifficulty = 1
	MaxDifficulty = 10
)

// Problem is a published research problem. Only Active and QualityThreshold
// change after publication; TotalContributions is maintained by aggregation.
type Problem struct {
	ID               string
	Title            string
	Type             Type
	Difficulty       int
	Criteria         Criteria
	QualityThreshold float64
	// ExpectedDuration is the reference time used by the confidence score. Zero means unknown.
	ExpectedDuration   time.Duration
	GroundTruth        GroundTruth
	Active             bool
	TotalContributions int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Validate checks that the problem definition is internally consistent.
func (p *Problem) Validate() error {
	var errs []error
	if strings.TrimSpace(p.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if !p.Type.IsValid() {
		errs = append(errs, fmt.Errorf("unknown type %q", p.Type))
	}
	if p.Difficulty < MinDifficulty || p.Difficulty > MaxDifficulty {
		errs = append(errs, fmt.Errorf("difficulty %d outside [%d,%d]", p.Difficulty, MinDifficulty, MaxDifficulty))
	}
	if p.QualityThreshold < 0 || p.QualityThreshold > 1 {
		errs = append(errs, fmt.Errorf("quality threshold %.3f outside [0,1]", p.QualityThreshold))
	}
	if p.ExpectedDuration < 0 {
		errs = append(errs, errors.New("expected duration cannot be negative"))
	}
	if len(p.Criteria) == 0 {
		errs = append(errs, errors.New("at least one criterion is required"))
	}

	seen := make(map[string]bool, len(p.Criteria))
	for i, c := range p.Criteria {
		if strings.TrimSpace(c.Metric) == "" {
			errs = append(errs, fmt.Errorf("criterion %d: metric is required", i))
			continue
		}
		if seen[c.Metric] {
			errs = append(errs, fmt.Errorf("criterion %q declared twice", c.Metric))
		}
		seen[c.Metric] = true
		if c.Threshold < 0 || c.Weight < 0 {
			errs = append(errs, fmt.Errorf("criterion %q: threshold and weight must be non-negative", c.Metric))
		}
		if lo, hi := c.Bounds(); lo >= hi {
			errs = append(errs, fmt.Errorf("criterion %q: min must be below max", c.Metric))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid problem %q: %w", p.ID, errors.Join(errs...))
	}
	return nil
}

// IsSubmittable reports whether the problem currently accepts contributions.
func (p *Problem) IsSubmittable() bool {
	return p != nil && p.Active
}

// Clone returns a deep copy.
func (p *Problem) Clone() *Problem {
	cp := *p
	cp.Criteria = append(Criteria(nil), p.Criteria...)
	if p.GroundTruth.Labels != nil {
		cp.GroundTruth.Labels = make(map[string]string, len(p.GroundTruth.Labels))
		for k, v := range p.GroundTruth.Labels {
			cp.GroundTruth.Labels[k] = v
		}
	}
	cp.GroundTruth.Items = append([]string(nil), p.GroundTruth.Items...)
	return &cp
}
