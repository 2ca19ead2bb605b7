package contribution

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/alem-hub/research-pipeline/internal/domain/problem"
	"github.com/alem-hub/research-pipeline/internal/domain/shared"
)

// solutionValidate checks payload shapes. Field names in errors use json tags.
var solutionValidate *validator.Validate

func init() {
	solutionValidate = validator.New(validator.WithRequiredStructEnabled())
	solutionValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Solution is the tagged union of per-type payloads.
type Solution interface {
	ProblemType() problem.Type
	// measure derives raw metric values from the payload against the problem's
	// ground truth, plus any inputs it had to clamp on the way.
	measure(p *problem.Problem) (map[string]float64, []Clamp)
	// declared returns the metrics the submitter supplied explicitly.
	declared() map[string]float64
}

// ══════════════════════════════════════════════════════════════════════════════
// BIAS DETECTION
// ══════════════════════════════════════════════════════════════════════════════

type BiasDetection struct {
	ItemID   string `json:"item_id" validate:"required"`
	Label    string `json:"label" validate:"required"`
	Evidence string `json:"evidence,omitempty"`
}

type BiasDetectionSolution struct {
	Detections []BiasDetection    `json:"detections" validate:"required,min=1,dive"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

func (BiasDetectionSolution) ProblemType() problem.Type      { return problem.TypeBiasDetection }
func (s BiasDetectionSolution) declared() map[string]float64 { return s.Metrics }

// ══════════════════════════════════════════════════════════════════════════════
// ALIGNMENT
// ══════════════════════════════════════════════════════════════════════════════

type AlignmentResponse struct {
	PromptID string `json:"prompt_id" validate:"required"`
	// Responses sharing a PairID are expected to agree.
	PairID    string `json:"pair_id,omitempty"`
	Verdict   string `json:"verdict" validate:"required"`
	Rationale string `json:"rationale,omitempty"`
}

type AlignmentSolution struct {
	Responses []AlignmentResponse `json:"responses" validate:"required,min=1,dive"`
	Metrics   map[string]float64  `json:"metrics,omitempty"`
}

func (AlignmentSolution) ProblemType() problem.Type      { return problem.TypeAlignment }
func (s AlignmentSolution) declared() map[string]float64 { return s.Metrics }

// ══════════════════════════════════════════════════════════════════════════════
// CONTEXT EVALUATION
// ══════════════════════════════════════════════════════════════════════════════

type ContextRating struct {
	ItemID string `json:"item_id" validate:"required"`
	// Relevance is rated 1..5; out-of-range ratings are clamped.
	Relevance *float64 `json:"relevance" validate:"required"`
	Label     string   `json:"label,omitempty"`
}

type ContextEvaluationSolution struct {
	Ratings []ContextRating    `json:"ratings" validate:"required,min=1,dive"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

func (ContextEvaluationSolution) ProblemType() problem.Type      { return problem.TypeContextEvaluation }
func (s ContextEvaluationSolution) declared() map[string]float64 { return s.Metrics }

// ══════════════════════════════════════════════════════════════════════════════
// DECODING
// ══════════════════════════════════════════════════════════════════════════════

// DecodeSolution decodes raw into the variant for t and checks its shape.
// Every failure is a MALFORMED_SOLUTION rejection.
func DecodeSolution(t problem.Type, raw json.RawMessage) (Solution, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, malformed("payload is empty", nil)
	}

	switch t {
	case problem.TypeBiasDetection:
		var s BiasDetectionSolution
		if err := decodeInto(trimmed, &s); err != nil {
			return nil, err
		}
		return s, nil
	case problem.TypeAlignment:
		var s AlignmentSolution
		if err := decodeInto(trimmed, &s); err != nil {
			return nil, err
		}
		return s, nil
	case problem.TypeContextEvaluation:
		var s ContextEvaluationSolution
		if err := decodeInto(trimmed, &s); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, malformed(fmt.Sprintf("no solution shape for problem type %q", t), nil)
	}
}

func decodeInto(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return malformed(fmt.Sprintf("field %q must be %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value), err)
		}
		return malformed("payload is not valid JSON", err)
	}
	if err := solutionValidate.Struct(dst); err != nil {
		return malformed(describeValidation(err), err)
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		switch fe.Tag() {
		case "required":
			parts = append(parts, "missing required field "+field)
		case "min":
			parts = append(parts, field+" must have at least "+fe.Param()+" entries")
		default:
			parts = append(parts, field+" failed "+fe.Tag())
		}
	}
	return strings.Join(parts, "; ")
}

func malformed(msg string, cause error) error {
	e := shared.Reject("contribution", "DecodeSolution", shared.ReasonMalformedSolution, msg)
	if cause != nil {
		return e.WithCause(cause)
	}
	return e
}
