package query

import (
	"context"
	"errors"
	"strings"

	"github.com/alem-hub/research-pipeline/internal/application/aggregation"
	"github.com/alem-hub/research-pipeline/internal/domain/problem"
	"github.com/alem-hub/research-pipeline/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET PROBLEM STATS QUERY
// Описание задачи и число засчитанных вкладов.
// Эталонные ответы наружу не отдаются.
// ══════════════════════════════════════════════════════════════════════════════

// GetProblemStatsQuery - параметры запроса.
type GetProblemStatsQuery struct {
	ProblemID string
}

// CriterionDTO - критерий оценки.
type CriterionDTO struct {
	Metric    string  `json:"metric"`
	Threshold float64 `json:"threshold"`
	Weight    float64 `json:"weight"`
}

// ProblemStatsDTO - задача и её агрегаты.
type ProblemStatsDTO struct {
	ID                 string         `json:"id"`
	Title              string         `json:"title"`
	Type               string         `json:"type"`
	Difficulty         int            `json:"difficulty"`
	QualityThreshold   float64        `json:"quality_threshold"`
	Criteria           []CriterionDTO `json:"criteria"`
	Active             bool           `json:"active"`
	TotalContributions int64          `json:"total_contributions"`
}

// GetProblemStatsHandler обрабатывает запрос.
type GetProblemStatsHandler struct {
	problems   problem.Repository
	aggregates *aggregation.Service
}

// NewGetProblemStatsHandler создаёт обработчик.
func NewGetProblemStatsHandler(problems problem.Repository, aggregates *aggregation.Service) *GetProblemStatsHandler {
	return &GetProblemStatsHandler{problems: problems, aggregates: aggregates}
}

// Handle выполняет запрос.
func (h *GetProblemStatsHandler) Handle(ctx context.Context, q GetProblemStatsQuery) (*ProblemStatsDTO, error) {
	if strings.TrimSpace(q.ProblemID) == "" {
		return nil, shared.NewDomainError("problem", "Stats", shared.ErrInvalidInput, "problem ID is required")
	}

	p, err := h.problems.GetProblem(ctx, q.ProblemID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, err
		}
		return nil, shared.StorageError("problem", "Stats", err)
	}

	total, err := h.aggregates.ProblemTotal(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return toProblemDTO(p, total), nil
}

// List возвращает задачи каталога со счётчиками.
func (h *GetProblemStatsHandler) List(ctx context.Context, activeOnly bool) ([]*ProblemStatsDTO, error) {
	ps, err := h.problems.ListProblems(ctx, activeOnly)
	if err != nil {
		return nil, shared.StorageError("problem", "List", err)
	}
	out := make([]*ProblemStatsDTO, 0, len(ps))
	for _, p := range ps {
		total, err := h.aggregates.ProblemTotal(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, toProblemDTO(p, total))
	}
	return out, nil
}

func toProblemDTO(p *problem.Problem, total int64) *ProblemStatsDTO {
	dto := &ProblemStatsDTO{
		ID:                 p.ID,
		Title:              p.Title,
		Type:               string(p.Type),
		Difficulty:         p.Difficulty,
		QualityThreshold:   p.QualityThreshold,
		Criteria:           make([]CriterionDTO, 0, len(p.Criteria)),
		Active:             p.Active,
		TotalContributions: total,
	}
	for _, c := range p.Criteria {
		dto.Criteria = append(dto.Criteria, CriterionDTO{
			Metric:    c.Metric,
			Threshold: c.Threshold,
			Weight:    c.EffectiveWeight(),
		})
	}
	return dto
}
