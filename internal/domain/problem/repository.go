package problem

import (
	"context"

	"github.com/alem-hub/research-pipeline/internal/domain/shared"
)

// ErrProblemNotFound is returned for unknown ids, and by GetActiveProblem for inactive ones.
var ErrProblemNotFound = shared.NewDomainError("problem", "Find", shared.ErrNotFound, "problem not found")

// Catalog is the read side the pipeline depends on.
type Catalog interface {
	// GetActiveProblem returns ErrProblemNotFound when the problem is unknown or inactive.
	GetActiveProblem(ctx context.Context, id string) (*Problem, error)
}

// Repository is the full store behind the catalog. Authoring lives elsewhere;
// Save exists for seeding and tests.
type Repository interface {
	Catalog

	GetProblem(ctx context.Context, id string) (*Problem, error)
	ListProblems(ctx context.Context, activeOnly bool) ([]*Problem, error)

	// Save inserts or replaces a problem definition.
	Save(ctx context.Context, p *Problem) error

	SetActive(ctx context.Context, id string, active bool) error
	SetQualityThreshold(ctx context.Context, id string, threshold float64) error
}
