package contribution

import (
	"context"
	"time"

	"github.com/alem-hub/research-pipeline/internal/domain/shared"
)

var (
	ErrContributionNotFound = shared.NewDomainError("contribution", "Find", shared.ErrNotFound, "contribution not found")
	// ErrContributionConflict covers a second blocking contribution for the same
	// (user, problem) and a status update that lost a race.
	ErrContributionConflict = shared.NewDomainError("contribution", "Persist", shared.ErrAlreadyExists, "contribution conflicts with existing state")
)

// Repository stores contributions.
type Repository interface {
	// FindExistingContribution returns the user's most relevant contribution to
	// the problem (Pending or Validated before Rejected, newest first), or nil.
	FindExistingContribution(ctx context.Context, userID, problemID string) (*Contribution, error)

	// PersistContribution inserts a new contribution or updates a Pending one.
	// Returns ErrContributionConflict when a blocking contribution already
	// exists, or when the stored row is no longer Pending. events are added
	// to the outbox in the same write and only if it succeeds.
	PersistContribution(ctx context.Context, c *Contribution, events ...shared.Event) error

	GetContribution(ctx context.Context, id string) (*Contribution, error)

	// ListPending returns Pending contributions submitted before the cutoff, oldest first.
	ListPending(ctx context.Context, before time.Time, limit int) ([]*Contribution, error)
}
