package progress

import (
	"context"

	"github.com/alem-hub/research-pipeline/internal/domain/shared"
)

// ErrVersionMismatch возвращается CompareAndSwapUserProgress, если версия изменилась.
var ErrVersionMismatch = shared.NewDomainError("progress", "CompareAndSwap", shared.ErrConcurrentModification, "user progress version mismatch")

// Repository - хранилище прогресса.
// Реализации находятся в infrastructure/persistence.
type Repository interface {
	// GetUserProgress возвращает прогресс или начальное состояние с Version 0, если записи нет.
	GetUserProgress(ctx context.Context, userID string) (*UserProgress, error)

	// CompareAndSwapUserProgress записывает next, только если сохранённая версия
	// равна expectedVersion (0 - записи ещё нет). При успехе next.Version = expectedVersion+1.
	// events попадают в outbox той же записью и только при успехе.
	CompareAndSwapUserProgress(ctx context.Context, userID string, expectedVersion int64, next *UserProgress, events ...shared.Event) error
}
