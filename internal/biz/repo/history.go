package repo

import (
	"context"
	"time"

	"github.com/kawayiYokami/angelheart/internal/biz/domain"
)

// HistoryRepo supplies long-term conversation history. The scheduler
// treats it as an opaque, read-mostly source merged with the live cache.
type HistoryRepo interface {
	// LoadHistory returns the most recent records for a conversation in
	// chronological order, at most limit entries.
	LoadHistory(ctx context.Context, chatID string, limit int) ([]domain.ChatRecord, error)

	// Append stores one record of settled conversation history.
	Append(ctx context.Context, chatID string, rec domain.ChatRecord) error

	// CleanupOld removes records older than the given time and reports
	// how many were deleted.
	CleanupOld(ctx context.Context, before time.Time) (int64, error)

	Close() error
}
