package repo

import (
	"context"

	"github.com/kawayiYokami/angelheart/internal/biz/domain"
)

// DecisionSink attaches a decision and its supporting records to a
// conversation so the downstream generation stage can act on it.
// At most one decision is injected per triggering event; the sink is
// also responsible for waking generation.
type DecisionSink interface {
	Inject(ctx context.Context, chatID string, decision *domain.SecretaryDecision, records []domain.ChatRecord, needsSearch bool) error
}
