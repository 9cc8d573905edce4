package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kawayiYokami/angelheart/internal/biz/domain"
	"github.com/kawayiYokami/angelheart/internal/biz/repo"
)

// WakeEvent is one injected decision delivered to the embedding host.
// The host owns the generation stage; consuming the event is how it
// wakes the heavyweight model.
type WakeEvent struct {
	ChatID  string
	Context domain.InjectedContext
}

// ChannelSink implements the context-injection boundary as a buffered
// channel the embedding host drains. At most one decision is attached
// per triggering event.
type ChannelSink struct {
	events chan WakeEvent
	logger *zap.Logger
}

// NewChannelSink creates a channel sink with the given buffer size
func NewChannelSink(buffer int, logger *zap.Logger) *ChannelSink {
	if buffer <= 0 {
		buffer = 16
	}
	return &ChannelSink{
		events: make(chan WakeEvent, buffer),
		logger: logger,
	}
}

// Inject attaches the decision and supporting records to the
// conversation and wakes whoever is draining the event channel
func (s *ChannelSink) Inject(ctx context.Context, chatID string, decision *domain.SecretaryDecision, records []domain.ChatRecord, needsSearch bool) error {
	var boundary float64
	if !decision.Boundary.IsZero() {
		boundary = float64(decision.Boundary.UnixNano()) / float64(time.Second)
	}
	event := WakeEvent{
		ChatID: chatID,
		Context: domain.InjectedContext{
			ChatRecords:       records,
			SecretaryDecision: decision,
			NeedsSearch:       needsSearch,
			BoundaryTimestamp: boundary,
		},
	}

	select {
	case s.events <- event:
		return nil
	default:
		// a full buffer means the host stopped draining; dropping the
		// wake-up is safer than blocking the scheduler
		s.logger.Warn("wake event dropped, sink buffer full",
			zap.String("chat_id", chatID))
		return nil
	}
}

// Events returns the stream of injected decisions
func (s *ChannelSink) Events() <-chan WakeEvent {
	return s.events
}

var _ repo.DecisionSink = (*ChannelSink)(nil)
