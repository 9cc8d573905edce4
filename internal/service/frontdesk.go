package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kawayiYokami/angelheart/internal/biz/domain"
	"github.com/kawayiYokami/angelheart/internal/biz/usecase"
)

// FrontDeskConfig contains inbound gating configuration
type FrontDeskConfig struct {
	WhitelistEnabled bool
	ChatIDs          []string
	SlapWords        []string
	SilenceDuration  time.Duration
}

// FrontDesk is the inbound edge of the engine: it decides whether a
// conversation is processed at all, handles silence words, caches the
// message and notifies the secretary.
type FrontDesk struct {
	cache     *usecase.MessageCache
	secretary *usecase.Secretary
	cfg       FrontDeskConfig
	logger    *zap.Logger

	mu            sync.Mutex
	silencedUntil map[string]time.Time

	now func() time.Time
}

// NewFrontDesk creates a front desk service
func NewFrontDesk(cache *usecase.MessageCache, secretary *usecase.Secretary, cfg FrontDeskConfig, logger *zap.Logger) *FrontDesk {
	return &FrontDesk{
		cache:         cache,
		secretary:     secretary,
		cfg:           cfg,
		logger:        logger,
		silencedUntil: make(map[string]time.Time),
		now:           time.Now,
	}
}

// HandleMessage processes one inbound message end to end: whitelist,
// silence state, slap words, cache, notify. Gating rejections are normal
// outcomes, not errors.
//
// When the notification passes all gates the analysis cycle, including
// the model call, runs synchronously on the caller's goroutine. Hosts
// that must keep ingesting during a model call should invoke this from
// a goroutine per message or per conversation; the scheduler's gates
// make concurrent calls safe.
func (f *FrontDesk) HandleMessage(ctx context.Context, chatID string, msg domain.CachedMessage) {
	if f.cfg.WhitelistEnabled && !f.inWhitelist(chatID) {
		f.logger.Debug("conversation not in whitelist, dropping message",
			zap.String("chat_id", chatID))
		return
	}

	now := f.now()
	f.mu.Lock()
	until, silenced := f.silencedUntil[chatID]
	if silenced && now.Before(until) {
		f.mu.Unlock()
		f.logger.Info("conversation silenced, dropping message",
			zap.String("chat_id", chatID),
			zap.Duration("remaining", until.Sub(now)))
		return
	}
	if silenced {
		delete(f.silencedUntil, chatID)
	}
	f.mu.Unlock()

	if msg.IsEmpty() {
		return
	}

	if word := f.matchSlapWord(msg.PlainText()); word != "" {
		f.mu.Lock()
		f.silencedUntil[chatID] = now.Add(f.cfg.SilenceDuration)
		f.mu.Unlock()
		f.logger.Info("slap word detected, silencing conversation",
			zap.String("chat_id", chatID),
			zap.String("word", word),
			zap.Duration("duration", f.cfg.SilenceDuration))
		return
	}

	f.cache.Ingest(chatID, msg)
	f.secretary.OnNotify(ctx, chatID)
}

func (f *FrontDesk) inWhitelist(chatID string) bool {
	for _, id := range f.cfg.ChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

func (f *FrontDesk) matchSlapWord(content string) string {
	for _, word := range f.cfg.SlapWords {
		if word != "" && strings.Contains(content, word) {
			return word
		}
	}
	return ""
}
