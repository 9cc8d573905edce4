package usecase

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kawayiYokami/angelheart/internal/biz/domain"
)

// CacheConfig contains message cache configuration
type CacheConfig struct {
	Expiry       time.Duration // messages older than this are purged
	DedupWindow  time.Duration // timestamp tolerance for duplicate suppression
	PerChatLimit int           // max messages kept per conversation
	TotalLimit   int           // max messages kept across all conversations
}

// DefaultCacheConfig returns the default cache configuration
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Expiry:       time.Hour,
		DedupWindow:  500 * time.Millisecond,
		PerChatLimit: 1000,
		TotalLimit:   100000,
	}
}

type cacheEntry struct {
	messages []domain.CachedMessage // kept sorted by timestamp, arrival order on ties
}

// MessageCache is the per-conversation ordered buffer of incoming
// messages. Conversations exist implicitly: an entry is created on the
// first ingested message and vanishes once all its messages expire.
type MessageCache struct {
	cfg    CacheConfig
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*cacheEntry
	total   int

	now func() time.Time
}

// NewMessageCache creates a message cache
func NewMessageCache(cfg CacheConfig, logger *zap.Logger) *MessageCache {
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultCacheConfig().Expiry
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultCacheConfig().DedupWindow
	}
	if cfg.PerChatLimit <= 0 {
		cfg.PerChatLimit = DefaultCacheConfig().PerChatLimit
	}
	if cfg.TotalLimit <= 0 {
		cfg.TotalLimit = DefaultCacheConfig().TotalLimit
	}
	return &MessageCache{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*cacheEntry),
		now:     time.Now,
	}
}

// Ingest appends a message to the conversation's buffer. Duplicates
// (same sender, same normalized content, timestamp within the tolerance
// window) are silently ignored. Returns false for duplicates.
func (c *MessageCache) Ingest(chatID string, msg domain.CachedMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(chatID)

	entry, ok := c.entries[chatID]
	if !ok {
		entry = &cacheEntry{}
		c.entries[chatID] = entry
	}

	norm := msg.NormalizedContent()
	for i := range entry.messages {
		existing := &entry.messages[i]
		if existing.SenderID != msg.SenderID {
			continue
		}
		delta := msg.Timestamp.Sub(existing.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta <= c.cfg.DedupWindow && existing.NormalizedContent() == norm {
			c.logger.Debug("duplicate message ignored",
				zap.String("chat_id", chatID),
				zap.String("sender_id", msg.SenderID))
			return false
		}
	}

	entry.messages = append(entry.messages, msg)
	c.total++
	// keep non-decreasing timestamp order; stable sort preserves
	// arrival order on equal timestamps
	sort.SliceStable(entry.messages, func(i, j int) bool {
		return entry.messages[i].Timestamp.Before(entry.messages[j].Timestamp)
	})

	if over := len(entry.messages) - c.cfg.PerChatLimit; over > 0 {
		entry.messages = append([]domain.CachedMessage(nil), entry.messages[over:]...)
		c.total -= over
	}
	c.enforceTotalLimitLocked()

	c.logger.Debug("message cached",
		zap.String("chat_id", chatID),
		zap.Int("cached", len(entry.messages)))
	return true
}

// Snapshot returns a copy of the cached messages for a conversation with
// timestamp strictly after since, expired entries excluded. The returned
// slice shares no mutable state with the cache.
func (c *MessageCache) Snapshot(chatID string, since time.Time) []domain.CachedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(chatID)

	entry, ok := c.entries[chatID]
	if !ok {
		return nil
	}
	var out []domain.CachedMessage
	for _, m := range entry.messages {
		if m.Timestamp.After(since) {
			out = append(out, m)
		}
	}
	return out
}

// PurgeExpired removes expired messages from every conversation. Called
// opportunistically, not on a timer.
func (c *MessageCache) PurgeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for chatID := range c.entries {
		c.pruneLocked(chatID)
	}
}

// Stats reports the number of live conversations and cached messages
func (c *MessageCache) Stats() (conversations, messages int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), c.total
}

func (c *MessageCache) pruneLocked(chatID string) {
	entry, ok := c.entries[chatID]
	if !ok {
		return
	}
	threshold := c.now().Add(-c.cfg.Expiry)
	kept := entry.messages[:0]
	for _, m := range entry.messages {
		if m.Timestamp.After(threshold) {
			kept = append(kept, m)
		}
	}
	c.total -= len(entry.messages) - len(kept)
	entry.messages = kept
	if len(entry.messages) == 0 {
		delete(c.entries, chatID)
	}
}

// enforceTotalLimitLocked evicts the globally oldest messages when the
// cache exceeds its total budget.
func (c *MessageCache) enforceTotalLimitLocked() {
	for c.total > c.cfg.TotalLimit {
		var oldestChat string
		var oldest time.Time
		for chatID, entry := range c.entries {
			if len(entry.messages) == 0 {
				continue
			}
			if oldestChat == "" || entry.messages[0].Timestamp.Before(oldest) {
				oldestChat = chatID
				oldest = entry.messages[0].Timestamp
			}
		}
		if oldestChat == "" {
			return
		}
		entry := c.entries[oldestChat]
		entry.messages = entry.messages[1:]
		c.total--
		if len(entry.messages) == 0 {
			delete(c.entries, oldestChat)
		}
	}
}
