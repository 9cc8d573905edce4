package domain

import (
	"encoding/json"
	"time"
)

// StrategyObserve is the sentinel strategy used when the secretary
// decides to stay silent.
const StrategyObserve = "继续观察"

const (
	// MaxFactLen caps the length of a single fact entry, in runes
	MaxFactLen = 50
	// MaxKeywords caps the keyword list handed to downstream search
	MaxKeywords = 3
)

// SecretaryDecision is the structured outcome of one analysis cycle.
// Produced once, read-only afterwards.
type SecretaryDecision struct {
	ShouldReply   bool     `json:"should_reply"`
	IsQuestioned  bool     `json:"is_questioned"`
	IsInteresting bool     `json:"is_interesting"`
	ReplyStrategy string   `json:"reply_strategy"`
	Topic         string   `json:"topic"`
	ReplyTarget   string   `json:"reply_target"`
	Entities      []string `json:"entities"`
	Facts         []string `json:"facts"`
	Keywords      []string `json:"keywords"`
	NeedsSearch   bool     `json:"needs_search"`

	// Set by the scheduler, not by the model
	CreatedAt time.Time `json:"-"`
	Boundary  time.Time `json:"-"`
}

// DefaultDecision returns the safe "stay silent" decision used whenever
// analysis fails or cannot run. It always satisfies the decision shape so
// the scheduler can complete its state transition.
func DefaultDecision(topic string) *SecretaryDecision {
	if topic == "" {
		topic = "未知"
	}
	return &SecretaryDecision{
		ShouldReply:   false,
		ReplyStrategy: StrategyObserve,
		Topic:         topic,
		Entities:      []string{},
		Facts:         []string{},
		Keywords:      []string{},
		CreatedAt:     time.Now(),
	}
}

// Sanitize enforces field-level budgets in place: over-long facts are
// truncated rather than rejected, keywords are capped, nil slices become
// empty. Returns the receiver for chaining.
func (d *SecretaryDecision) Sanitize() *SecretaryDecision {
	if d.Entities == nil {
		d.Entities = []string{}
	}
	if d.Facts == nil {
		d.Facts = []string{}
	}
	if d.Keywords == nil {
		d.Keywords = []string{}
	}
	for i, f := range d.Facts {
		if r := []rune(f); len(r) > MaxFactLen {
			d.Facts[i] = string(r[:MaxFactLen])
		}
	}
	if len(d.Keywords) > MaxKeywords {
		d.Keywords = d.Keywords[:MaxKeywords]
	}
	if !d.ShouldReply {
		d.ReplyTarget = ""
	}
	return d
}

// InjectedContext is the payload the sink attaches to a conversation so
// the heavyweight generation stage can act on it.
type InjectedContext struct {
	ChatRecords       []ChatRecord       `json:"chat_records"`
	SecretaryDecision *SecretaryDecision `json:"secretary_decision"`
	NeedsSearch       bool               `json:"needs_search"`
	BoundaryTimestamp float64            `json:"boundary_timestamp"`
}

// Serialize renders the injected context as JSON
func (c *InjectedContext) Serialize() ([]byte, error) {
	return json.Marshal(c)
}
