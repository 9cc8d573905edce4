package domain

import (
	"time"

	"github.com/google/uuid"
)

// TriggerType classifies how a proactive task fires
type TriggerType string

const (
	TriggerImmediate TriggerType = "immediate"
	TriggerDelayed   TriggerType = "delayed"
	TriggerScheduled TriggerType = "scheduled"
)

// TaskCallback is invoked after a proactive task fires, with the
// conversation id, the injected decision and the task's context data.
type TaskCallback func(chatID string, decision *SecretaryDecision, contextData map[string]any)

// ProactiveTask is one pending autonomous action for a conversation.
// At most one exists per conversation id at any instant.
type ProactiveTask struct {
	ID          uuid.UUID
	ChatID      string
	Trigger     TriggerType
	Strategy    string
	Topic       string
	ContextData map[string]any
	FireAt      time.Time // meaningful for delayed/scheduled
	CreatedAt   time.Time
	Callback    TaskCallback
}

// Info returns a read-only view of the task for monitoring
func (t *ProactiveTask) Info() TaskInfo {
	return TaskInfo{
		ID:        t.ID.String(),
		ChatID:    t.ChatID,
		Trigger:   t.Trigger,
		Strategy:  t.Strategy,
		Topic:     t.Topic,
		FireAt:    t.FireAt,
		CreatedAt: t.CreatedAt,
	}
}

// TaskInfo is the introspection record exposed by the proactive manager
type TaskInfo struct {
	ID        string      `json:"id"`
	ChatID    string      `json:"chat_id"`
	Trigger   TriggerType `json:"trigger_type"`
	Strategy  string      `json:"strategy"`
	Topic     string      `json:"topic"`
	FireAt    time.Time   `json:"fire_at,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// ProactiveDecision builds the decision payload injected when a
// proactive task fires. ShouldReply is always forced true.
func ProactiveDecision(strategy, topic string) *SecretaryDecision {
	return &SecretaryDecision{
		ShouldReply:   true,
		IsInteresting: true,
		ReplyStrategy: strategy,
		Topic:         topic,
		Entities:      []string{},
		Facts:         []string{"系统主动发起：" + topic},
		Keywords:      []string{topic},
		CreatedAt:     time.Now(),
	}
}
