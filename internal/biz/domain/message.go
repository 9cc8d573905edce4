package domain

import (
	"strings"
	"time"
)

// Role identifies the author side of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType is the kind of a message content part
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// MessagePart is one typed segment of message content
type MessagePart struct {
	Type PartType
	Text string // set for text parts
	URL  string // set for image parts
}

// CachedMessage is a single message held in the per-conversation cache.
// Immutable after creation; owned by the cache entry of its conversation.
type CachedMessage struct {
	SenderID   string
	SenderName string
	Role       Role
	Parts      []MessagePart
	Timestamp  time.Time
}

// TextMessage builds a plain-text cached message
func TextMessage(senderID, senderName, text string, ts time.Time) CachedMessage {
	return CachedMessage{
		SenderID:   senderID,
		SenderName: senderName,
		Role:       RoleUser,
		Parts:      []MessagePart{{Type: PartText, Text: text}},
		Timestamp:  ts,
	}
}

// PlainText flattens the content parts into a single string.
// Image parts become a placeholder so text-only models still see them.
func (m *CachedMessage) PlainText() string {
	var sb strings.Builder
	for i, p := range m.Parts {
		if i > 0 {
			sb.WriteString(" ")
		}
		switch p.Type {
		case PartText:
			sb.WriteString(p.Text)
		case PartImage:
			sb.WriteString("[图片]")
		default:
			sb.WriteString("[" + string(p.Type) + "]")
		}
	}
	return strings.TrimSpace(sb.String())
}

// NormalizedContent is the canonical form used for duplicate detection
func (m *CachedMessage) NormalizedContent() string {
	return strings.Join(strings.Fields(m.PlainText()), " ")
}

// IsEmpty reports whether the message carries no visible content
func (m *CachedMessage) IsEmpty() bool {
	return m.PlainText() == ""
}

// ChatRecord is one entry of merged conversation context handed to the
// analyzer and to the injection sink. Plain values only; snapshots never
// alias cache-owned state.
type ChatRecord struct {
	Role       Role      `json:"role"`
	SenderID   string    `json:"sender_id,omitempty"`
	SenderName string    `json:"sender_name,omitempty"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// RecordFromCached converts a cached message into a context record
func RecordFromCached(m CachedMessage) ChatRecord {
	return ChatRecord{
		Role:       m.Role,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Content:    m.PlainText(),
		Timestamp:  m.Timestamp,
	}
}
