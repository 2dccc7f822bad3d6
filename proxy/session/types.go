package session

import (
	"time"

	"github.com/google/uuid"
)

// Message is a single conversation turn. Messages are immutable once
// appended to a session's history.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Name      string    `json:"name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session holds a conversation's state. History and MemoryZone are stored
// side by side but mutate independently: reductions rewrite History, while
// MemoryZone only grows until an explicit administrative clear.
//
// Version increases monotonically on every successful write; stores use it
// for optimistic locking so replicas sharing one backend cannot lose updates.
type Session struct {
	SessionID       string         `json:"session_id"`
	UserID          string         `json:"user_id"`
	Version         int64          `json:"version"`
	History         []Message      `json:"conversation_history"`
	MemoryZone      []string       `json:"memory_zone"`
	Metadata        map[string]any `json:"metadata"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	TotalTokensUsed int            `json:"total_tokens_used"`
}

// New creates an empty session. A fresh session id is generated when the
// caller passes an empty one.
func New(sessionID, userID string) *Session {
	if sessionID == "" {
		sessionID = "session_" + uuid.NewString()
	}
	now := time.Now().UTC()
	return &Session{
		SessionID:  sessionID,
		UserID:     userID,
		History:    []Message{},
		MemoryZone: []string{},
		Metadata:   map[string]any{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone returns a deep copy. Stores hand out clones so readers observe a
// point-in-time snapshot.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.History = append([]Message(nil), s.History...)
	out.MemoryZone = append([]string(nil), s.MemoryZone...)
	out.Metadata = make(map[string]any, len(s.Metadata))
	for k, v := range s.Metadata {
		out.Metadata[k] = v
	}
	return &out
}

// TurnCount counts user/assistant pairs. System messages are excluded; a
// trailing unanswered user message counts as a turn in progress.
func TurnCount(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role != "system" {
			n++
		}
	}
	return (n + 1) / 2
}

// EstimateTokens approximates the token cost of a message list as
// ceil(len(content)/4) per message. The approximation is the contract;
// callers must not depend on exact values.
func EstimateTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateText(m.Content)
	}
	return total
}

// EstimateText approximates tokens for a single text.
func EstimateText(text string) int {
	return (len(text) + 3) / 4
}
