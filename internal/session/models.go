// Package session holds the chat session model and its file-backed store.
// A session is the durable transcript a client reconnects to: messages with
// optional structured blocks, plus the agent-side resume token.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Block types
const (
	BlockTypeText     = "text"
	BlockTypeToolUse  = "tool_use"
	BlockTypeThinking = "thinking"
	BlockTypePlan     = "plan"
	BlockTypeAskUser  = "ask_user"
)

// Block statuses
const (
	BlockStatusRunning = "running"
	BlockStatusSuccess = "success"
	BlockStatusError   = "error"
)

// DefaultTitle is the title given to sessions before the first user message.
const DefaultTitle = "New Chat"

// Block is one structured unit inside an assistant message: a text segment,
// a tool invocation with its result, a thinking segment, a plan, or an
// ask-user exchange.
type Block struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Content   any            `json:"content"`
	Timestamp float64        `json:"timestamp"`
	Status    string         `json:"status,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Message is one transcript entry. Timestamps are Unix seconds with
// fractional precision.
type Message struct {
	ID        string  `json:"id"`
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	Timestamp float64 `json:"timestamp"`
	Blocks    []Block `json:"blocks,omitempty"`
}

// NewMessage builds a message with a fresh id and the current timestamp.
func NewMessage(role, content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: nowSeconds(),
	}
}

// Session is a durable chat session.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt float64   `json:"created_at"`
	UpdatedAt float64   `json:"updated_at"`
	Messages  []Message `json:"messages"`

	// AgentSessionID is the agent-side session id, used to resume the
	// provider conversation when the process is recreated.
	AgentSessionID *string `json:"agent_session_id,omitempty"`

	// Last-used settings, stamped at the end of each assistant turn.
	LastModelName    *string `json:"last_model_name,omitempty"`
	LastEndpointName *string `json:"last_endpoint_name,omitempty"`
	LastSecurityMode *string `json:"last_security_mode,omitempty"`
}

// Summary is session metadata without the transcript.
type Summary struct {
	ID               string  `json:"id"`
	Title            string  `json:"title"`
	CreatedAt        float64 `json:"created_at"`
	UpdatedAt        float64 `json:"updated_at"`
	MessageCount     int     `json:"message_count"`
	AgentSessionID   *string `json:"agent_session_id,omitempty"`
	LastModelName    *string `json:"last_model_name,omitempty"`
	LastEndpointName *string `json:"last_endpoint_name,omitempty"`
	LastSecurityMode *string `json:"last_security_mode,omitempty"`
}

// Summary projects the session's metadata.
func (s *Session) Summary() Summary {
	return Summary{
		ID:               s.ID,
		Title:            s.Title,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
		MessageCount:     len(s.Messages),
		AgentSessionID:   s.AgentSessionID,
		LastModelName:    s.LastModelName,
		LastEndpointName: s.LastEndpointName,
		LastSecurityMode: s.LastSecurityMode,
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
