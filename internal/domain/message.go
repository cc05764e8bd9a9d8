package domain

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type MessageStatus string

const (
	MessageComplete MessageStatus = "complete"
	// MessagePartial marca respuestas cortadas por cancelacion o fallo del stream.
	MessagePartial MessageStatus = "partial"
)

type Message struct {
	ID            string        `json:"id"`
	SessionID     string        `json:"session_id"`
	Role          Role          `json:"role"`
	Content       string        `json:"content"`
	RagEnabled    bool          `json:"rag_enabled"`
	StreamEnabled bool          `json:"stream_enabled"`
	Status        MessageStatus `json:"status"`
	Sources       []RagSource   `json:"sources"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Turn es una entrada del contexto enviado al modelo.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
