package model

import "time"

type InboundResponse struct {
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"` // queued | buffered
}

type SessionResponse struct {
	SessionID    string    `json:"session_id"`
	HasToken     bool      `json:"has_token"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Relay event types published by the web transport.
const (
	EventSend   = "send"
	EventEdit   = "edit"
	EventDelete = "delete"
)

// RelayEvent is one outbound transport operation as seen by a web subscriber.
type RelayEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Content        string `json:"content,omitempty"`
	ParseMode      string `json:"parse_mode,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}
