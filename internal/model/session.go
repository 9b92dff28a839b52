package model

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Skill     string    `json:"skill,omitempty"` // set when the reply came from a directive
	Timestamp time.Time `json:"timestamp"`
}

// Session is the stored state of one conversation key. SessionToken is the
// opaque resume token handed back by the model back end.
type Session struct {
	ID           string    `json:"id"`
	SessionToken string    `json:"session_token,omitempty"`
	Messages     []Message `json:"messages"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
