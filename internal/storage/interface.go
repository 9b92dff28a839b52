package storage

import (
	"fmt"

	"relay-backend/internal/config"
	"relay-backend/internal/model"
	"relay-backend/pkg/logger"
)

// Store persists conversation history and the model's resume token per
// conversation key. Returned sessions and messages are copies.
type Store interface {
	// 会话管理
	GetSession(sessionID string) (*model.Session, error)
	EnsureSession(sessionID string) (*model.Session, error)
	SetSessionToken(sessionID, token string) error
	DeleteSession(sessionID string) error
	ListSessions() ([]*model.Session, error)

	// 消息管理
	AppendMessage(sessionID string, message *model.Message) error
	Messages(sessionID string, limit int) ([]model.Message, error)

	// 存储管理
	Init() error
	Close() error
}

// New builds the configured store. A disk store that fails to initialise
// falls back to memory so the relay can still serve.
func New(cfg config.StorageConfig) Store {
	var store Store
	if cfg.Type == "disk" {
		store = NewDiskStore(cfg.DataDir)
	} else {
		store = NewMemoryStore()
	}

	if err := store.Init(); err != nil {
		logger.Errorf("Failed to initialize storage: %v", err)
		store = NewMemoryStore()
		_ = store.Init()
	}

	return store
}

func copySession(s *model.Session) *model.Session {
	c := *s
	c.Messages = make([]model.Message, len(s.Messages))
	copy(c.Messages, s.Messages)
	return &c
}

// tail returns the last limit messages; limit <= 0 means all.
func tail(messages []model.Message, limit int) []model.Message {
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	out := make([]model.Message, len(messages))
	copy(out, messages)
	return out
}

func validID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalidData)
	}
	return nil
}
