package storage

import (
	"sync"
	"time"

	"relay-backend/internal/model"
)

type MemoryStore struct {
	sessions map[string]*model.Session
	mu       sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*model.Session),
	}
}

func (m *MemoryStore) Init() error {
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) GetSession(sessionID string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}

	return copySession(session), nil
}

func (m *MemoryStore) EnsureSession(sessionID string) (*model.Session, error) {
	if err := validID(sessionID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		now := time.Now()
		session = &model.Session{
			ID:        sessionID,
			Messages:  make([]model.Message, 0),
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.sessions[sessionID] = session
	}

	return copySession(session), nil
}

func (m *MemoryStore) SetSessionToken(sessionID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return ErrSessionNotFound
	}

	session.SessionToken = token
	session.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) DeleteSession(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[sessionID]; !exists {
		return ErrSessionNotFound
	}

	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStore) ListSessions() ([]*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*model.Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, copySession(session))
	}

	return sessions, nil
}

func (m *MemoryStore) AppendMessage(sessionID string, message *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return ErrSessionNotFound
	}

	session.Messages = append(session.Messages, *message)
	session.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Messages(sessionID string, limit int) ([]model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}

	return tail(session.Messages, limit), nil
}
