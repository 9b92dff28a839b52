package storage

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"relay-backend/internal/model"
	"relay-backend/pkg/logger"
)

// DiskStore keeps every session in memory and writes it through to two JSON
// files per session: sessions/<id>.json for the header and messages/<id>.json
// for the history. Writes go to a temp file first and are renamed in place.
type DiskStore struct {
	dataDir string
	mu      sync.RWMutex
	cache   map[string]*model.Session
}

func NewDiskStore(dataDir string) *DiskStore {
	return &DiskStore{
		dataDir: dataDir,
		cache:   make(map[string]*model.Session),
	}
}

func (d *DiskStore) Init() error {
	if err := d.createDirectories(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	if err := d.loadSessions(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	logger.Infof("Disk storage initialized at %s with %d sessions", d.dataDir, len(d.cache))
	return nil
}

func (d *DiskStore) createDirectories() error {
	dirs := []string{
		d.dataDir,
		filepath.Join(d.dataDir, "sessions"),
		filepath.Join(d.dataDir, "messages"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return nil
}

func (d *DiskStore) loadSessions() error {
	files, err := os.ReadDir(filepath.Join(d.dataDir, "sessions"))
	if err != nil {
		return err
	}

	for _, file := range files {
		name := file.Name()
		if file.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}

		sessionID, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			logger.Warnf("Skipping session file with bad name %s: %v", name, err)
			continue
		}

		session, err := d.loadSessionFromFile(sessionID)
		if err != nil {
			logger.Errorf("Failed to load session %s: %v", sessionID, err)
			continue
		}

		d.cache[sessionID] = session
	}

	return nil
}

func fileName(sessionID string) string {
	return url.PathEscape(sessionID) + ".json"
}

func (d *DiskStore) sessionPath(sessionID string) string {
	return filepath.Join(d.dataDir, "sessions", fileName(sessionID))
}

func (d *DiskStore) messagesPath(sessionID string) string {
	return filepath.Join(d.dataDir, "messages", fileName(sessionID))
}

func (d *DiskStore) loadSessionFromFile(sessionID string) (*model.Session, error) {
	data, err := os.ReadFile(d.sessionPath(sessionID))
	if err != nil {
		return nil, err
	}

	var session model.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}

	messages, err := d.loadMessagesFromFile(sessionID)
	if err != nil {
		logger.Errorf("Failed to load messages for session %s: %v", sessionID, err)
		messages = []model.Message{}
	}

	session.Messages = messages
	return &session, nil
}

func (d *DiskStore) loadMessagesFromFile(sessionID string) ([]model.Message, error) {
	data, err := os.ReadFile(d.messagesPath(sessionID))
	if os.IsNotExist(err) {
		return []model.Message{}, nil
	}
	if err != nil {
		return nil, err
	}

	var messages []model.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, err
	}

	return messages, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempPath, path)
}

func (d *DiskStore) saveSessionToFile(session *model.Session) error {
	sessionData := *session
	sessionData.Messages = nil

	return writeJSON(d.sessionPath(session.ID), sessionData)
}

func (d *DiskStore) saveMessagesToFile(sessionID string, messages []model.Message) error {
	return writeJSON(d.messagesPath(sessionID), messages)
}

func (d *DiskStore) GetSession(sessionID string) (*model.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	session, exists := d.cache[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}

	return copySession(session), nil
}

func (d *DiskStore) EnsureSession(sessionID string) (*model.Session, error) {
	if err := validID(sessionID); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if session, exists := d.cache[sessionID]; exists {
		return copySession(session), nil
	}

	now := time.Now()
	session := &model.Session{
		ID:        sessionID,
		Messages:  make([]model.Message, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := d.saveSessionToFile(session); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	d.cache[sessionID] = session
	return copySession(session), nil
}

func (d *DiskStore) SetSessionToken(sessionID, token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	session, exists := d.cache[sessionID]
	if !exists {
		return ErrSessionNotFound
	}

	session.SessionToken = token
	session.UpdatedAt = time.Now()

	if err := d.saveSessionToFile(session); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	return nil
}

func (d *DiskStore) DeleteSession(sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.cache[sessionID]; !exists {
		return ErrSessionNotFound
	}

	if err := os.Remove(d.sessionPath(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	if err := os.Remove(d.messagesPath(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	delete(d.cache, sessionID)
	return nil
}

func (d *DiskStore) ListSessions() ([]*model.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sessions := make([]*model.Session, 0, len(d.cache))
	for _, session := range d.cache {
		sessions = append(sessions, copySession(session))
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})

	return sessions, nil
}

func (d *DiskStore) AppendMessage(sessionID string, message *model.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	session, exists := d.cache[sessionID]
	if !exists {
		return ErrSessionNotFound
	}

	session.Messages = append(session.Messages, *message)
	session.UpdatedAt = time.Now()

	if err := d.saveMessagesToFile(sessionID, session.Messages); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	if err := d.saveSessionToFile(session); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	return nil
}

func (d *DiskStore) Messages(sessionID string, limit int) ([]model.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	session, exists := d.cache[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}

	return tail(session.Messages, limit), nil
}

func (d *DiskStore) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cache = make(map[string]*model.Session)
	return nil
}
