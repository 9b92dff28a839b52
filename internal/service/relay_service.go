package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"relay-backend/internal/config"
	"relay-backend/internal/format"
	"relay-backend/internal/llm"
	"relay-backend/internal/model"
	"relay-backend/internal/parser"
	"relay-backend/internal/skills"
	"relay-backend/internal/storage"
	"relay-backend/internal/transport"
	"relay-backend/pkg/logger"
)

// SubmitStatus tells the caller what happened to an inbound fragment.
type SubmitStatus string

const (
	// StatusQueued: the fragment opened a turn that will be processed.
	StatusQueued SubmitStatus = "queued"
	// StatusBuffered: the fragment was merged into a turn already waiting.
	StatusBuffered SubmitStatus = "buffered"
)

var (
	ErrShuttingDown = errors.New("relay is shutting down")
	ErrEmptyInput   = errors.New("conversation id and text are required")
)

// Executor runs a directive and returns the text to deliver.
type Executor interface {
	Execute(ctx context.Context, call parser.DirectiveCall) (string, error)
}

type Options struct {
	Relay        config.RelayConfig
	Session      config.SessionConfig
	SystemPrompt string
}

// RelayService owns the per-conversation state of the pipeline: the debounce
// buffers, the per-key task queues and, inside each task, the live draft.
type RelayService struct {
	opts     Options
	store    storage.Store
	runner   llm.Runner
	executor Executor
	tr       transport.Transport

	debouncer *Debouncer
	queue     *KeyedQueue

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	waiters sync.WaitGroup
	loops   sync.WaitGroup
}

func NewRelayService(opts Options, store storage.Store, runner llm.Runner, executor Executor, tr transport.Transport) *RelayService {
	ctx, cancel := context.WithCancel(context.Background())

	s := &RelayService{
		opts:      opts,
		store:     store,
		runner:    runner,
		executor:  executor,
		tr:        tr,
		debouncer: NewDebouncer(opts.Relay.DebounceEnabled, opts.Relay.DebounceWindow),
		queue:     NewKeyedQueue(ctx),
		ctx:       ctx,
		cancel:    cancel,
	}

	if opts.Session.TTL > 0 && opts.Session.CleanupInterval > 0 {
		s.loops.Add(1)
		go s.cleanupOldSessions()
	}

	return s
}

// Submit accepts one inbound fragment. The first fragment of a burst returns
// StatusQueued and is processed once the debounce window closes; fragments
// joining it return StatusBuffered.
func (s *RelayService) Submit(key, text string) (SubmitStatus, error) {
	if strings.TrimSpace(key) == "" || strings.TrimSpace(text) == "" {
		return "", ErrEmptyInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrShuttingDown
	}

	merged := s.debouncer.Debounce(key, text)
	if merged == nil {
		return StatusBuffered, nil
	}

	// without debouncing the turn is ready now; enqueue in submission order
	select {
	case turn := <-merged:
		s.enqueue(key, turn)
		return StatusQueued, nil
	default:
	}

	s.waiters.Add(1)
	go func() {
		defer s.waiters.Done()

		turn, ok := <-merged
		if !ok {
			logger.Conversation(key).Warn("buffered fragments dropped on shutdown")
			return
		}
		s.enqueue(key, turn)
	}()

	return StatusQueued, nil
}

func (s *RelayService) enqueue(key, turn string) {
	s.queue.Enqueue(key, func(ctx context.Context) error {
		return s.handle(ctx, key, turn)
	})
}

// handle runs one turn: model call with a live draft, parse, then either the
// message is finalized or the directive is executed and its result sent.
func (s *RelayService) handle(ctx context.Context, key, text string) error {
	if s.opts.Relay.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Relay.TaskTimeout)
		defer cancel()
	}

	log := logger.Conversation(key)
	started := time.Now()

	session, err := s.store.EnsureSession(key)
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}

	history, err := s.store.Messages(key, s.opts.Relay.HistoryMessages)
	if err != nil {
		log.Warnf("load history: %v", err)
	}
	s.appendMessage(key, model.RoleUser, text, "")

	draft := NewDraft(ctx, s.tr, key, DraftOptions{
		FirstFlushMinChars: s.opts.Relay.FirstFlushMinChars,
		EditInterval:       s.opts.Relay.EditInterval,
		MinEditDiff:        s.opts.Relay.MinEditDiff,
		Cursor:             s.opts.Relay.Cursor,
	})

	raw, err := s.runner.Run(ctx, llm.Request{
		Key:          key,
		Prompt:       text,
		SessionID:    session.SessionToken,
		SystemPrompt: s.opts.SystemPrompt,
		History:      history,
	}, func(full string) {
		// raw directive JSON is never shown while it streams
		if parser.HasDirectiveMarker(full) {
			return
		}
		draft.Update(full)
	})
	if err != nil {
		draft.Freeze()
		return fmt.Errorf("model run: %w", err)
	}

	result := parser.Parse(raw)
	if token := result.SessionID(); token != "" && token != session.SessionToken {
		if err := s.store.SetSessionToken(key, token); err != nil {
			log.Warnf("save session token: %v", err)
		}
	}

	send := s.sendFunc(key)
	var (
		report format.Report
		reply  string
		skill  string
	)

	if result.IsDirective() {
		draft.Cancel(ctx)

		call, _ := result.Directive()
		skill = call.Action
		reply = s.execute(ctx, call)
		report = format.Deliver(ctx, send, reply)
	} else {
		msg, _ := result.Message()
		reply = msg.Text

		overflow, owned := draft.Finalize(ctx, reply)
		if owned {
			report = format.SendChunks(ctx, send, overflow)
		} else {
			report = format.Deliver(ctx, send, reply)
		}
	}

	s.appendMessage(key, model.RoleAssistant, reply, skill)

	log.WithFields(logrus.Fields{
		"kind":     result.Kind().String(),
		"skill":    skill,
		"sent":     report.Sent,
		"fallback": report.Fallback,
		"dropped":  report.Dropped,
		"elapsed":  time.Since(started).String(),
	}).Info("turn delivered")

	return nil
}

// execute never fails: errors become a short text for the user.
func (s *RelayService) execute(ctx context.Context, call parser.DirectiveCall) string {
	log := logger.WithFields(logrus.Fields{"skill": call.Action})

	out, err := s.executor.Execute(ctx, call)
	if err != nil {
		log.Warnf("skill failed: %v", err)
		if errors.Is(err, skills.ErrUnknownSkill) {
			return fmt.Sprintf("Sorry, I don't know how to %q.", call.Action)
		}
		return fmt.Sprintf("Sorry, %s failed: %v", call.Action, err)
	}

	if isErr, res := skills.IsMCPErrorResult(out); isErr {
		log.Warnf("skill returned an error result: %s", res.ErrorMessage)
		return fmt.Sprintf("Sorry, %s failed: %s", call.Action, res.ErrorMessage)
	}

	if strings.TrimSpace(out) == "" {
		return parser.EmptyPlaceholder
	}
	return out
}

func (s *RelayService) sendFunc(key string) format.SendFunc {
	return func(ctx context.Context, text string, mode transport.ParseMode) error {
		_, err := s.tr.Send(ctx, key, text, mode)
		return err
	}
}

func (s *RelayService) appendMessage(key, role, content, skill string) {
	message := &model.Message{
		ID:        uuid.New().String(),
		SessionID: key,
		Role:      role,
		Content:   content,
		Skill:     skill,
		Timestamp: time.Now(),
	}
	if err := s.store.AppendMessage(key, message); err != nil {
		logger.Conversation(key).Errorf("Failed to save %s message: %v", role, err)
	}
}

// Reset forgets a conversation: history and resume token.
func (s *RelayService) Reset(key string) error {
	if err := s.store.DeleteSession(key); err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Pending reports open debounce windows and keys with queued work.
func (s *RelayService) Pending() (buffered, active int) {
	return s.debouncer.Pending(), s.queue.Len()
}

func (s *RelayService) cleanupOldSessions() {
	defer s.loops.Done()

	ticker := time.NewTicker(s.opts.Session.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.cleanupOnce(time.Now())
		}
	}
}

func (s *RelayService) cleanupOnce(now time.Time) {
	sessions, err := s.store.ListSessions()
	if err != nil {
		logger.Errorf("Failed to list sessions for cleanup: %v", err)
		return
	}

	cutoff := now.Add(-s.opts.Session.TTL)
	for _, session := range sessions {
		if !session.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := s.store.DeleteSession(session.ID); err != nil {
			logger.Errorf("Failed to delete expired session %s: %v", session.ID, err)
		} else {
			logger.Infof("Cleaned up expired session: %s", session.ID)
		}
	}
}

// Shutdown stops accepting fragments, drops open debounce windows and waits
// for running turns. When ctx expires first the running turns are canceled.
func (s *RelayService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.debouncer.Close()

	done := make(chan struct{})
	go func() {
		s.waiters.Wait()
		s.queue.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.cancel()
		<-done
	}

	s.cancel()
	s.loops.Wait()
	return err
}
