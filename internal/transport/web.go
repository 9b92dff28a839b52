package transport

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"relay-backend/internal/model"
	"relay-backend/pkg/logger"
)

const subscriberBuffer = 64

var tagPattern = regexp.MustCompile(`<(/?)([a-zA-Z][a-zA-Z0-9-]*)[^>]*>`)

// allowed markup tags; anything else is rejected like the chat API would
var knownTags = map[string]bool{
	"b": true, "strong": true, "i": true, "em": true, "s": true, "del": true,
	"u": true, "code": true, "pre": true, "a": true,
}

// Web is an in-memory transport for browser clients. Every operation is
// published to the subscribers of the conversation as a model.RelayEvent.
type Web struct {
	mu       sync.Mutex
	messages map[string]map[MessageID]string
	subs     map[string]map[uint64]chan model.RelayEvent
	nextSub  uint64
}

func NewWeb() *Web {
	return &Web{
		messages: make(map[string]map[MessageID]string),
		subs:     make(map[string]map[uint64]chan model.RelayEvent),
	}
}

func (w *Web) Send(ctx context.Context, key, text string, mode ParseMode) (MessageID, error) {
	if err := checkBody(text, mode); err != nil {
		return "", err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	id := MessageID(uuid.New().String())
	if w.messages[key] == nil {
		w.messages[key] = make(map[MessageID]string)
	}
	w.messages[key][id] = text

	w.publish(key, model.RelayEvent{
		Type:      model.EventSend,
		MessageID: string(id),
		Content:   text,
		ParseMode: string(mode),
	})
	return id, nil
}

func (w *Web) Edit(ctx context.Context, key string, id MessageID, text string, mode ParseMode) error {
	if err := checkBody(text, mode); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	current, ok := w.messages[key][id]
	if !ok {
		return fmt.Errorf("edit %s: %w", id, ErrMessageNotFound)
	}
	if current == text {
		return ErrNotModified
	}
	w.messages[key][id] = text

	w.publish(key, model.RelayEvent{
		Type:      model.EventEdit,
		MessageID: string(id),
		Content:   text,
		ParseMode: string(mode),
	})
	return nil
}

func (w *Web) Delete(ctx context.Context, key string, id MessageID) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.messages[key][id]; !ok {
		return fmt.Errorf("delete %s: %w", id, ErrMessageNotFound)
	}
	delete(w.messages[key], id)
	if len(w.messages[key]) == 0 {
		delete(w.messages, key)
	}

	w.publish(key, model.RelayEvent{Type: model.EventDelete, MessageID: string(id)})
	return nil
}

// Subscribe returns the event stream of one conversation. cancel must be
// called to release it; it closes the channel.
func (w *Web) Subscribe(key string) (<-chan model.RelayEvent, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextSub++
	subID := w.nextSub
	ch := make(chan model.RelayEvent, subscriberBuffer)
	if w.subs[key] == nil {
		w.subs[key] = make(map[uint64]chan model.RelayEvent)
	}
	w.subs[key][subID] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()

			delete(w.subs[key], subID)
			if len(w.subs[key]) == 0 {
				delete(w.subs, key)
			}
			close(ch)
		})
	}
	return ch, cancel
}

// publish must be called with w.mu held. A subscriber that is not keeping up
// loses the event.
func (w *Web) publish(key string, event model.RelayEvent) {
	event.ConversationID = key
	event.Timestamp = time.Now().Unix()

	for subID, ch := range w.subs[key] {
		select {
		case ch <- event:
		default:
			logger.Conversation(key).Warnf("subscriber %d is slow, dropped %s event", subID, event.Type)
		}
	}
}

func checkBody(text string, mode ParseMode) error {
	if n := len([]rune(text)); n > MaxMessageLength {
		return fmt.Errorf("body of %d characters exceeds %d: %w", n, MaxMessageLength, ErrTooLong)
	}
	if mode == ModeHTML {
		return ValidateMarkup(text)
	}
	return nil
}

// ValidateMarkup reports ErrBadMarkup when text uses an unknown tag or its
// tags are not properly nested.
func ValidateMarkup(text string) error {
	var stack []string

	for _, m := range tagPattern.FindAllStringSubmatch(text, -1) {
		name := strings.ToLower(m[2])
		if !knownTags[name] {
			return fmt.Errorf("unsupported tag <%s>: %w", name, ErrBadMarkup)
		}
		if m[1] == "" {
			stack = append(stack, name)
			continue
		}
		if len(stack) == 0 || stack[len(stack)-1] != name {
			return fmt.Errorf("unexpected </%s>: %w", name, ErrBadMarkup)
		}
		stack = stack[:len(stack)-1]
	}

	if len(stack) > 0 {
		return fmt.Errorf("unclosed <%s>: %w", stack[len(stack)-1], ErrBadMarkup)
	}
	return nil
}
