package transport

import (
	"context"
	"fmt"
	"strings"
)

// Multi routes each conversation to the transport that owns its key:
// Telegram chats by prefix, everything else to the web hub.
type Multi struct {
	web      Transport
	telegram Transport
}

// NewMulti builds the router. Either side may be nil when that surface is
// disabled.
func NewMulti(web, telegram Transport) *Multi {
	return &Multi{web: web, telegram: telegram}
}

func (m *Multi) route(key string) (Transport, error) {
	t := m.web
	if strings.HasPrefix(key, TelegramPrefix) {
		t = m.telegram
	}
	if t == nil {
		return nil, fmt.Errorf("no transport enabled for %q", key)
	}
	return t, nil
}

func (m *Multi) Send(ctx context.Context, key, text string, mode ParseMode) (MessageID, error) {
	t, err := m.route(key)
	if err != nil {
		return "", err
	}
	return t.Send(ctx, key, text, mode)
}

func (m *Multi) Edit(ctx context.Context, key string, id MessageID, text string, mode ParseMode) error {
	t, err := m.route(key)
	if err != nil {
		return err
	}
	return t.Edit(ctx, key, id, text, mode)
}

func (m *Multi) Delete(ctx context.Context, key string, id MessageID) error {
	t, err := m.route(key)
	if err != nil {
		return err
	}
	return t.Delete(ctx, key, id)
}
