// Package transport abstracts the chat surface a reply is delivered to.
package transport

import (
	"context"
	"errors"
)

// ParseMode tells the transport how to interpret a message body.
type ParseMode string

const (
	ModeHTML  ParseMode = "HTML"
	ModePlain ParseMode = ""
)

// MaxMessageLength is the largest body, in characters, a transport accepts.
const MaxMessageLength = 4096

var (
	// ErrBadMarkup means the transport rejected the body's markup; the same
	// content sent as plain text may still succeed.
	ErrBadMarkup = errors.New("transport: malformed markup")
	// ErrNotModified means an edit carried exactly the content already shown.
	ErrNotModified = errors.New("transport: message not modified")
	// ErrTooLong means the body exceeds what the transport accepts in one
	// message; the same content split into smaller bodies may still succeed.
	ErrTooLong = errors.New("transport: message is too long")
	// ErrMessageNotFound means the handle does not refer to a live message.
	ErrMessageNotFound = errors.New("transport: message not found")
)

// MessageID is an opaque handle to a delivered message.
type MessageID string

// Transport sends, edits and deletes messages in one conversation.
type Transport interface {
	Send(ctx context.Context, key, text string, mode ParseMode) (MessageID, error)
	Edit(ctx context.Context, key string, id MessageID, text string, mode ParseMode) error
	Delete(ctx context.Context, key string, id MessageID) error
}
