package format

import (
	"context"
	"errors"
	"fmt"

	"relay-backend/internal/transport"
	"relay-backend/pkg/logger"
)

// SendFunc delivers one chunk to the conversation.
type SendFunc func(ctx context.Context, text string, mode transport.ParseMode) error

// Report counts what happened to each chunk of a delivery.
type Report struct {
	Sent     int // accepted as markup
	Fallback int // accepted only as plain text
	Dropped  int
}

// Deliver converts text to markup, splits it and sends every chunk.
func Deliver(ctx context.Context, send SendFunc, text string) Report {
	return SendChunks(ctx, send, Split(ToMarkup(text), transport.MaxMessageLength))
}

// SendChunks sends markup chunks in order. A chunk the transport rejects as
// too long is cut with Fit and its pieces sent instead. A chunk rejected for
// its markup is re-sent once as plain text; that retry applies to the
// failing chunk only. Failures are logged and never returned.
func SendChunks(ctx context.Context, send SendFunc, chunks []string) Report {
	var report Report

	for i, chunk := range chunks {
		label := fmt.Sprintf("%d/%d", i+1, len(chunks))

		err := send(ctx, chunk, transport.ModeHTML)
		if errors.Is(err, transport.ErrTooLong) {
			if pieces := Fit(chunk, transport.MaxMessageLength); len(pieces) > 1 {
				logger.Warnf("deliver chunk %s too long, sending it as %d pieces", label, len(pieces))
				for j, piece := range pieces {
					pieceLabel := fmt.Sprintf("%s.%d", label, j+1)
					report.settle(ctx, send, piece, pieceLabel, send(ctx, piece, transport.ModeHTML))
				}
				continue
			}
		}
		report.settle(ctx, send, chunk, label, err)
	}

	return report
}

// settle records the outcome of sending chunk, retrying once as plain text
// when err is a markup rejection.
func (r *Report) settle(ctx context.Context, send SendFunc, chunk, label string, err error) {
	if err == nil {
		r.Sent++
		return
	}

	if !errors.Is(err, transport.ErrBadMarkup) {
		logger.Errorf("deliver chunk %s dropped: %v", label, err)
		r.Dropped++
		return
	}

	logger.Warnf("deliver chunk %s rejected as markup, retrying as plain text: %v", label, err)
	if err := send(ctx, StripMarkup(chunk), transport.ModePlain); err != nil {
		logger.Errorf("deliver chunk %s dropped after plain-text retry: %v", label, err)
		r.Dropped++
		return
	}
	r.Fallback++
}
