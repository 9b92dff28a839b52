package service

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"relay-backend/internal/format"
	"relay-backend/internal/transport"
	"relay-backend/pkg/logger"
)

type draftState int

const (
	draftEmpty draftState = iota
	draftSent
	draftFinalized
	draftCanceled
	draftFrozen
)

func (s draftState) terminal() bool {
	return s >= draftFinalized
}

// DraftOptions control when a draft is first sent and how often it is edited.
type DraftOptions struct {
	FirstFlushMinChars int
	EditInterval       time.Duration
	MinEditDiff        int
	Cursor             string
}

// Draft is one live reply edited in place while the model streams. Renders
// never happen after Finalize, Cancel or Freeze.
type Draft struct {
	ctx  context.Context
	key  string
	tr   transport.Transport
	opts DraftOptions
	log  *logrus.Entry

	mu           sync.Mutex
	state        draftState
	id           transport.MessageID
	lastRendered string
	lastRenderAt time.Time
	latest       string
	timer        *time.Timer
	timerSeq     uint64
}

// NewDraft starts an empty draft. ctx bounds the transport calls made from
// updates and deferred edits.
func NewDraft(ctx context.Context, tr transport.Transport, key string, opts DraftOptions) *Draft {
	return &Draft{
		ctx:  ctx,
		key:  key,
		tr:   tr,
		opts: opts,
		log:  logger.Conversation(key),
	}
}

// Update records the full text streamed so far. The first call reaching
// FirstFlushMinChars sends the draft; after that an edit is made at once
// when the text grew by MinEditDiff or EditInterval has passed, otherwise a
// single deferred edit carrying the latest text is scheduled.
func (d *Draft) Update(full string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state.terminal() {
		return
	}
	d.latest = full

	if d.state == draftEmpty {
		if utf8.RuneCountInString(full) < d.opts.FirstFlushMinChars {
			return
		}
		d.send(full)
		return
	}

	growth := utf8.RuneCountInString(full) - utf8.RuneCountInString(d.lastRendered)
	elapsed := time.Since(d.lastRenderAt)
	if growth < d.opts.MinEditDiff && elapsed < d.opts.EditInterval {
		d.schedule(d.opts.EditInterval - elapsed)
		return
	}

	d.stopTimer()
	d.edit(d.ctx, full)
}

// Finalize applies the last edit without the cursor and closes the draft.
// When the draft was delivered it returns owned=true together with the
// chunks of text that did not fit into it; the caller sends those. When it
// never reached the first flush, owned is false and the caller delivers the
// whole text itself. Calls after the first are no-ops.
func (d *Draft) Finalize(ctx context.Context, text string) (overflow []string, owned bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case draftFinalized:
		return nil, d.id != ""
	case draftCanceled, draftFrozen:
		return nil, false
	}

	d.stopTimer()
	prev := d.state
	d.state = draftFinalized
	if prev == draftEmpty {
		return nil, false
	}

	chunks := format.SplitStrict(format.ToMarkup(text), transport.MaxMessageLength)
	d.apply(ctx, chunks[0])

	return chunks[1:], true
}

// Cancel removes the delivered draft, if any, and closes the draft.
func (d *Draft) Cancel(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state.terminal() {
		return
	}
	d.stopTimer()
	d.state = draftCanceled

	if d.id == "" {
		return
	}
	if err := d.tr.Delete(ctx, d.key, d.id); err != nil {
		d.log.Warnf("delete draft %s: %v", d.id, err)
	}
}

// Freeze stops pending edits and leaves the delivered draft as it is.
func (d *Draft) Freeze() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state.terminal() {
		return
	}
	d.stopTimer()
	d.state = draftFrozen
}

// Sent reports whether the draft message exists on the transport.
func (d *Draft) Sent() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id != ""
}

func (d *Draft) schedule(wait time.Duration) {
	d.stopTimer()
	seq := d.timerSeq
	d.timer = time.AfterFunc(wait, func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		if seq != d.timerSeq || d.state != draftSent {
			return
		}
		d.timer = nil
		d.edit(d.ctx, d.latest)
	})
}

func (d *Draft) stopTimer() {
	d.timerSeq++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// body renders the part of text that fits in one message, leaving room for
// the cursor.
func (d *Draft) body(text string, cursor bool) string {
	limit := transport.MaxMessageLength
	if cursor {
		limit -= utf8.RuneCountInString(d.opts.Cursor)
	}
	return format.SplitStrict(format.ToMarkup(text), limit)[0]
}

func (d *Draft) withCursor(s string) string {
	return s + d.opts.Cursor
}

func (d *Draft) send(text string) {
	markup := d.body(text, true)

	id, err := d.tr.Send(d.ctx, d.key, d.withCursor(markup), transport.ModeHTML)
	if errors.Is(err, transport.ErrBadMarkup) {
		d.log.Debugf("draft markup rejected, sending plain text: %v", err)
		id, err = d.tr.Send(d.ctx, d.key, d.withCursor(format.StripMarkup(markup)), transport.ModePlain)
	}
	if err != nil {
		d.log.Warnf("send draft: %v", err)
		return
	}

	d.id = id
	d.state = draftSent
	d.rendered(text)
}

func (d *Draft) edit(ctx context.Context, text string) {
	if d.apply(ctx, d.withCursor(d.body(text, true))) {
		d.rendered(text)
	}
}

// apply edits the draft, retrying once as plain text when the markup is
// rejected. An unchanged body counts as success.
func (d *Draft) apply(ctx context.Context, markup string) bool {
	err := d.tr.Edit(ctx, d.key, d.id, markup, transport.ModeHTML)
	if errors.Is(err, transport.ErrBadMarkup) {
		d.log.Debugf("draft markup rejected, editing as plain text: %v", err)
		err = d.tr.Edit(ctx, d.key, d.id, format.StripMarkup(markup), transport.ModePlain)
	}
	if err != nil && !errors.Is(err, transport.ErrNotModified) {
		d.log.Warnf("edit draft %s: %v", d.id, err)
		return false
	}
	return true
}

func (d *Draft) rendered(text string) {
	d.lastRendered = text
	d.lastRenderAt = time.Now()
}
