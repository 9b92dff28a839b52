package service

import (
	"strings"
	"sync"
	"time"
)

// pendingBuffer collects the fragments of one conversation while its window
// is open. done is handed to the first caller only and receives the merged
// text exactly once.
type pendingBuffer struct {
	fragments []string
	timer     *time.Timer
	done      chan string
}

// Debouncer merges fragments that arrive for the same key within the window.
// Keys never share a buffer.
type Debouncer struct {
	mu      sync.Mutex
	enabled bool
	window  time.Duration
	pending map[string]*pendingBuffer
	closed  bool
}

func NewDebouncer(enabled bool, window time.Duration) *Debouncer {
	return &Debouncer{
		enabled: enabled && window > 0,
		window:  window,
		pending: make(map[string]*pendingBuffer),
	}
}

// Debounce adds text to the key's buffer. The first call for a key returns a
// channel that yields the fragments joined by newlines once the window has
// passed without another fragment; every later call before then resets the
// window and returns nil, meaning the text is already buffered and the caller
// has nothing more to do. With debouncing disabled the returned channel
// yields text immediately.
func (d *Debouncer) Debounce(key, text string) <-chan string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled || d.closed {
		done := make(chan string, 1)
		done <- text
		close(done)
		return done
	}

	if pb, ok := d.pending[key]; ok {
		pb.fragments = append(pb.fragments, text)
		pb.timer.Reset(d.window)
		return nil
	}

	pb := &pendingBuffer{
		fragments: []string{text},
		done:      make(chan string, 1),
	}
	pb.timer = time.AfterFunc(d.window, func() { d.flush(key, pb) })
	d.pending[key] = pb

	return pb.done
}

func (d *Debouncer) flush(key string, pb *pendingBuffer) {
	d.mu.Lock()
	// a Reset racing with expiry can fire a buffer that was already handed off
	if d.pending[key] != pb {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	merged := strings.Join(pb.fragments, "\n")
	d.mu.Unlock()

	pb.done <- merged
	close(pb.done)
}

// Pending returns the number of keys with an open window.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close stops every open window. Buffered fragments are dropped and their
// channels closed without a value; later calls pass text straight through.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	for key, pb := range d.pending {
		pb.timer.Stop()
		close(pb.done)
		delete(d.pending, key)
	}
}
