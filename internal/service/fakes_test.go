package service

import (
	"context"
	"fmt"
	"sync"

	"relay-backend/internal/transport"
)

type transportCall struct {
	op   string
	key  string
	id   transport.MessageID
	text string
	mode transport.ParseMode
}

// fakeTransport records every call. The hooks, when set, decide the error
// returned for a call.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []transportCall
	nextID  int
	sendErr func(text string, mode transport.ParseMode) error
	editErr func(text string, mode transport.ParseMode) error
}

func (f *fakeTransport) Send(ctx context.Context, key, text string, mode transport.ParseMode) (transport.MessageID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, transportCall{op: "send", key: key, text: text, mode: mode})
	if f.sendErr != nil {
		if err := f.sendErr(text, mode); err != nil {
			return "", err
		}
	}
	f.nextID++
	return transport.MessageID(fmt.Sprintf("m%d", f.nextID)), nil
}

func (f *fakeTransport) Edit(ctx context.Context, key string, id transport.MessageID, text string, mode transport.ParseMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, transportCall{op: "edit", key: key, id: id, text: text, mode: mode})
	if f.editErr != nil {
		return f.editErr(text, mode)
	}
	return nil
}

func (f *fakeTransport) Delete(ctx context.Context, key string, id transport.MessageID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, transportCall{op: "delete", key: key, id: id})
	return nil
}

func (f *fakeTransport) Calls() []transportCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transportCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeTransport) Count(op string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.op == op {
			n++
		}
	}
	return n
}

func (f *fakeTransport) Last(op string) transportCall {
	calls := f.Calls()
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].op == op {
			return calls[i]
		}
	}
	return transportCall{}
}
