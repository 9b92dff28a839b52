package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-backend/internal/config"
	"relay-backend/internal/llm"
	"relay-backend/internal/model"
	"relay-backend/internal/skills"
	"relay-backend/internal/storage"
	"relay-backend/internal/transport"
)

type runFunc func(ctx context.Context, req llm.Request, onPartial llm.PartialFunc) (string, error)

type fakeRunner struct {
	mu       sync.Mutex
	requests []llm.Request
	run      runFunc
}

func (f *fakeRunner) Run(ctx context.Context, req llm.Request, onPartial llm.PartialFunc) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.run(ctx, req, onPartial)
}

func (f *fakeRunner) Requests() []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.Request(nil), f.requests...)
}

// reply streams each partial in turn and then returns raw.
func reply(raw string, partials ...string) runFunc {
	return func(ctx context.Context, req llm.Request, onPartial llm.PartialFunc) (string, error) {
		for _, p := range partials {
			onPartial(p)
		}
		return raw, nil
	}
}

type harness struct {
	svc    *RelayService
	store  *storage.MemoryStore
	runner *fakeRunner
	tr     *fakeTransport
}

func newHarness(t *testing.T, run runFunc, tune func(*Options)) *harness {
	t.Helper()

	registry := skills.NewRegistry()
	require.NoError(t, registry.Register(context.Background(), &skills.CalcTool{}))

	opts := Options{
		Relay: config.RelayConfig{
			FirstFlushMinChars: 5,
			EditInterval:       time.Hour,
			MinEditDiff:        200,
			Cursor:             testCursor,
			TaskTimeout:        5 * time.Second,
			HistoryMessages:    20,
		},
		SystemPrompt: "be brief",
	}
	if tune != nil {
		tune(&opts)
	}

	h := &harness{
		store:  storage.NewMemoryStore(),
		runner: &fakeRunner{run: run},
		tr:     &fakeTransport{},
	}
	h.svc = NewRelayService(opts, h.store, h.runner, registry, h.tr)
	return h
}

func (h *harness) submit(t *testing.T, key, text string) SubmitStatus {
	t.Helper()
	status, err := h.svc.Submit(key, text)
	require.NoError(t, err)
	return status
}

func (h *harness) shutdown(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Shutdown(ctx))
}

func (h *harness) messages(t *testing.T, key string) []model.Message {
	t.Helper()
	msgs, err := h.store.Messages(key, 0)
	require.NoError(t, err)
	return msgs
}

func TestRelayMessageTurn(t *testing.T) {
	raw := `{"type":"result","result":"Hello **world**","session_id":"s1"}`
	h := newHarness(t, reply(raw, "Hel", "Hello", "Hello **wor"), nil)

	assert.Equal(t, StatusQueued, h.submit(t, "chat-1", "hi"))
	h.shutdown(t)

	calls := h.tr.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "send", calls[0].op)
	assert.Equal(t, "Hello"+testCursor, calls[0].text)
	assert.Equal(t, "edit", calls[1].op)
	assert.Equal(t, "Hello <b>world</b>", calls[1].text)
	assert.Equal(t, "chat-1", calls[1].key)

	req := h.runner.Requests()[0]
	assert.Equal(t, "hi", req.Prompt)
	assert.Equal(t, "be brief", req.SystemPrompt)
	assert.Empty(t, req.SessionID)

	session, err := h.store.GetSession("chat-1")
	require.NoError(t, err)
	assert.Equal(t, "s1", session.SessionToken)

	msgs := h.messages(t, "chat-1")
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello **world**", msgs[1].Content)
	assert.Empty(t, msgs[1].Skill)
}

func TestRelayShortReplySentOnce(t *testing.T) {
	h := newHarness(t, reply("ok", "ok"), nil)

	h.submit(t, "k", "ping")
	h.shutdown(t)

	calls := h.tr.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "send", calls[0].op)
	assert.Equal(t, "ok", calls[0].text)
}

func TestRelayEmptyReplyPlaceholder(t *testing.T) {
	h := newHarness(t, reply(`{"type":"result","result":""}`), nil)

	h.submit(t, "k", "ping")
	h.shutdown(t)

	assert.Equal(t, "(no response)", h.tr.Last("send").text)
}

func TestRelayDirectiveTurn(t *testing.T) {
	raw := `{"type":"tool_call","tool":"calc","args":{"expression":"12 times 4"}}`
	h := newHarness(t, reply(raw, `{"type":"tool_call","tool":"ca`, raw), nil)

	h.submit(t, "k", "what is 12 times 4")
	h.shutdown(t)

	// the streamed directive was never rendered
	calls := h.tr.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "send", calls[0].op)
	assert.Equal(t, "12 * 4 = 48", calls[0].text)

	msgs := h.messages(t, "k")
	require.Len(t, msgs, 2)
	assert.Equal(t, "calc", msgs[1].Skill)
	assert.Equal(t, "12 * 4 = 48", msgs[1].Content)
}

func TestRelayDirectiveAfterDraftDeletesDraft(t *testing.T) {
	raw := "Let me work that out.\n" + `{"type":"tool_call","tool":"calc","args":{"a":2,"b":3,"op":"+"}}`
	h := newHarness(t, reply(raw, "Let me work that out."), nil)

	h.submit(t, "k", "2+3")
	h.shutdown(t)

	calls := h.tr.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "send", calls[0].op)
	assert.Equal(t, "delete", calls[1].op)
	assert.Equal(t, calls[0].key, calls[1].key)
	assert.Equal(t, "send", calls[2].op)
	assert.Equal(t, "2 + 3 = 5", calls[2].text)
}

func TestRelayUnknownSkill(t *testing.T) {
	h := newHarness(t, reply(`{"type":"tool_call","tool":"fly","args":{}}`), nil)

	h.submit(t, "k", "take off")
	h.shutdown(t)

	require.Equal(t, 1, h.tr.Count("send"))
	assert.Contains(t, h.tr.Last("send").text, "know how to")
	assert.Contains(t, h.tr.Last("send").text, "fly")
}

func TestRelaySkillErrorBecomesReply(t *testing.T) {
	h := newHarness(t, reply(`{"type":"tool_call","tool":"calc","args":{"a":1,"b":0,"op":"/"}}`), nil)

	h.submit(t, "k", "1/0")
	h.shutdown(t)

	assert.True(t, strings.HasPrefix(h.tr.Last("send").text, "Sorry, calc failed"))
}

func TestRelayModelFailureFreezesDraft(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, req llm.Request, onPartial llm.PartialFunc) (string, error) {
		onPartial("partial answer")
		return "", errors.New("model crashed")
	}, nil)

	h.submit(t, "k", "hi")
	h.shutdown(t)

	calls := h.tr.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "send", calls[0].op)

	msgs := h.messages(t, "k")
	require.Len(t, msgs, 1)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
}

func TestRelayOverflowSentAfterDraft(t *testing.T) {
	long := strings.Repeat("x", 3000) + "\n\n" + strings.Repeat("y", 3000)
	h := newHarness(t, reply(long, "xxxxxxxx"), nil)

	h.submit(t, "k", "long please")
	h.shutdown(t)

	calls := h.tr.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "send", calls[0].op)
	assert.Equal(t, "edit", calls[1].op)
	assert.Equal(t, strings.Repeat("x", 3000), calls[1].text)
	assert.Equal(t, "send", calls[2].op)
	assert.Equal(t, strings.Repeat("y", 3000), calls[2].text)
}

func TestRelayDebounceMergesFragments(t *testing.T) {
	h := newHarness(t, reply("done"), func(o *Options) {
		o.Relay.DebounceEnabled = true
		o.Relay.DebounceWindow = 80 * time.Millisecond
	})

	assert.Equal(t, StatusQueued, h.submit(t, "k", "first"))
	assert.Equal(t, StatusBuffered, h.submit(t, "k", "second"))
	buffered, _ := h.svc.Pending()
	assert.Equal(t, 1, buffered)

	require.Eventually(t, func() bool { return len(h.runner.Requests()) == 1 }, 2*time.Second, 10*time.Millisecond)
	h.shutdown(t)

	reqs := h.runner.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "first\nsecond", reqs[0].Prompt)
}

func TestRelayResumesSessionAndKeepsOrder(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, req llm.Request, onPartial llm.PartialFunc) (string, error) {
		return `{"type":"result","result":"re: ` + req.Prompt + `","session_id":"tok"}`, nil
	}, nil)

	prompts := []string{"one", "two", "three", "four", "five"}
	for _, p := range prompts {
		h.submit(t, "k", p)
	}
	h.shutdown(t)

	reqs := h.runner.Requests()
	require.Len(t, reqs, len(prompts))
	for i, p := range prompts {
		assert.Equal(t, p, reqs[i].Prompt)
	}
	assert.Empty(t, reqs[0].SessionID)
	assert.Equal(t, "tok", reqs[1].SessionID)

	// history holds the earlier turns, oldest first
	require.Len(t, reqs[1].History, 2)
	assert.Equal(t, "one", reqs[1].History[0].Content)
	assert.Equal(t, "re: one", reqs[1].History[1].Content)

	sent := []string{}
	for _, c := range h.tr.Calls() {
		sent = append(sent, c.text)
	}
	assert.Equal(t, []string{"re: one", "re: two", "re: three", "re: four", "re: five"}, sent)
}

func TestRelayKeysDoNotBlockEachOther(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, req llm.Request, onPartial llm.PartialFunc) (string, error) {
		if req.Key == "slow" {
			<-release
		}
		return "ok " + req.Key, nil
	}, nil)

	h.submit(t, "slow", "wait")
	h.submit(t, "fast", "go")

	require.Eventually(t, func() bool { return h.tr.Count("send") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "fast", h.tr.Last("send").key)

	close(release)
	h.shutdown(t)
	assert.Equal(t, 2, h.tr.Count("send"))
}

func TestRelaySubmitErrors(t *testing.T) {
	h := newHarness(t, reply("ok"), nil)

	_, err := h.svc.Submit("", "text")
	assert.ErrorIs(t, err, ErrEmptyInput)
	_, err = h.svc.Submit("k", "   ")
	assert.ErrorIs(t, err, ErrEmptyInput)

	h.shutdown(t)
	_, err = h.svc.Submit("k", "late")
	assert.ErrorIs(t, err, ErrShuttingDown)

	// a second shutdown is a no-op
	assert.NoError(t, h.svc.Shutdown(context.Background()))
}

func TestRelayShutdownDropsOpenWindow(t *testing.T) {
	h := newHarness(t, reply("ok"), func(o *Options) {
		o.Relay.DebounceEnabled = true
		o.Relay.DebounceWindow = time.Hour
	})

	h.submit(t, "k", "never sent")
	h.shutdown(t)

	assert.Empty(t, h.runner.Requests())
	assert.Empty(t, h.tr.Calls())
}

func TestRelayShutdownDeadlineCancelsTurn(t *testing.T) {
	canceled := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, req llm.Request, onPartial llm.PartialFunc) (string, error) {
		<-ctx.Done()
		close(canceled)
		return "", ctx.Err()
	}, nil)

	h.submit(t, "k", "hang")
	require.Eventually(t, func() bool { return len(h.runner.Requests()) == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.svc.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-canceled:
	default:
		t.Fatal("running turn was not canceled")
	}
}

func TestRelayReset(t *testing.T) {
	h := newHarness(t, reply(`{"type":"result","result":"ok","session_id":"tok"}`), nil)
	defer h.shutdown(t)

	h.submit(t, "k", "hi")
	require.Eventually(t, func() bool {
		msgs, err := h.store.Messages("k", 0)
		return err == nil && len(msgs) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.svc.Reset("k"))
	_, err := h.store.GetSession("k")
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)

	// resetting an unknown conversation is fine
	assert.NoError(t, h.svc.Reset("missing"))
}

func TestRelayCleanupExpiredSessions(t *testing.T) {
	h := newHarness(t, reply("ok"), func(o *Options) {
		o.Session.TTL = time.Hour
	})
	defer h.shutdown(t)

	_, err := h.store.EnsureSession("old")
	require.NoError(t, err)
	_, err = h.store.EnsureSession("fresh")
	require.NoError(t, err)

	// half an hour on, nothing has outlived the TTL
	h.svc.cleanupOnce(time.Now().Add(30 * time.Minute))
	sessions, err := h.store.ListSessions()
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	// two hours on, both have
	h.svc.cleanupOnce(time.Now().Add(2 * time.Hour))
	sessions, err = h.store.ListSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestRelayMarkupRejectedFallsBackToPlain(t *testing.T) {
	h := newHarness(t, reply("a **b**"), nil)
	h.tr.sendErr = func(text string, mode transport.ParseMode) error {
		if mode == transport.ModeHTML {
			return transport.ErrBadMarkup
		}
		return nil
	}

	h.submit(t, "k", "hi")
	h.shutdown(t)

	calls := h.tr.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "a <b>b</b>", calls[0].text)
	assert.Equal(t, "a b", calls[1].text)
	assert.Equal(t, transport.ModePlain, calls[1].mode)
}
