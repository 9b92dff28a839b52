// Package llm runs one conversational turn against a model back end and
// returns its raw output for the parser.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"relay-backend/internal/config"
	"relay-backend/internal/model"
)

// PartialFunc receives the full text streamed so far.
type PartialFunc func(full string)

// Request is one turn. SessionID is the resume token a back end handed out
// on an earlier turn; History is the stored transcript, oldest first, used
// by back ends that cannot resume.
type Request struct {
	Key          string
	Prompt       string
	SessionID    string
	SystemPrompt string
	History      []model.Message
}

// Runner produces the raw output for a turn, reporting streamed text through
// onPartial when the back end streams. onPartial may be nil.
type Runner interface {
	Run(ctx context.Context, req Request, onPartial PartialFunc) (string, error)
}

var ErrEmptyOutput = errors.New("model produced no output")

// RateLimitError is returned when the back end refuses the turn for quota.
type RateLimitError struct {
	Provider    string
	RetryAfter  time.Duration
	RawResponse string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limit exceeded, retry after %v", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("%s rate limit exceeded", e.Provider)
}

// NewRunner builds the runner for cfg.Provider.
func NewRunner(ctx context.Context, cfg config.LLMConfig) (Runner, error) {
	switch cfg.Provider {
	case "cli":
		return NewCLIRunner(cfg.CLI), nil
	case "openai":
		return NewOpenAIRunner(cfg.OpenAI), nil
	case "doubao":
		return NewDoubaoRunner(ctx, cfg.Doubao)
	case "qwen":
		return NewQwenRunner(ctx, cfg.Qwen)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}

func isRateLimitError(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "429")
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// composePrompt folds the system prompt and, when there is no resume token,
// the transcript into a single prompt for back ends that take one string.
func composePrompt(req Request) string {
	var b strings.Builder

	if s := strings.TrimSpace(req.SystemPrompt); s != "" {
		fmt.Fprintf(&b, "[System Instructions]\n%s\n\n", s)
	}

	if req.SessionID == "" && len(req.History) > 0 {
		b.WriteString("[Conversation So Far]\n")
		for _, m := range req.History {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		b.WriteString("\n")
	}

	if b.Len() == 0 {
		return req.Prompt
	}

	fmt.Fprintf(&b, "[User Request]\n%s", req.Prompt)
	return b.String()
}
