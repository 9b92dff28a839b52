package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"relay-backend/internal/config"
	"relay-backend/internal/model"
)

// OpenAIRunner streams a chat completion from any OpenAI-compatible API.
type OpenAIRunner struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

func NewOpenAIRunner(cfg config.OpenAIConfig) *OpenAIRunner {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAIRunner{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}
}

func (r *OpenAIRunner) Run(ctx context.Context, req Request, onPartial PartialFunc) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	stream, err := r.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    r.model,
		Messages: convertMessages(req),
		Stream:   true,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 429 {
			return "", &RateLimitError{Provider: "openai", RawResponse: apiErr.Message}
		}
		return "", fmt.Errorf("openai stream: %w", err)
	}
	defer stream.Close()

	var full strings.Builder
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("openai stream recv: %w", err)
		}

		if len(response.Choices) > 0 && response.Choices[0].Delta.Content != "" {
			full.WriteString(response.Choices[0].Delta.Content)
			if onPartial != nil {
				onPartial(full.String())
			}
		}
	}

	if strings.TrimSpace(full.String()) == "" {
		return "", ErrEmptyOutput
	}
	return full.String(), nil
}

// convertMessages lays out system prompt, transcript and the new turn.
// Empty assistant turns are skipped; some APIs reject them.
func convertMessages(req Request) []openai.ChatCompletionMessage {
	var result []openai.ChatCompletionMessage

	if s := strings.TrimSpace(req.SystemPrompt); s != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: s})
	}

	for _, m := range req.History {
		role := openai.ChatMessageRoleUser
		if m.Role == model.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
			if m.Content == "" {
				continue
			}
		}
		result = append(result, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	return append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})
}
