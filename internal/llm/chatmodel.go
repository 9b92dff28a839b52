package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/qwen"
	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"relay-backend/internal/config"
	"relay-backend/internal/model"
	"relay-backend/internal/utils"
	"relay-backend/pkg/logger"
)

// ChatModelRunner streams a turn through an eino chat model.
type ChatModelRunner struct {
	model einoModel.BaseChatModel
	name  string
}

func NewChatModelRunner(m einoModel.BaseChatModel, name string) *ChatModelRunner {
	return &ChatModelRunner{model: m, name: name}
}

func NewDoubaoRunner(ctx context.Context, cfg config.DoubaoConfig) (*ChatModelRunner, error) {
	chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		APIKey: cfg.APIKey,
		Model:  cfg.Model,
		CustomHeader: map[string]string{
			"X-Ark-Thinking-Mode": "disable",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create doubao model: %w", err)
	}

	logger.Infof("Using Doubao model: %s", cfg.Model)
	return NewChatModelRunner(chatModel, "doubao"), nil
}

func NewQwenRunner(ctx context.Context, cfg config.QwenConfig) (*ChatModelRunner, error) {
	maxTokens := cfg.MaxTokens
	temperature := cfg.Temperature

	chatModel, err := qwen.NewChatModel(ctx, &qwen.ChatModelConfig{
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
		Timeout:     cfg.Timeout,
		HTTPClient:  utils.NewHTTPClient(cfg.Timeout),
	})
	if err != nil {
		return nil, fmt.Errorf("create qwen model: %w", err)
	}

	logger.Infof("Using Qwen model: %s, BaseURL: %s", cfg.Model, cfg.BaseURL)
	return NewChatModelRunner(chatModel, "qwen"), nil
}

func (r *ChatModelRunner) Run(ctx context.Context, req Request, onPartial PartialFunc) (string, error) {
	stream, err := r.model.Stream(ctx, schemaMessages(req))
	if err != nil {
		if isRateLimitError(err.Error()) {
			return "", &RateLimitError{Provider: r.name, RawResponse: err.Error()}
		}
		return "", fmt.Errorf("%s stream: %w", r.name, err)
	}
	defer stream.Close()

	var full strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%s stream recv: %w", r.name, err)
		}

		if chunk != nil && chunk.Content != "" {
			full.WriteString(chunk.Content)
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

func schemaMessages(req Request) []*schema.Message {
	var msgs []*schema.Message

	if s := strings.TrimSpace(req.SystemPrompt); s != "" {
		msgs = append(msgs, schema.SystemMessage(s))
	}

	for _, m := range req.History {
		if m.Role == model.RoleAssistant {
			if m.Content != "" {
				msgs = append(msgs, schema.AssistantMessage(m.Content, nil))
			}
			continue
		}
		msgs = append(msgs, schema.UserMessage(m.Content))
	}

	return append(msgs, schema.UserMessage(req.Prompt))
}
