package llm

import (
	"context"
	"errors"
	"testing"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-backend/internal/config"
	"relay-backend/internal/model"
)

type fakeChatModel struct {
	chunks []string
	err    error
	input  []*schema.Message
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...einoModel.Option) (*schema.Message, error) {
	return nil, errors.New("not used")
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...einoModel.Option) (*schema.StreamReader[*schema.Message], error) {
	f.input = input
	if f.err != nil {
		return nil, f.err
	}
	msgs := make([]*schema.Message, 0, len(f.chunks))
	for _, c := range f.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func TestChatModelRunner(t *testing.T) {
	fake := &fakeChatModel{chunks: []string{"a", "", "b"}}
	r := NewChatModelRunner(fake, "fake")

	var partials []string
	raw, err := r.Run(context.Background(), Request{
		Prompt:       "now",
		SystemPrompt: "sys",
		History:      []model.Message{{Role: model.RoleUser, Content: "before"}, {Role: model.RoleAssistant, Content: "reply"}},
	}, func(full string) { partials = append(partials, full) })

	require.NoError(t, err)
	assert.Equal(t, "ab", raw)
	assert.Equal(t, []string{"a", "ab"}, partials)

	require.Len(t, fake.input, 4)
	assert.Equal(t, schema.System, fake.input[0].Role)
	assert.Equal(t, schema.Assistant, fake.input[2].Role)
	assert.Equal(t, "now", fake.input[3].Content)
}

func TestChatModelRunnerErrors(t *testing.T) {
	_, err := NewChatModelRunner(&fakeChatModel{err: errors.New("HTTP 429: too many requests")}, "fake").
		Run(context.Background(), Request{Prompt: "x"}, nil)
	var rl *RateLimitError
	assert.True(t, errors.As(err, &rl))

	_, err = NewChatModelRunner(&fakeChatModel{}, "fake").Run(context.Background(), Request{Prompt: "x"}, nil)
	assert.ErrorIs(t, err, ErrEmptyOutput)
}

func TestNewRunner(t *testing.T) {
	r, err := NewRunner(context.Background(), config.LLMConfig{Provider: "cli"})
	require.NoError(t, err)
	assert.IsType(t, &CLIRunner{}, r)

	r, err = NewRunner(context.Background(), config.LLMConfig{Provider: "openai"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIRunner{}, r)

	_, err = NewRunner(context.Background(), config.LLMConfig{Provider: "nope"})
	assert.Error(t, err)
}
