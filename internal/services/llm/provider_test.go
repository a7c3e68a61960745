package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/menulens/internal/common"
	"github.com/ternarybob/menulens/internal/interfaces"
)

func newTestFactory(provider common.LLMProvider) *ProviderFactory {
	cfg := common.NewDefaultConfig()
	cfg.LLM.DefaultProvider = provider
	cfg.Gemini.APIKey = ""
	cfg.Claude.APIKey = ""
	return NewProviderFactory(&cfg.Gemini, &cfg.Claude, &cfg.LLM, arbor.NewLogger())
}

func TestDetectProvider(t *testing.T) {
	f := newTestFactory(common.LLMProviderGemini)

	tests := []struct {
		model string
		want  ProviderType
	}{
		{"", ProviderGemini},
		{"claude-haiku-4-5", ProviderClaude},
		{"anthropic/claude-sonnet-4-5", ProviderClaude},
		{"Gemini/gemini-2.5-flash", ProviderGemini},
		{"gemini-2.5-pro", ProviderGemini},
		{"some-other-model", ProviderGemini},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, f.DetectProvider(tt.model))
		})
	}

	assert.Equal(t, ProviderClaude, newTestFactory(common.LLMProviderClaude).DetectProvider(""))
}

func TestNormalizeModel(t *testing.T) {
	f := newTestFactory(common.LLMProviderGemini)
	assert.Equal(t, "claude-haiku-4-5", f.NormalizeModel("claude/claude-haiku-4-5"))
	assert.Equal(t, "gemini-2.5-flash", f.NormalizeModel("Google/gemini-2.5-flash"))
	assert.Equal(t, "gemini-2.5-flash", f.NormalizeModel("gemini-2.5-flash"))
}

func TestGenerateContent_MissingKey(t *testing.T) {
	f := newTestFactory(common.LLMProviderGemini)
	request := &ContentRequest{Messages: []interfaces.Message{{Role: "user", Content: "hi"}}}

	_, err := f.GenerateContent(context.Background(), request)
	assert.ErrorIs(t, err, ErrProviderNotConfigured)

	request.Model = "claude-haiku-4-5"
	_, err = f.GenerateContent(context.Background(), request)
	assert.ErrorIs(t, err, ErrProviderNotConfigured)

	_, err = f.GenerateImage(context.Background(), "a bowl of ramen")
	assert.ErrorIs(t, err, ErrProviderNotConfigured)

	_, err = f.GenerateImage(context.Background(), "  ")
	assert.Error(t, err)
}

func TestConvertMessagesToGemini(t *testing.T) {
	messages := []interfaces.Message{
		{Role: "system", Content: "You read menus."},
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "ok"},
		{Role: "user", Content: "second"},
	}

	contents, system, err := convertMessagesToGemini(messages, []byte{0x89, 0x50}, "image/png")
	require.NoError(t, err)
	assert.Equal(t, "You read menus.", system)
	require.Len(t, contents, 3)
	assert.Len(t, contents[0].Parts, 1)
	assert.Len(t, contents[2].Parts, 2, "image is attached to the last user message")

	_, _, err = convertMessagesToGemini(nil, nil, "")
	assert.Error(t, err)
	_, _, err = convertMessagesToGemini([]interfaces.Message{{Role: "system", Content: "x"}}, nil, "")
	assert.Error(t, err)
}

func TestConvertMessagesToClaude(t *testing.T) {
	messages := []interfaces.Message{
		{Role: "system", Content: "You read menus."},
		{Role: "user", Content: "read this"},
	}

	params, system, err := convertMessagesToClaude(messages, []byte("jpeg"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "You read menus.", system)
	require.Len(t, params, 1)
	assert.Len(t, params[0].Content, 2)

	params, _, err = convertMessagesToClaude(messages, nil, "")
	require.NoError(t, err)
	assert.Len(t, params[0].Content, 1)
}

func TestRetry_ExtractDelayAndBackoff(t *testing.T) {
	err := errors.New("Error 429, Message: quota. Please retry in 3.5s., Status: RESOURCE_EXHAUSTED")
	assert.True(t, IsRateLimitError(err))
	assert.Equal(t, 3500*time.Millisecond, ExtractRetryDelay(err))
	assert.False(t, IsRateLimitError(errors.New("bad request")))
	assert.Zero(t, ExtractRetryDelay(errors.New("bad request")))

	c := NewDefaultRetryConfig()
	assert.Equal(t, 2*time.Second, c.CalculateBackoff(0, 0))
	assert.Equal(t, 4*time.Second, c.CalculateBackoff(1, 0))
	assert.Equal(t, c.MaxBackoff, c.CalculateBackoff(10, 0))
	assert.Equal(t, 3*time.Second, c.CalculateBackoff(0, 3*time.Second))
}

func TestWithRetry_StopsOnSuccessAndContext(t *testing.T) {
	c := &RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}
	logger := arbor.NewLogger()

	calls := 0
	result, err := withRetry(context.Background(), c, logger, ProviderGemini, func() (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("429 too many requests")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 2, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls = 0
	_, err = withRetry(ctx, c, logger, ProviderGemini, func() (string, error) {
		calls++
		return "", errors.New("429")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
