package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"agentflow/backend/internal/pipeline"
)

// ErrEmptyGeneration is returned when the model streams no text at all.
var ErrEmptyGeneration = errors.New("model returned no content")

// LLMClientConfig configures an OpenAI compatible chat endpoint.
type LLMClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// LLMClient is a pipeline.Generator backed by a langchaingo chat model. It
// always streams and returns the text only once the stream is drained.
type LLMClient struct {
	model   llms.Model
	timeout time.Duration
}

var _ pipeline.Generator = (*LLMClient)(nil)

// NewLLMClient creates an LLMClient talking to an OpenAI compatible API.
func NewLLMClient(cfg LLMClientConfig) (*LLMClient, error) {
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm client: %w", err)
	}
	return NewLLMClientWithModel(model, cfg.Timeout), nil
}

// NewLLMClientWithModel wraps an existing model. A zero timeout disables the
// per-call deadline.
func NewLLMClientWithModel(model llms.Model, timeout time.Duration) *LLMClient {
	return &LLMClient{model: model, timeout: timeout}
}

// Generate sends the rendered prompt and collects the streamed reply.
func (c *LLMClient) Generate(ctx context.Context, req pipeline.GenerationRequest) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var messages []llms.MessageContent
	if req.Prompt.System != "" {
		messages = append(messages, llms.MessageContent{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(req.Prompt.System)},
		})
	}
	messages = append(messages, llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextPart(req.Prompt.User)},
	})

	var streamed strings.Builder
	resp, err := c.model.GenerateContent(ctx, messages,
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			streamed.Write(chunk)
			return nil
		}),
	)
	if err != nil {
		return "", fmt.Errorf("generate %s: %w", req.Stage, err)
	}

	text := streamed.String()
	// Some providers ignore streaming and only fill the response.
	if text == "" && resp != nil && len(resp.Choices) > 0 {
		text = resp.Choices[0].Content
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("generate %s: %w", req.Stage, ErrEmptyGeneration)
	}
	return text, nil
}
