package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"agentflow/backend/internal/pipeline"
	"agentflow/backend/pkg/models"
)

type fakeModel struct {
	chunks   []string
	content  string
	err      error
	messages []llms.MessageContent
	deadline bool
}

func (m *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.messages = messages
	_, m.deadline = ctx.Deadline()
	if m.err != nil {
		return nil, m.err
	}
	var opts llms.CallOptions
	for _, o := range options {
		o(&opts)
	}
	for _, c := range m.chunks {
		if opts.StreamingFunc != nil {
			if err := opts.StreamingFunc(ctx, []byte(c)); err != nil {
				return nil, err
			}
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.content}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func request() pipeline.GenerationRequest {
	return pipeline.GenerationRequest{
		WorkflowID: "wf-1",
		Stage:      models.StageBudget,
		Prompt:     pipeline.Prompt{System: "be terse", User: "plan a trip"},
	}
}

func TestLLMClient_DrainsStream(t *testing.T) {
	model := &fakeModel{chunks: []string{`{"total":`, ` 12`, `}`}}
	client := NewLLMClientWithModel(model, time.Minute)

	text, err := client.Generate(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, `{"total": 12}`, text)
	assert.True(t, model.deadline)

	require.Len(t, model.messages, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.messages[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, model.messages[1].Role)
	assert.Equal(t, llms.TextContent{Text: "plan a trip"}, model.messages[1].Parts[0])
}

func TestLLMClient_FallsBackToChoice(t *testing.T) {
	client := NewLLMClientWithModel(&fakeModel{content: "# Report"}, 0)
	text, err := client.Generate(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "# Report", text)
}

func TestLLMClient_Errors(t *testing.T) {
	boom := errors.New("rate limited")
	_, err := NewLLMClientWithModel(&fakeModel{err: boom}, 0).Generate(context.Background(), request())
	assert.ErrorIs(t, err, boom)

	_, err = NewLLMClientWithModel(&fakeModel{chunks: []string{"  "}}, 0).Generate(context.Background(), request())
	assert.ErrorIs(t, err, ErrEmptyGeneration)
}
