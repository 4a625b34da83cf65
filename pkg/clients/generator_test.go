package clients

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

type fakeModel struct {
	failures int
	calls    int
	messages []llms.MessageContent
}

func (m *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.calls++
	m.messages = messages
	if m.calls <= m.failures {
		return nil, errors.New("503 unavailable")
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "report"}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func fastGenerator(m llms.Model, retries uint64) *Generator {
	g := NewGenerator(m, retries)
	g.initial = time.Millisecond
	return g
}

func TestGenerateRetriesTransientFailures(t *testing.T) {
	m := &fakeModel{failures: 2}
	out, err := fastGenerator(m, 3).Generate(context.Background(), "system", "prompt")
	require.NoError(t, err)
	assert.Equal(t, "report", out)
	assert.Equal(t, 3, m.calls)

	require.Len(t, m.messages, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, m.messages[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, m.messages[1].Role)
}

func TestGenerateGivesUp(t *testing.T) {
	m := &fakeModel{failures: 10}
	_, err := fastGenerator(m, 2).Generate(context.Background(), "", "prompt")
	require.Error(t, err)
	assert.Equal(t, 3, m.calls)
	require.Len(t, m.messages, 1)
}

func TestGenerateStopsOnCancel(t *testing.T) {
	m := &fakeModel{failures: 10}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fastGenerator(m, 5).Generate(ctx, "", "prompt")
	require.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, m.calls, 1)
}
