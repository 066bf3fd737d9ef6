package exec

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// mockChatModel is a test double for ChatModel, adapted from its
// graph/model.MockChatModel: a configurable response queue with call-history
// tracking and error injection, generalised here to also drive the
// streaming onChunk callback AgenticExecutor relies on.
type mockChatModel struct {
	mu        sync.Mutex
	Responses []ChatOut
	Err       error
	Calls     []mockChatCall
	callIndex int
}

type mockChatCall struct {
	Messages []ChatMessage
	Tools    []ToolSpec
}

func (m *mockChatModel) Chat(ctx context.Context, messages []ChatMessage, tools []ToolSpec, onChunk func(string)) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, mockChatCall{Messages: messages, Tools: tools})

	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if len(m.Responses) == 0 {
		return ChatOut{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	out := m.Responses[idx]
	if out.Text != "" && onChunk != nil {
		onChunk(out.Text)
	}
	return out, nil
}

func TestAgenticExecutorReturnsModelText(t *testing.T) {
	model := &mockChatModel{Responses: []ChatOut{{Text: "42"}}}
	executor := AgenticExecutor{Model: model}

	progress := make(chan Progress, 4)
	result := executor.Execute(context.Background(), "ask", map[string]string{"systemPrompt": "be terse"},
		map[string]any{"ask_prompt": "what is six times seven"}, progress)

	require.NoError(t, result.Err)
	require.Equal(t, "42", result.Value["ask_result"])
	require.Len(t, model.Calls, 1)
	require.Equal(t, ChatMessage{Role: "system", Content: "be terse"}, model.Calls[0].Messages[0])
	require.Equal(t, ChatMessage{Role: "user", Content: "what is six times seven"}, model.Calls[0].Messages[1])

	close(progress)
	var chunks []Progress
	for p := range progress {
		chunks = append(chunks, p)
	}
	require.Len(t, chunks, 1)
	require.Equal(t, "text.message.chunk", chunks[0].Kind)
}

func TestAgenticExecutorRunsRequestedTools(t *testing.T) {
	model := &mockChatModel{Responses: []ChatOut{{
		ToolCalls: []ToolCall{{Name: "lookupOrder", Input: map[string]any{"orderId": "o-1"}}},
	}}}

	var ranWith ToolCall
	executor := AgenticExecutor{
		Model: model,
		ToolRunner: func(_ context.Context, call ToolCall) (map[string]any, error) {
			ranWith = call
			return map[string]any{"status": "shipped"}, nil
		},
	}

	progress := make(chan Progress, 4)
	result := executor.Execute(context.Background(), "lookup", nil, nil, progress)
	require.NoError(t, result.Err)
	require.Equal(t, "lookupOrder", ranWith.Name)

	close(progress)
	var kinds []string
	for p := range progress {
		kinds = append(kinds, p.Kind)
	}
	require.Equal(t, []string{"task.tool.start", "task.tool.end"}, kinds)
}

func TestAgenticExecutorSurfacesModelError(t *testing.T) {
	model := &mockChatModel{Err: errors.New("rate limited")}
	executor := AgenticExecutor{Model: model}

	result := executor.Execute(context.Background(), "ask", nil, nil, nil)
	require.Error(t, result.Err)
	require.False(t, result.Cancelled)
}

func TestAgenticExecutorRecordsCost(t *testing.T) {
	model := &mockChatModel{Responses: []ChatOut{{Text: "done", Model: "gpt-4o-mini", InputTokens: 1000, OutputTokens: 500}}}
	tracker := NewCostTracker()
	executor := AgenticExecutor{Model: model, Tracker: tracker}

	result := executor.Execute(context.Background(), "ask", nil, nil, nil)
	require.NoError(t, result.Err)

	calls := tracker.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "gpt-4o-mini", calls[0].Model)
	require.Equal(t, 1000, calls[0].InputTokens)
	require.Equal(t, 500, calls[0].OutputTokens)
	require.InDelta(t, 0.00045, tracker.TotalCost(), 0.000001)
}

func TestAgenticExecutorRequiresModel(t *testing.T) {
	executor := AgenticExecutor{}
	result := executor.Execute(context.Background(), "ask", nil, nil, nil)
	require.Error(t, result.Err)
}
