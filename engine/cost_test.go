package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bpmnflow/engine/bus"
	"github.com/bpmnflow/engine/eventstream"
	"github.com/bpmnflow/engine/exec"
	"github.com/bpmnflow/engine/expr"
)

// fakeChatModel is a minimal exec.ChatModel stub for exercising per-instance
// cost attribution through a real scheduler run.
type fakeChatModel struct{}

func (fakeChatModel) Chat(_ context.Context, _ []exec.ChatMessage, _ []exec.ToolSpec, onChunk func(string)) (exec.ChatOut, error) {
	if onChunk != nil {
		onChunk("answer")
	}
	return exec.ChatOut{Text: "answer", Model: "gpt-4o-mini", InputTokens: 2000, OutputTokens: 1000}, nil
}

func TestAgenticTaskAttributesCostPerInstance(t *testing.T) {
	eval, err := expr.New()
	require.NoError(t, err)

	handlers := exec.NewServiceHandlerRegistry()
	registry := exec.NewDefaultRegistry(eval, handlers, fakeChatModel{})
	msgBus := bus.New()
	stream := eventstream.NewStream(eventstream.NewMemoryStore())
	sched, err := NewScheduler(eval, registry, handlers, msgBus, stream)
	require.NoError(t, err)

	def := newDef(t, "ask-llm", []*Element{
		el("start", TypeStartEvent, nil),
		el("ask", TypeAgenticTask, map[string]string{"systemPrompt": "answer briefly"}),
		el("end", TypeEndEvent, nil),
	}, []*Connection{
		conn("c1", "start", "ask"),
		conn("c2", "ask", "end"),
	})

	inst, err := sched.StartInstance(context.Background(), "ask-1", def, Context{})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, waitTerminal(t, inst, time.Second))

	calls := inst.Cost().Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "ask", calls[0].ElementID)
	require.Equal(t, "gpt-4o-mini", calls[0].Model)
	require.Greater(t, inst.Cost().TotalCost(), 0.0)
}
