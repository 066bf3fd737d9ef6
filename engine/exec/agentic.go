package exec

import (
	"context"
	"fmt"
)

// ChatModel is the agentic backend contract, grounded on its
// graph/model.ChatModel interface (message history in, ChatOut out),
// generalised here to also accept a streaming callback so the Agentic
// Task can forward text.message.chunk and task.tool.start/end progress as
// named in §4.6, rather than only returning a final answer.
type ChatModel interface {
	Chat(ctx context.Context, messages []ChatMessage, tools []ToolSpec, onChunk func(text string)) (ChatOut, error)
}

// ChatMessage mirrors its model.Message shape.
type ChatMessage struct {
	Role    string
	Content string
}

// ToolSpec mirrors its model.ToolSpec shape.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	Name  string
	Input map[string]any
}

// ChatOut mirrors its model.ChatOut shape: text and/or tool
// calls, plus the token counts backends report so spend can be attributed
// per call through CostTracker.
type ChatOut struct {
	Text         string
	ToolCalls    []ToolCall
	Model        string
	InputTokens  int
	OutputTokens int
}

// AgenticExecutor implements the Agentic Task contract of §4.6: call the
// configured ChatModel directly (no ServiceHandler is involved); the
// engine's role is only to relay streaming chunks and tool start/end
// progress. Determinism
// is not required; failures surface as task failures.
type AgenticExecutor struct {
	Model ChatModel
	// ToolRunner, if set, executes ToolCall results from the model and
	// feeds task.tool.end progress; nil means requested tool calls are only
	// announced through task.tool.start progress: they are not executed and
	// are not included in the result.
	ToolRunner func(ctx context.Context, call ToolCall) (map[string]any, error)
	// Tracker, if set, records each call's token usage for cost
	// attribution. Nil disables tracking entirely.
	Tracker *CostTracker
}

func (a AgenticExecutor) Execute(ctx context.Context, elementID string, props map[string]string, state map[string]any, progress chan<- Progress) Result {
	if a.Model == nil {
		return Result{Err: fmt.Errorf("exec: agentic task %s has no ChatModel configured", elementID)}
	}
	messages := []ChatMessage{}
	if sp := props["systemPrompt"]; sp != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: sp})
	}
	if prompt, ok := state[elementID+"_prompt"].(string); ok && prompt != "" {
		messages = append(messages, ChatMessage{Role: "user", Content: prompt})
	}

	onChunk := func(text string) {
		if progress != nil {
			progress <- Progress{Kind: "text.message.chunk", Payload: map[string]any{"elementId": elementID, "content": text}}
		}
	}

	out, err := a.Model.Chat(ctx, messages, nil, onChunk)
	if err != nil {
		return Result{Err: fmt.Errorf("exec: agentic task %s failed: %w", elementID, err)}
	}
	if a.Tracker != nil && out.Model != "" {
		a.Tracker.Record(elementID, out.Model, out.InputTokens, out.OutputTokens)
	}

	result := map[string]any{elementID + "_result": out.Text}
	for _, call := range out.ToolCalls {
		if progress != nil {
			progress <- Progress{Kind: "task.tool.start", Payload: map[string]any{"elementId": elementID, "toolName": call.Name, "args": call.Input}}
		}
		if a.ToolRunner == nil {
			continue
		}
		toolOut, toolErr := a.ToolRunner(ctx, call)
		if progress != nil {
			progress <- Progress{Kind: "task.tool.end", Payload: map[string]any{"elementId": elementID, "toolName": call.Name, "result": toolOut, "error": toolErr}}
		}
	}
	return Result{Value: result}
}
