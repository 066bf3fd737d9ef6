package exec

import (
	"context"
	"fmt"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIChatModel adapts the OpenAI chat-completions API to ChatModel,
// grounded on its graph/model/openai.ChatModel adapter (message
// role mapping, tool/function-calling conversion), stripped of its
// retry loop since retry/backoff here is the concern of whatever
// ServiceHandler wraps the Agentic Task, not the model adapter itself.
type OpenAIChatModel struct {
	modelName string
	client    openaisdk.Client
}

// NewOpenAIChatModel builds an OpenAIChatModel for modelName (empty uses
// its gpt-4o default).
func NewOpenAIChatModel(apiKey, modelName string) *OpenAIChatModel {
	if modelName == "" {
		modelName = "gpt-4o"
	}
	return &OpenAIChatModel{
		modelName: modelName,
		client:    openaisdk.NewClient(option.WithAPIKey(apiKey)),
	}
}

func (m *OpenAIChatModel) Chat(ctx context.Context, messages []ChatMessage, tools []ToolSpec, onChunk func(text string)) (ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return ChatOut{}, err
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(m.modelName),
		Messages: make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(messages)),
	}
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			params.Messages = append(params.Messages, openaisdk.SystemMessage(msg.Content))
		case "assistant":
			params.Messages = append(params.Messages, openaisdk.AssistantMessage(msg.Content))
		default:
			params.Messages = append(params.Messages, openaisdk.UserMessage(msg.Content))
		}
	}
	if len(tools) > 0 {
		params.Tools = make([]openaisdk.ChatCompletionToolParam, len(tools))
		for i, t := range tools {
			params.Tools[i] = openaisdk.ChatCompletionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        t.Name,
					Description: openaisdk.String(t.Description),
					Parameters:  shared.FunctionParameters(t.Schema),
				},
			}
		}
	}

	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return ChatOut{}, fmt.Errorf("exec: openai chat failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return ChatOut{}, nil
	}

	msg := resp.Choices[0].Message
	out := ChatOut{
		Text:         msg.Content,
		Model:        m.modelName,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	if onChunk != nil && out.Text != "" {
		onChunk(out.Text)
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			Name:  tc.Function.Name,
			Input: map[string]any{"_raw": tc.Function.Arguments},
		})
	}
	return out, nil
}
