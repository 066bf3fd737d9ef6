package exec

import (
	"context"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicChatModel adapts the Anthropic Claude API to ChatModel, grounded
// on its graph/model/anthropic.ChatModel adapter (system-prompt
// extraction, client wrapping, error passthrough).
type AnthropicChatModel struct {
	modelName string
	client    anthropicsdk.Client
}

// NewAnthropicChatModel builds an AnthropicChatModel for modelName (empty
// uses a recent Claude Sonnet default, matching its fallback).
func NewAnthropicChatModel(apiKey, modelName string) *AnthropicChatModel {
	if modelName == "" {
		modelName = "claude-sonnet-4-5-20250929"
	}
	return &AnthropicChatModel{
		modelName: modelName,
		client:    anthropicsdk.NewClient(option.WithAPIKey(apiKey)),
	}
}

func (m *AnthropicChatModel) Chat(ctx context.Context, messages []ChatMessage, _ []ToolSpec, onChunk func(text string)) (ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return ChatOut{}, err
	}

	var systemPrompt string
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(m.modelName),
		MaxTokens: 4096,
	}
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content
		case "user":
			params.Messages = append(params.Messages, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(msg.Content)))
		case "assistant":
			params.Messages = append(params.Messages, anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(msg.Content)))
		}
	}
	if systemPrompt != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: systemPrompt}}
	}

	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return ChatOut{}, fmt.Errorf("exec: anthropic chat failed: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if onChunk != nil && text != "" {
		onChunk(text)
	}
	return ChatOut{
		Text:         text,
		Model:        m.modelName,
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}, nil
}
