package exec

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GoogleChatModel adapts the Gemini API to ChatModel, grounded on the
// graph/model/google.ChatModel adapter's approach (part conversion,
// function-declaration tool mapping, per-call client construction).
type GoogleChatModel struct {
	apiKey    string
	modelName string
}

// NewGoogleChatModel builds a GoogleChatModel for modelName (empty uses
// its gemini-2.5-flash default).
func NewGoogleChatModel(apiKey, modelName string) *GoogleChatModel {
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}
	return &GoogleChatModel{apiKey: apiKey, modelName: modelName}
}

func (m *GoogleChatModel) Chat(ctx context.Context, messages []ChatMessage, tools []ToolSpec, onChunk func(text string)) (ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return ChatOut{}, err
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(m.apiKey))
	if err != nil {
		return ChatOut{}, fmt.Errorf("exec: google client setup failed: %w", err)
	}
	defer client.Close()

	genModel := client.GenerativeModel(m.modelName)
	if len(tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, len(tools))
		for i, t := range tools {
			decls[i] = &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
		}
		genModel.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	var parts []genai.Part
	for _, msg := range messages {
		if msg.Role == "system" {
			genModel.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(msg.Content)}}
			continue
		}
		if msg.Content != "" {
			parts = append(parts, genai.Text(msg.Content))
		}
	}

	resp, err := genModel.GenerateContent(ctx, parts...)
	if err != nil {
		return ChatOut{}, fmt.Errorf("exec: google chat failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ChatOut{}, nil
	}

	var out ChatOut
	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			out.Text += string(p)
		case genai.FunctionCall:
			out.ToolCalls = append(out.ToolCalls, ToolCall{Name: p.Name, Input: p.Args})
		}
	}
	if onChunk != nil && out.Text != "" {
		onChunk(out.Text)
	}
	out.Model = m.modelName
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}
