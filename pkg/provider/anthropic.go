package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/harun/ranyadesk/pkg/conversation"
)

// AnthropicProvider talks to the Anthropic Messages API
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

func newAnthropicProvider(model string, o *options) *AnthropicProvider {
	clientOpts := []option.RequestOption{
		option.WithAPIKey(o.apiKey),
		option.WithMaxRetries(o.maxRetries),
	}
	if o.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(o.baseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(clientOpts...),
		model:  model,
	}
}

// Name returns the provider name
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Model returns the bound model
func (p *AnthropicProvider) Model() string { return p.model }

// Complete makes an API call to Anthropic
func (p *AnthropicProvider) Complete(ctx context.Context, request Request) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		Messages:  toAnthropicMessages(request.Messages),
		MaxTokens: maxTokens(request),
	}
	if request.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: request.System}}
	}
	if request.Temperature > 0 {
		params.Temperature = anthropic.Float(request.Temperature)
	}
	if len(request.Tools) > 0 {
		params.Tools = toAnthropicTools(request.Tools)
	}

	response, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	var content []conversation.Content
	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content = append(content, conversation.TextContent(b.Text))
		case anthropic.ToolUseBlock:
			var args map[string]interface{}
			if raw := b.JSON.Input.Raw(); raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					return nil, fmt.Errorf("failed to parse tool input: %w", err)
				}
			}
			content = append(content, conversation.ToolRequestContent(b.ID, b.Name, args))
		}
	}
	if len(content) == 0 {
		content = append(content, conversation.TextContent(""))
	}

	return &Response{
		Message: conversation.NewAssistantMessage(content...),
		Usage: Usage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}, nil
}

func toAnthropicMessages(conv conversation.Conversation) []anthropic.MessageParam {
	messages := make([]anthropic.MessageParam, 0, len(conv))
	for _, msg := range conv {
		var blocks []anthropic.ContentBlockParamUnion
		for _, c := range msg.Content {
			switch c.Type {
			case conversation.ContentText:
				if c.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(c.Text))
				}
			case conversation.ContentToolRequest:
				blocks = append(blocks, anthropic.NewToolUseBlock(c.ID, c.ToolCall.Arguments, c.ToolCall.Name))
			case conversation.ContentToolResponse:
				blocks = append(blocks, anthropic.NewToolResultBlock(c.ID, c.ToolResult.Output, c.ToolResult.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if msg.Role == conversation.RoleAssistant {
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
			continue
		}
		messages = append(messages, anthropic.NewUserMessage(blocks...))
	}
	return messages
}

func toAnthropicTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		toolParam := anthropic.ToolParam{
			Name:        spec.Name,
			Description: anthropic.String(spec.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: spec.InputSchema["properties"],
			},
		}
		if required, ok := spec.InputSchema["required"].([]string); ok {
			toolParam.InputSchema.Required = required
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return tools
}
