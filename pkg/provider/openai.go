package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/harun/ranyadesk/pkg/conversation"
)

// OpenAIProvider talks to an OpenAI-compatible chat completions endpoint
type OpenAIProvider struct {
	client openai.Client
	name   string
	model  string
}

func newOpenAIProvider(name, model string, o *options) *OpenAIProvider {
	clientOpts := []option.RequestOption{
		option.WithAPIKey(o.apiKey),
		option.WithMaxRetries(o.maxRetries),
	}
	if o.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(o.baseURL))
	}
	return &OpenAIProvider{
		client: openai.NewClient(clientOpts...),
		name:   name,
		model:  model,
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string { return p.name }

// Model returns the bound model
func (p *OpenAIProvider) Model() string { return p.model }

// Complete makes a chat completion call
func (p *OpenAIProvider) Complete(ctx context.Context, request Request) (*Response, error) {
	messages, err := toOpenAIMessages(request.System, request.Messages)
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(p.model),
		Messages:  messages,
		MaxTokens: openai.Int(maxTokens(request)),
	}
	if request.Temperature > 0 {
		params.Temperature = openai.Float(request.Temperature)
	}
	if len(request.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(request.Tools))
		for _, spec := range request.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        spec.Name,
					Description: openai.String(spec.Description),
					Parameters:  openai.FunctionParameters(spec.InputSchema),
				},
			})
		}
		params.Tools = tools
	}

	response, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	choice := response.Choices[0]
	var content []conversation.Content
	if choice.Message.Content != "" || len(choice.Message.ToolCalls) == 0 {
		content = append(content, conversation.TextContent(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]interface{}
		if strings.TrimSpace(tc.Function.Arguments) != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
			}
		}
		content = append(content, conversation.ToolRequestContent(tc.ID, tc.Function.Name, args))
	}

	return &Response{
		Message: conversation.NewAssistantMessage(content...),
		Usage: Usage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
	}, nil
}

func toOpenAIMessages(system string, conv conversation.Conversation) ([]openai.ChatCompletionMessageParamUnion, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}

	for _, msg := range conv {
		switch msg.Role {
		case conversation.RoleAssistant:
			requests := msg.ToolRequests()
			if len(requests) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Text()))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(requests))
			for _, req := range requests {
				argsJSON, err := json.Marshal(req.ToolCall.Arguments)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal tool arguments: %w", err)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
					ID:   req.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      req.ToolCall.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			assistant := &openai.ChatCompletionAssistantMessageParam{Role: "assistant", ToolCalls: toolCalls}
			if text := msg.Text(); text != "" {
				assistant.Content.OfString = openai.String(text)
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		default:
			for _, c := range msg.Content {
				if c.Type == conversation.ContentToolResponse {
					messages = append(messages, openai.ToolMessage(c.ToolResult.Output, c.ID))
				}
			}
			if text := msg.Text(); text != "" {
				messages = append(messages, openai.UserMessage(text))
			}
		}
	}
	return messages, nil
}
