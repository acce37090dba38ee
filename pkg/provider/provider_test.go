package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/ranyadesk/pkg/conversation"
)

func TestCreateWithNamedModel(t *testing.T) {
	t.Run("should reject unknown provider", func(t *testing.T) {
		_, err := CreateWithNamedModel("gemini", "")
		require.Error(t, err)
		assert.Equal(t, "unsupported provider: gemini", err.Error())
	})

	t.Run("should require databricks host", func(t *testing.T) {
		t.Setenv("DATABRICKS_HOST", "")
		t.Setenv("DATABRICKS_TOKEN", "")
		_, err := CreateWithNamedModel(DefaultProvider, DatabricksDefaultModel)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "DATABRICKS_HOST")
	})

	t.Run("should build databricks provider from environment", func(t *testing.T) {
		t.Setenv("DATABRICKS_HOST", "example.cloud.databricks.com")
		t.Setenv("DATABRICKS_TOKEN", "dapi-test")
		p, err := CreateWithNamedModel("databricks", "")
		require.NoError(t, err)
		assert.Equal(t, "databricks", p.Name())
		assert.Equal(t, DatabricksDefaultModel, p.Model())
	})

	t.Run("should require anthropic key", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")
		_, err := CreateWithNamedModel("anthropic", "")
		assert.Error(t, err)
	})

	t.Run("should prefer explicit options over environment", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "")
		p, err := CreateWithNamedModel("OpenAI", "gpt-test", WithAPIKey("sk-test"))
		require.NoError(t, err)
		assert.Equal(t, "openai", p.Name())
		assert.Equal(t, "gpt-test", p.Model())
	})
}

func TestOpenAIProviderComplete(t *testing.T) {
	var captured map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-test",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": "checking",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "workspace__list_files", "arguments": "{\"path\":\".\"}"}
					}]
				}
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
		}`))
	}))
	defer server.Close()

	p, err := CreateWithNamedModel("openai", "gpt-test",
		WithAPIKey("sk-test"), WithBaseURL(server.URL+"/"), WithMaxRetries(0))
	require.NoError(t, err)

	resp, err := p.Complete(context.Background(), Request{
		System:   "be brief",
		Messages: conversation.Conversation{conversation.NewUserMessage("what is here?")},
		Tools: []ToolSpec{{
			Name:        "workspace__list_files",
			Description: "List files",
			InputSchema: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, conversation.RoleAssistant, resp.Message.Role)
	assert.Equal(t, "checking", resp.Message.Text())
	requests := resp.Message.ToolRequests()
	require.Len(t, requests, 1)
	assert.Equal(t, "call_1", requests[0].ID)
	assert.Equal(t, ".", requests[0].ToolCall.Arguments["path"])
	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.Equal(t, 5, resp.Usage.OutputTokens)

	messages, ok := captured["messages"].([]interface{})
	require.True(t, ok)
	assert.Len(t, messages, 2)
	assert.Equal(t, "gpt-test", captured["model"])
}

func TestAnthropicProviderComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [
				{"type": "text", "text": "hello"},
				{"type": "tool_use", "id": "toolu_1", "name": "workspace__read_file", "input": {"path": "a.txt"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 7, "output_tokens": 3}
		}`))
	}))
	defer server.Close()

	p, err := CreateWithNamedModel("anthropic", "claude-test",
		WithAPIKey("sk-ant-test"), WithBaseURL(server.URL+"/"), WithMaxRetries(0))
	require.NoError(t, err)

	resp, err := p.Complete(context.Background(), Request{
		Messages: conversation.Conversation{conversation.NewUserMessage("read a.txt")},
	})
	require.NoError(t, err)

	assert.Equal(t, "hello", resp.Message.Text())
	requests := resp.Message.ToolRequests()
	require.Len(t, requests, 1)
	assert.Equal(t, "workspace__read_file", requests[0].ToolCall.Name)
	assert.Equal(t, "a.txt", requests[0].ToolCall.Arguments["path"])
	assert.Equal(t, 7, resp.Usage.InputTokens)
}

func TestToOpenAIMessages(t *testing.T) {
	conv := conversation.Conversation{
		conversation.NewUserMessage("list"),
		conversation.NewAssistantMessage(conversation.ToolRequestContent("call_1", "workspace__list_files", nil)),
		conversation.NewToolResponseMessage(conversation.ToolResponseContent("call_1", "a.txt", false)),
	}

	messages, err := toOpenAIMessages("sys", conv)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	assert.NotNil(t, messages[0].OfSystem)
	assert.NotNil(t, messages[1].OfUser)
	require.NotNil(t, messages[2].OfAssistant)
	assert.Len(t, messages[2].OfAssistant.ToolCalls, 1)
	assert.NotNil(t, messages[3].OfTool)
}

func TestToAnthropicMessages(t *testing.T) {
	conv := conversation.Conversation{
		conversation.NewUserMessage("list"),
		conversation.NewAssistantMessage(conversation.ToolRequestContent("call_1", "workspace__list_files", nil)),
		conversation.NewToolResponseMessage(conversation.ToolResponseContent("call_1", "a.txt", false)),
		conversation.NewAssistantMessage(conversation.TextContent("")),
	}

	messages := toAnthropicMessages(conv)
	require.Len(t, messages, 3)
	assert.Equal(t, "assistant", string(messages[1].Role))
	assert.Equal(t, "user", string(messages[2].Role))
}
