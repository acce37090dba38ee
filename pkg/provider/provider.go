package provider

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/harun/ranyadesk/pkg/conversation"
)

const (
	// DefaultProvider is the provider bound at startup when none is configured
	DefaultProvider = "databricks"
	// DatabricksDefaultModel is the serving endpoint used when no model is configured
	DatabricksDefaultModel = "databricks-claude-3-7-sonnet"

	defaultAnthropicModel = "claude-3-7-sonnet-latest"
	defaultOpenAIModel    = "gpt-4o"
	defaultMaxTokens      = 4096
)

// Provider is a model backend
type Provider interface {
	// Name returns the provider name
	Name() string
	// Model returns the bound model identifier
	Model() string
	// Complete produces the next assistant message for the conversation
	Complete(ctx context.Context, request Request) (*Response, error)
}

// ToolSpec describes a tool the model may call
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// Request contains the parameters for one completion
type Request struct {
	System      string
	Messages    conversation.Conversation
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float64
}

// Usage holds token counts reported by the backend
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response contains the assistant message and usage
type Response struct {
	Message conversation.Message
	Usage   Usage
}

type options struct {
	apiKey     string
	baseURL    string
	maxRetries int
}

// Option customizes provider construction
type Option func(*options)

// WithAPIKey sets the credential used by the provider
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithBaseURL overrides the backend endpoint
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// WithMaxRetries sets how many times the SDK retries transient failures
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// CreateWithNamedModel creates the provider registered under name bound to model.
// An empty model selects the provider's default.
func CreateWithNamedModel(name, model string, opts ...Option) (Provider, error) {
	o := &options{maxRetries: 2}
	for _, opt := range opts {
		opt(o)
	}

	switch strings.ToLower(strings.TrimSpace(name)) {
	case "anthropic":
		if o.apiKey == "" {
			o.apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if o.apiKey == "" {
			return nil, fmt.Errorf("anthropic provider requires ANTHROPIC_API_KEY")
		}
		return newAnthropicProvider(orDefault(model, defaultAnthropicModel), o), nil
	case "openai":
		if o.apiKey == "" {
			o.apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if o.baseURL == "" {
			o.baseURL = os.Getenv("OPENAI_BASE_URL")
		}
		if o.apiKey == "" {
			return nil, fmt.Errorf("openai provider requires OPENAI_API_KEY")
		}
		return newOpenAIProvider("openai", orDefault(model, defaultOpenAIModel), o), nil
	case "databricks":
		return newDatabricksProvider(orDefault(model, DatabricksDefaultModel), o)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func maxTokens(request Request) int64 {
	if request.MaxTokens > 0 {
		return int64(request.MaxTokens)
	}
	return defaultMaxTokens
}
