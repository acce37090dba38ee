package agent

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/ranyadesk/pkg/conversation"
)

const (
	// DefaultMaxTurns bounds the tool loop when the session config leaves it unset
	DefaultMaxTurns = 1000
	// DefaultMode is reported in model change events when no mode is configured
	DefaultMode = "auto"

	defaultSystemPrompt   = "You are a helpful assistant."
	defaultMaxRetries     = 3
	defaultRetryBaseDelay = time.Second
	compactionThreshold   = 0.8
	compactionKeepRecent  = 10
)

// SessionConfig identifies the session a reply belongs to. It is passed through from the caller
// unchanged.
type SessionConfig struct {
	ID         string `json:"id"`
	ScheduleID string `json:"schedule_id,omitempty"`
	MaxTurns   int    `json:"max_turns,omitempty"`
}

func (c SessionConfig) maxTurns() int {
	if c.MaxTurns > 0 {
		return c.MaxTurns
	}
	return DefaultMaxTurns
}

// Config holds agent configuration
type Config struct {
	Store          SessionStore
	Extensions     *ExtensionManager
	Logger         zerolog.Logger
	SystemPrompt   string
	Mode           string
	ContextLimit   int
	MaxTokens      int
	Temperature    float64
	MaxRetries     int
	RetryBaseDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	if c.Mode == "" {
		c.Mode = DefaultMode
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaultRetryBaseDelay
	}
	if c.Extensions == nil {
		c.Extensions = NewExtensionManager()
	}
	return c
}

// CancellationToken lets a caller stop a running reply between steps
type CancellationToken struct {
	once sync.Once
	ch   chan struct{}
}

// NewCancellationToken creates an untriggered token
func NewCancellationToken() *CancellationToken {
	return &CancellationToken{ch: make(chan struct{})}
}

// Cancel triggers the token; calling it more than once is a no-op
func (t *CancellationToken) Cancel() {
	t.once.Do(func() { close(t.ch) })
}

// Done is closed once the token is cancelled
func (t *CancellationToken) Done() <-chan struct{} {
	return t.ch
}

// Cancelled reports whether Cancel was called
func (t *CancellationToken) Cancelled() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// IsRetryableError checks if a provider error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"econnreset", "etimedout", "connection reset",
		"429", "rate limit", "overloaded",
		"500", "502", "503", "504",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// compact keeps the most recent messages and prepends a summary of what was dropped.
// The kept window never starts with a tool response, so request/response pairs stay together.
func compact(conv conversation.Conversation, keepRecent int) (conversation.Conversation, bool) {
	if len(conv) <= keepRecent {
		return conv, false
	}

	start := len(conv) - keepRecent
	for start < len(conv) && hasToolResponse(conv[start]) {
		start++
	}
	if start == 0 || start >= len(conv) {
		return conv, false
	}

	summary := conversation.NewUserMessage(
		"[Previous conversation summary: " + strconv.Itoa(start) + " earlier messages were compacted]")
	summary.Metadata.UserVisible = false

	out := make(conversation.Conversation, 0, len(conv)-start+1)
	out = append(out, summary)
	out = append(out, conv[start:]...)
	return out, true
}

func hasToolResponse(m conversation.Message) bool {
	for _, c := range m.Content {
		if c.Type == conversation.ContentToolResponse {
			return true
		}
	}
	return false
}
