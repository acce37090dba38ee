package conversation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Role identifies who authored a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentType tags a content block
type ContentType string

const (
	ContentText         ContentType = "text"
	ContentToolRequest  ContentType = "toolRequest"
	ContentToolResponse ContentType = "toolResponse"
)

// ToolCall is the tool invocation requested by the model
type ToolCall struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolResult is the outcome of a tool invocation
type ToolResult struct {
	Output  string `json:"output"`
	IsError bool   `json:"isError,omitempty"`
}

// Content is one block of a message. Type decides which of the other fields are set.
type Content struct {
	Type       ContentType `json:"type"`
	Text       string      `json:"text,omitempty"`
	ID         string      `json:"id,omitempty"`
	ToolCall   *ToolCall   `json:"toolCall,omitempty"`
	ToolResult *ToolResult `json:"toolResult,omitempty"`
}

// Metadata controls who can see a message
type Metadata struct {
	UserVisible  bool `json:"userVisible"`
	AgentVisible bool `json:"agentVisible"`
}

// Message represents one conversation turn
type Message struct {
	ID       string    `json:"id,omitempty"`
	Role     Role      `json:"role"`
	Created  int64     `json:"created"`
	Content  []Content `json:"content"`
	Metadata Metadata  `json:"metadata"`
}

// NewMessageID returns a fresh message identifier
func NewMessageID() string {
	id, err := gonanoid.New()
	if err != nil {
		return fmt.Sprintf("msg_%d", time.Now().UnixNano())
	}
	return "msg_" + id
}

func newMessage(role Role, content ...Content) Message {
	return Message{
		ID:       NewMessageID(),
		Role:     role,
		Created:  time.Now().Unix(),
		Content:  content,
		Metadata: Metadata{UserVisible: true, AgentVisible: true},
	}
}

// NewUserMessage creates a visible user text message
func NewUserMessage(text string) Message {
	return newMessage(RoleUser, TextContent(text))
}

// NewAssistantMessage creates a visible assistant message with the given blocks
func NewAssistantMessage(content ...Content) Message {
	return newMessage(RoleAssistant, content...)
}

// NewToolResponseMessage creates the user-role message that carries tool results back to the model
func NewToolResponseMessage(content ...Content) Message {
	return newMessage(RoleUser, content...)
}

// TextContent builds a text block
func TextContent(text string) Content {
	return Content{Type: ContentText, Text: text}
}

// ToolRequestContent builds a tool request block
func ToolRequestContent(id, name string, args map[string]interface{}) Content {
	if args == nil {
		args = map[string]interface{}{}
	}
	return Content{Type: ContentToolRequest, ID: id, ToolCall: &ToolCall{Name: name, Arguments: args}}
}

// ToolResponseContent builds a tool response block
func ToolResponseContent(id, output string, isError bool) Content {
	return Content{Type: ContentToolResponse, ID: id, ToolResult: &ToolResult{Output: output, IsError: isError}}
}

// UnmarshalJSON decodes a message. A message without metadata is visible to both user and agent.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	aux := struct {
		*plain
		Metadata *Metadata `json:"metadata"`
	}{plain: (*plain)(m)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Metadata != nil {
		m.Metadata = *aux.Metadata
	} else {
		m.Metadata = Metadata{UserVisible: true, AgentVisible: true}
	}
	return nil
}

// ParseUserMessage decodes a user turn sent by a client: either a JSON string holding the text or
// a full message object. Missing role, id and creation time are filled in.
func ParseUserMessage(data []byte) (Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return Message{}, fmt.Errorf("user message is required")
	}

	if data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return Message{}, fmt.Errorf("invalid user message: %w", err)
		}
		return NewUserMessage(text), nil
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("invalid user message: %w", err)
	}
	if msg.Role == "" {
		msg.Role = RoleUser
	}
	if msg.ID == "" {
		msg.ID = NewMessageID()
	}
	if msg.Created == 0 {
		msg.Created = time.Now().Unix()
	}
	return msg, msg.Validate()
}

// Validate checks that a message is well formed
func (m Message) Validate() error {
	if m.Role != RoleUser && m.Role != RoleAssistant {
		return fmt.Errorf("invalid message role: %q", m.Role)
	}
	if len(m.Content) == 0 {
		return fmt.Errorf("message content cannot be empty")
	}
	for i, c := range m.Content {
		switch c.Type {
		case ContentText:
		case ContentToolRequest:
			if c.ID == "" || c.ToolCall == nil {
				return fmt.Errorf("content %d: tool request requires id and toolCall", i)
			}
		case ContentToolResponse:
			if c.ID == "" || c.ToolResult == nil {
				return fmt.Errorf("content %d: tool response requires id and toolResult", i)
			}
		default:
			return fmt.Errorf("content %d: unknown content type %q", i, c.Type)
		}
	}
	return nil
}

// Text concatenates the text blocks of the message
func (m Message) Text() string {
	var b strings.Builder
	for _, c := range m.Content {
		if c.Type == ContentText {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// ToolRequests returns the tool request blocks in order
func (m Message) ToolRequests() []Content {
	var requests []Content
	for _, c := range m.Content {
		if c.Type == ContentToolRequest {
			requests = append(requests, c)
		}
	}
	return requests
}
