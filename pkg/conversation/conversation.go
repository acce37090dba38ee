package conversation

import "strings"

// Conversation is an ordered list of messages
type Conversation []Message

// Clone returns a shallow copy safe to append to
func (c Conversation) Clone() Conversation {
	out := make(Conversation, len(c))
	copy(out, c)
	return out
}

// AgentVisible returns the messages the model is allowed to see
func (c Conversation) AgentVisible() Conversation {
	out := make(Conversation, 0, len(c))
	for _, m := range c {
		if m.Metadata.AgentVisible {
			out = append(out, m)
		}
	}
	return out
}

// Text renders the conversation as plain "role: text" lines
func (c Conversation) Text() string {
	var b strings.Builder
	for _, m := range c {
		text := m.Text()
		if text == "" {
			continue
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String()
}

// EstimateTokens provides a rough token count estimation
func (c Conversation) EstimateTokens() int {
	totalChars := 0
	for _, m := range c {
		for _, content := range m.Content {
			totalChars += len(content.Text)
			if content.ToolResult != nil {
				totalChars += len(content.ToolResult.Output)
			}
		}
	}
	// Rough estimation: 1 token ≈ 4 characters
	return (totalChars + 3) / 4
}
