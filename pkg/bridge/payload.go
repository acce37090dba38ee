package bridge

import (
	"github.com/harun/ranyadesk/pkg/agent"
	"github.com/harun/ranyadesk/pkg/conversation"
)

// Event type tags carried in the "type" field of agent-event payloads
const (
	TypeMessage         = "message"
	TypeMcpNotification = "mcp_notification"
	TypeModelChange     = "model_change"
	TypeHistoryReplaced = "history_replaced"
)

// MessagePayload is the agent-event payload for a conversation message
type MessagePayload struct {
	Type    string               `json:"type"`
	Message conversation.Message `json:"message"`
}

// McpNotificationPayload is the agent-event payload for a tool notification
type McpNotificationPayload struct {
	Type         string             `json:"type"`
	ID           string             `json:"id"`
	Notification agent.Notification `json:"notification"`
}

// ModelChangePayload is the agent-event payload for a model switch
type ModelChangePayload struct {
	Type  string `json:"type"`
	Model string `json:"model"`
	Mode  string `json:"mode"`
}

// HistoryReplacedPayload is the agent-event payload for a rewritten history
type HistoryReplacedPayload struct {
	Type         string                    `json:"type"`
	Conversation conversation.Conversation `json:"conversation"`
}

// payloadBuilder translates events into payloads. Each variant has its own method, so a new
// event type does not compile until it is handled here.
type payloadBuilder struct {
	tag     string
	payload interface{}
}

func (b *payloadBuilder) VisitMessage(e agent.MessageEvent) error {
	b.tag = TypeMessage
	b.payload = MessagePayload{Type: TypeMessage, Message: e.Message}
	return nil
}

func (b *payloadBuilder) VisitMcpNotification(e agent.McpNotificationEvent) error {
	b.tag = TypeMcpNotification
	b.payload = McpNotificationPayload{Type: TypeMcpNotification, ID: e.ID, Notification: e.Notification}
	return nil
}

func (b *payloadBuilder) VisitModelChange(e agent.ModelChangeEvent) error {
	b.tag = TypeModelChange
	b.payload = ModelChangePayload{Type: TypeModelChange, Model: e.Model, Mode: e.Mode}
	return nil
}

func (b *payloadBuilder) VisitHistoryReplaced(e agent.HistoryReplacedEvent) error {
	b.tag = TypeHistoryReplaced
	b.payload = HistoryReplacedPayload{Type: TypeHistoryReplaced, Conversation: e.Conversation}
	return nil
}

// Payload translates an event into its tagged agent-event payload and returns the tag
func Payload(e agent.Event) (string, interface{}, error) {
	var b payloadBuilder
	if err := e.Accept(&b); err != nil {
		return "", nil, err
	}
	return b.tag, b.payload, nil
}
