package agent

import (
	"iter"

	"github.com/harun/ranyadesk/pkg/conversation"
)

// EventStream is the lazy sequence produced by Reply. An item carries either an event or an error;
// an error item is always the last one.
type EventStream = iter.Seq2[Event, error]

// Event is one observable step of a reply. The set of implementations is closed: every variant
// has a matching EventVisitor method.
type Event interface {
	Accept(v EventVisitor) error
}

// EventVisitor dispatches on the concrete event type
type EventVisitor interface {
	VisitMessage(e MessageEvent) error
	VisitMcpNotification(e McpNotificationEvent) error
	VisitModelChange(e ModelChangeEvent) error
	VisitHistoryReplaced(e HistoryReplacedEvent) error
}

// MessageEvent carries a new assistant message or a tool response message
type MessageEvent struct {
	Message conversation.Message
}

// Notification is an MCP-style notification published by a tool
type Notification struct {
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// McpNotificationEvent relays a tool notification, keyed by the tool request that produced it
type McpNotificationEvent struct {
	ID           string
	Notification Notification
}

// ModelChangeEvent announces the model and mode serving the reply
type ModelChangeEvent struct {
	Model string
	Mode  string
}

// HistoryReplacedEvent reports that the stored conversation was rewritten (compaction)
type HistoryReplacedEvent struct {
	Conversation conversation.Conversation
}

func (e MessageEvent) Accept(v EventVisitor) error         { return v.VisitMessage(e) }
func (e McpNotificationEvent) Accept(v EventVisitor) error { return v.VisitMcpNotification(e) }
func (e ModelChangeEvent) Accept(v EventVisitor) error     { return v.VisitModelChange(e) }
func (e HistoryReplacedEvent) Accept(v EventVisitor) error { return v.VisitHistoryReplaced(e) }
