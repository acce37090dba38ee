package session

import (
	"fmt"
	"time"

	"github.com/harun/ranyadesk/pkg/conversation"
)

// SessionType classifies how a session was started
type SessionType string

const (
	TypeUser      SessionType = "user"
	TypeScheduled SessionType = "scheduled"
	TypeSubAgent  SessionType = "sub_agent"
	TypeHidden    SessionType = "hidden"
	TypeTerminal  SessionType = "terminal"
)

// AllTypes lists every accepted session type
var AllTypes = []SessionType{TypeUser, TypeScheduled, TypeSubAgent, TypeHidden, TypeTerminal}

// Valid reports whether t is one of the known session types
func (t SessionType) Valid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseSessionType converts a raw string into a SessionType
func ParseSessionType(raw string) (SessionType, error) {
	t := SessionType(raw)
	if !t.Valid() {
		return "", fmt.Errorf("invalid session type: %s", raw)
	}
	return t, nil
}

// Session is a persisted record tying a working directory and a name to a conversation
type Session struct {
	ID           string                    `json:"id"`
	WorkingDir   string                    `json:"working_dir"`
	Name         string                    `json:"name"`
	SessionType  SessionType               `json:"session_type"`
	CreatedAt    time.Time                 `json:"created_at"`
	UpdatedAt    time.Time                 `json:"updated_at"`
	MessageCount int                       `json:"message_count"`
	Conversation conversation.Conversation `json:"conversation,omitempty"`
}
