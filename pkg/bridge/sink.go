package bridge

import (
	"github.com/rs/zerolog"
)

// Notification channels
const (
	ChannelAgentEvent = "agent-event"
	ChannelAgentError = "agent-error"
)

// Sink receives relay notifications. Emit must not retain payload after returning.
type Sink interface {
	Emit(channel string, payload interface{}) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(channel string, payload interface{}) error

// Emit calls f
func (f SinkFunc) Emit(channel string, payload interface{}) error {
	return f(channel, payload)
}

// LogSink writes notifications to a logger. Used for runs nobody is watching.
type LogSink struct {
	Logger zerolog.Logger
}

// Emit logs the notification and never fails
func (s LogSink) Emit(channel string, payload interface{}) error {
	if channel == ChannelAgentError {
		s.Logger.Error().Interface("error", payload).Msg("Agent error")
		return nil
	}
	s.Logger.Debug().Str("channel", channel).Interface("payload", payload).Msg("Agent event")
	return nil
}
