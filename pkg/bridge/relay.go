package bridge

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/ranyadesk/internal/observability"
	"github.com/harun/ranyadesk/internal/tracing"
	"github.com/harun/ranyadesk/pkg/agent"
)

// StreamError reports an error item produced by the agent stream. It has already been sent on
// the agent-error channel when the relay returns it.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string { return e.Err.Error() }
func (e *StreamError) Unwrap() error { return e.Err }

// SinkError reports a failed Emit. Nothing further was sent for the reply.
type SinkError struct {
	Channel string
	Err     error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("failed to emit %s: %v", e.Channel, e.Err)
}
func (e *SinkError) Unwrap() error { return e.Err }

// Relay drains agent event streams into a Sink
type Relay struct {
	logger zerolog.Logger
}

// NewRelay creates a relay
func NewRelay(logger zerolog.Logger) *Relay {
	return &Relay{logger: logger}
}

// Drain forwards every event of stream to sink in order, each as soon as it is produced.
// It returns nil when the stream ends, *StreamError after reporting an error item on the
// agent-error channel, or *SinkError when sink fails. The stream is never resumed after an
// error of either kind.
func (r *Relay) Drain(ctx context.Context, stream agent.EventStream, sink Sink) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "bridge.relay")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	count := 0
	var outcome error
	for event, err := range stream {
		if err != nil {
			outcome = r.reportStreamError(sink, err)
			break
		}
		if event == nil {
			continue
		}

		tag, payload, perr := Payload(event)
		if perr != nil {
			outcome = r.reportStreamError(sink, perr)
			break
		}
		if emitErr := sink.Emit(ChannelAgentEvent, payload); emitErr != nil {
			outcome = &SinkError{Channel: ChannelAgentEvent, Err: emitErr}
			break
		}
		count++
		observability.RecordRelayEvent(tag)
	}

	span.SetAttributes(attribute.Int("events", count))
	switch outcome.(type) {
	case nil:
		observability.RecordRelayOutcome("ok")
		logger.Debug().Int("events", count).Msg("Relay finished")
	case *StreamError:
		observability.RecordRelayOutcome("stream_error")
		span.SetStatus(codes.Error, outcome.Error())
		logger.Warn().Int("events", count).Err(outcome).Msg("Agent stream failed")
	default:
		observability.RecordRelayOutcome("sink_error")
		span.SetStatus(codes.Error, outcome.Error())
		logger.Warn().Int("events", count).Err(outcome).Msg("Relay aborted: sink failed")
	}
	return outcome
}

func (r *Relay) reportStreamError(sink Sink, err error) error {
	if emitErr := sink.Emit(ChannelAgentError, err.Error()); emitErr != nil {
		return &SinkError{Channel: ChannelAgentError, Err: emitErr}
	}
	return &StreamError{Err: err}
}
