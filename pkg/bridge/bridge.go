package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/ranyadesk/internal/observability"
	"github.com/harun/ranyadesk/internal/tracing"
	"github.com/harun/ranyadesk/pkg/agent"
	"github.com/harun/ranyadesk/pkg/commandqueue"
	"github.com/harun/ranyadesk/pkg/conversation"
	"github.com/harun/ranyadesk/pkg/session"
)

const tracerName = "ranyadesk.bridge"

// SessionCreator is the session manager surface used for session creation
type SessionCreator interface {
	CreateSession(ctx context.Context, workingDir, name string, sessionType session.SessionType) (*session.Session, error)
}

// Config holds bridge configuration
type Config struct {
	Agent    Agent
	Sessions SessionCreator
	Queue    *commandqueue.CommandQueue
	Logger   zerolog.Logger
	// WarnAfter logs callers that wait longer than this for the agent. Zero disables it.
	WarnAfter time.Duration
}

// Bridge exposes the commands presentation layers call
type Bridge struct {
	state    *AgentState
	sessions SessionCreator
	relay    *Relay
	queue    *commandqueue.CommandQueue
	logger   zerolog.Logger
}

// New creates a bridge around an initialized agent
func New(cfg Config) (*Bridge, error) {
	if cfg.Agent == nil {
		return nil, fmt.Errorf("agent is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Queue == nil {
		cfg.Queue = commandqueue.New()
	}

	logger := cfg.Logger.With().Str("component", "bridge").Logger()
	state := NewAgentState(cfg.Agent, cfg.Queue)
	state.SetLogger(logger)
	state.SetWarnAfter(cfg.WarnAfter)

	return &Bridge{
		state:    state,
		sessions: cfg.Sessions,
		relay:    NewRelay(logger),
		queue:    cfg.Queue,
		logger:   logger,
	}, nil
}

// State returns the shared agent state
func (b *Bridge) State() *AgentState {
	return b.state
}

// CreateSession creates a session record. The working directory is stored exactly as given and
// is not checked. Session manager errors are returned unchanged.
func (b *Bridge) CreateSession(ctx context.Context, workingDir, name string, sessionType session.SessionType) (*session.Session, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		tracerName,
		"bridge.create_session",
		attribute.String("session_type", string(sessionType)),
	)
	defer span.End()

	s, err := b.sessions.CreateSession(ctx, workingDir, name, sessionType)
	if err != nil {
		span.RecordError(err)
		observability.RecordSessionAudit(ctx, "create", "", "failure", map[string]interface{}{
			"working_dir":  workingDir,
			"session_type": string(sessionType),
			"error":        err.Error(),
		})
		return nil, err
	}

	observability.RecordSessionAudit(ctx, "create", s.ID, "success", map[string]interface{}{
		"working_dir":  s.WorkingDir,
		"session_type": string(s.SessionType),
	})
	logger := tracing.LoggerFromContext(ctx, b.logger)
	logger.Info().
		Str("session_id", s.ID).
		Str("session_type", string(s.SessionType)).
		Msg("Session created")
	return s, nil
}

// AgentReply sends msg to the agent and relays the reply to sink. The agent is held for the
// whole relay, so replies never interleave. Failures are returned after at most one agent-error
// notification; see Relay.Drain.
func (b *Bridge) AgentReply(ctx context.Context, msg conversation.Message, cfg agent.SessionConfig, sink Sink) error {
	if sink == nil {
		return fmt.Errorf("sink is required")
	}
	ctx = tracing.WithSessionID(ctx, cfg.ID)
	logger := tracing.LoggerFromContext(ctx, b.logger)

	start := time.Now()
	err := b.state.With(ctx, func(ctx context.Context, a Agent) error {
		stream, err := a.Reply(ctx, msg, cfg, nil)
		// a reply that cannot start fails like a stream error: one agent-error, then the error
		if err != nil {
			return b.relay.reportStreamError(sink, err)
		}
		return b.relay.Drain(ctx, stream, sink)
	})

	status := "success"
	if err != nil {
		status = "failure"
	}
	observability.RecordReplyAudit(ctx, cfg.ID, status, map[string]interface{}{
		"duration_ms": time.Since(start).Milliseconds(),
	})
	logger.Debug().Str("status", status).Dur("duration", time.Since(start)).Msg("Agent reply finished")
	return err
}

// Greet returns a greeting for name
func Greet(name string) string {
	return fmt.Sprintf("Hello, %s! You've been greeted from Go!", name)
}

// Close rejects callers still waiting for the agent
func (b *Bridge) Close() error {
	if n := b.queue.ClearLane(AgentLane); n > 0 {
		b.logger.Info().Int("rejected", n).Msg("Rejected pending agent replies")
	}
	return nil
}
