package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/harun/ranyadesk/internal/tracing"
	"github.com/harun/ranyadesk/pkg/agent"
	"github.com/harun/ranyadesk/pkg/bridge"
	"github.com/harun/ranyadesk/pkg/conversation"
	"github.com/harun/ranyadesk/pkg/session"
)

// Method names
const (
	MethodCreateSession = "create_session"
	MethodAgentReply    = "agent_reply"
	MethodGreet         = "greet"
	MethodHello         = "hello"
	MethodStatus        = "status"
)

type createSessionParams struct {
	WorkingDir  string `json:"working_dir"`
	Name        string `json:"name"`
	SessionType string `json:"session_type"`
}

type agentReplyParams struct {
	UserMessage   json.RawMessage     `json:"user_message"`
	SessionConfig agent.SessionConfig `json:"session_config"`
}

type greetParams struct {
	Name string `json:"name"`
}

type helloParams struct {
	Client  string `json:"client"`
	Version string `json:"version"`
}

// HelloResult is returned by the hello method
type HelloResult struct {
	Server   string `json:"server"`
	Version  string `json:"version"`
	Protocol int    `json:"protocol"`
}

// StatusResult is returned by the status method
type StatusResult struct {
	AgentBusy    bool `json:"agent_busy"`
	PendingReply int  `json:"pending_replies"`
	Clients      int  `json:"clients"`
}

// decodeParams maps loosely typed JSON-RPC params onto a struct
func decodeParams(params map[string]interface{}, v interface{}) error {
	if params == nil {
		params = map[string]interface{}{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func (s *Server) registerBuiltinMethods() {
	_ = s.router.RegisterMethod(MethodCreateSession, s.handleCreateSession)
	_ = s.router.RegisterMethod(MethodAgentReply, s.handleAgentReply)
	_ = s.router.RegisterMethod(MethodGreet, s.handleGreet)
	_ = s.router.RegisterMethod(MethodHello, s.handleHello)
	_ = s.router.RegisterMethod(MethodStatus, s.handleStatus)
}

func (s *Server) handleCreateSession(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p createSessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.commands.CreateSession(ctx, p.WorkingDir, p.Name, session.SessionType(p.SessionType))
}

// handleAgentReply relays the reply to the calling client, so it needs a WebSocket client in ctx.
// Single-shot HTTP callers use /reply instead.
func (s *Server) handleAgentReply(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	clientID := tracing.GetClientID(ctx)
	if clientID == "" {
		return nil, fmt.Errorf("agent_reply streams events: use the WebSocket endpoint or POST /reply")
	}

	var p agentReplyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	msg, err := conversation.ParseUserMessage(p.UserMessage)
	if err != nil {
		return nil, err
	}

	ctx = tracing.WithSessionID(ctx, p.SessionConfig.ID)
	sink := &clientSink{
		broadcaster: s.broadcaster,
		clientID:    clientID,
		requestID:   tracing.GetRequestID(ctx),
		ctx:         ctx,
	}
	if err := s.commands.AgentReply(ctx, msg, p.SessionConfig, sink); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Server) handleGreet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p greetParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return bridge.Greet(p.Name), nil
}

func (s *Server) handleHello(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p helloParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	if s.minClientVersion != nil {
		if p.Version == "" {
			return nil, fmt.Errorf("client version is required (minimum %s)", s.minClientVersion)
		}
		v, err := semver.NewVersion(p.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid client version %q: %w", p.Version, err)
		}
		if v.LessThan(s.minClientVersion) {
			return nil, fmt.Errorf("client version %s is older than the minimum supported %s", v, s.minClientVersion)
		}
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("client", p.Client).
		Str("version", p.Version).
		Msg("Client hello")

	return HelloResult{Server: "ranyadesk", Version: s.version, Protocol: ProtocolVersion}, nil
}

func (s *Server) handleStatus(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	result := StatusResult{Clients: s.clients.Count()}
	if s.status != nil {
		result.AgentBusy = s.status.Busy()
		result.PendingReply = s.status.Pending()
	}
	return result, nil
}
