package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/ranyadesk/internal/observability"
	"github.com/harun/ranyadesk/internal/tracing"
	"github.com/harun/ranyadesk/pkg/agent"
	"github.com/harun/ranyadesk/pkg/bridge"
	"github.com/harun/ranyadesk/pkg/commandqueue"
	"github.com/harun/ranyadesk/pkg/conversation"
	"github.com/harun/ranyadesk/pkg/session"
)

// SecretHeader carries the shared secret on single-shot HTTP requests
const SecretHeader = "X-Ranyadesk-Secret"

const (
	defaultTickInterval    = 30 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	maxRequestBody         = 4 << 20
)

// Commands is the command surface exposed to clients
type Commands interface {
	CreateSession(ctx context.Context, workingDir, name string, sessionType session.SessionType) (*session.Session, error)
	AgentReply(ctx context.Context, msg conversation.Message, cfg agent.SessionConfig, sink bridge.Sink) error
}

// AgentStatus reports whether the agent is busy and how many replies wait for it
type AgentStatus interface {
	Pending() int
	Busy() bool
}

// Config holds server configuration
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:7777"
	Addr         string
	SharedSecret string
	Commands     Commands
	Status       AgentStatus
	// Queue, when set, has its agent lane activity broadcast as "agent.queue" events
	Queue             *commandqueue.CommandQueue
	Version           string
	MinClientVersion  string
	RequestsPerMinute int
	MaxConcurrent     int
	// TickInterval is the keepalive period; negative disables ticks
	TickInterval    time.Duration
	ShutdownTimeout time.Duration
	Logger          zerolog.Logger
}

// Server is the presentation gateway: WebSocket JSON-RPC plus HTTP endpoints
type Server struct {
	addr              string
	sharedSecret      string
	version           string
	minClientVersion  *semver.Version
	requestsPerMinute int
	maxConcurrent     int
	tickInterval      time.Duration
	shutdownTimeout   time.Duration

	commands    Commands
	status      AgentStatus
	queue       *commandqueue.CommandQueue
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	router      *RPCRouter
	authHandler *AuthHandler
	broadcaster *EventBroadcaster
	logger      zerolog.Logger

	server         *http.Server
	listener       net.Listener
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
	tickCancel     context.CancelFunc
	tickWG         sync.WaitGroup
}

// NewServer creates a gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Commands == nil {
		return nil, fmt.Errorf("commands are required")
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	var minVersion *semver.Version
	if cfg.MinClientVersion != "" {
		v, err := semver.NewVersion(cfg.MinClientVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid minimum client version %q: %w", cfg.MinClientVersion, err)
		}
		minVersion = v
	}

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()

	s := &Server{
		addr:              cfg.Addr,
		sharedSecret:      cfg.SharedSecret,
		version:           cfg.Version,
		minClientVersion:  minVersion,
		requestsPerMinute: cfg.RequestsPerMinute,
		maxConcurrent:     cfg.MaxConcurrent,
		tickInterval:      cfg.TickInterval,
		shutdownTimeout:   cfg.ShutdownTimeout,
		commands:          cfg.Commands,
		status:            cfg.Status,
		queue:             cfg.Queue,
		clients:           clients,
		router:            NewRPCRouter(),
		authHandler:       NewAuthHandler(cfg.SharedSecret),
		broadcaster:       NewEventBroadcaster(clients, logger),
		logger:            logger,
		upgrader: websocket.Upgrader{
			// the desktop shell loads from a custom scheme, so origins are not meaningful here
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.registerBuiltinMethods()
	s.watchQueue()
	return s, nil
}

// Handler returns the HTTP routes of the gateway
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/reply", s.handleReply)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start binds the listen address and serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.shutdownMu.Lock()
	s.listener = listener
	s.server = server
	s.shutdownMu.Unlock()

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startTickEmitter()
	return nil
}

// Addr returns the bound address once Start succeeded
func (s *Server) Addr() string {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Run starts the server and stops it when ctx is done
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Stop waits for in-flight requests, closes client connections and shuts the listener down
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")
	s.stopTickEmitter()

	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.All() {
		_ = client.Conn.Close()
	}

	s.shutdownMu.RLock()
	server := s.server
	s.shutdownMu.RUnlock()
	if server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) startTickEmitter() {
	if s.tickInterval <= 0 {
		return
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	s.tickCancel = cancel
	s.tickWG.Add(1)

	go func() {
		defer s.tickWG.Done()

		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				s.broadcaster.Broadcast("tick", map[string]interface{}{"status": "alive"})
			}
		}
	}()
}

func (s *Server) stopTickEmitter() {
	if s.tickCancel != nil {
		s.tickCancel()
		s.tickCancel = nil
	}
	s.tickWG.Wait()
}

// watchQueue broadcasts agent lane activity so every window can show a busy indicator
func (s *Server) watchQueue() {
	if s.queue == nil {
		return
	}
	handler := func(event commandqueue.Event) {
		if event.Lane != bridge.AgentLane {
			return
		}
		data := map[string]interface{}{"phase": event.Type}
		if s.status != nil {
			data["busy"] = s.status.Busy()
			data["pending"] = s.status.Pending()
		}
		s.broadcaster.Broadcast("agent.queue", data)
	}
	s.queue.On("enqueued", handler)
	s.queue.On("completed", handler)
}

// handleWebSocket upgrades the connection and starts the challenge handshake
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate client ID")
		_ = conn.Close()
		return
	}
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiter(s.requestsPerMinute, s.maxConcurrent),
		State:        StateConnecting,
	}
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if err := s.sendAuthChallenge(client); err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to send auth challenge")
		_ = conn.Close()
		s.clients.Remove(clientID)
		return
	}

	go s.handleClient(client)
}

func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		return err
	}

	client.Challenge = challenge
	client.State = StateAuthenticating

	return client.WriteJSON(AuthChallenge{
		Event:     "auth.challenge",
		Challenge: challenge,
	})
}

// handleClient reads frames until the connection closes
func (s *Server) handleClient(client *Client) {
	defer func() {
		client.State = StateDisconnected
		_ = client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.Touch(client.ID)
		s.handleMessage(client, message)
	}
}

func (s *Server) handleMessage(client *Client, message []byte) {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		s.handleAuthMessage(client, authResp)
		return
	}

	if !client.Authenticated {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return
	}

	if allowed, reason := client.RateLimiter.Acquire(); !allowed {
		code := RateLimitExceeded
		if reason == reasonTooConcurrent {
			code = TooManyConcurrent
		}
		s.sendError(client, req.ID, code, reason)
		return
	}

	s.inFlightReqs.Add(1)

	// Requests run detached from the read loop; replies can take minutes
	go func() {
		defer s.inFlightReqs.Done()
		defer client.RateLimiter.Release()

		ctx := tracing.NewRequestContext(context.Background())
		ctx = tracing.WithClientID(ctx, client.ID)
		ctx = tracing.WithRequestID(ctx, req.ID)
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Debug().Str("method", req.Method).Msg("Gateway received RPC request")

		response := s.router.RouteRequest(ctx, req)
		if err := client.WriteJSON(response); err != nil {
			logger.Error().Err(err).Msg("Failed to send response")
		}
	}()
}

func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) {
	result := s.authHandler.HandleAuthResponse(client, authResp.Signature)

	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return
	}

	if !result.Success {
		s.logger.Warn().
			Str("clientId", client.ID).
			Str("reason", result.Message).
			Msg("Authentication failed")

		if client.AuthAttempts >= maxAuthAttempts {
			_ = client.Conn.Close()
		}
		return
	}
	s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
}

func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	if err := client.WriteJSON(errorResponse(requestID, code, message)); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error response")
	}
}

// authorizeHTTP checks the shared secret header of single-shot requests
func (s *Server) authorizeHTTP(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if !s.authHandler.VerifySecret(r.Header.Get(SecretHeader)) {
		observability.RecordSecurityAudit(r.Context(), "http_auth", r.RemoteAddr, "failure", map[string]interface{}{
			"path": r.URL.Path,
		})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func requestContext(r *http.Request) context.Context {
	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	return tracing.WithTraceID(context.Background(), traceID)
}

// handleRPC handles single-shot HTTP JSON-RPC requests
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeHTTP(w, r) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	req, err := s.router.ParseRequest(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(errorResponse("", ParseError, err.Error()))
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	ctx := tracing.WithRequestID(requestContext(r), req.ID)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("request_id", req.ID).
		Str("method", req.Method).
		Msg("Gateway received HTTP RPC request")

	resp := s.router.RouteRequest(ctx, req)
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

// handleReply runs agent_reply over server-sent events. The stream ends with a "complete" event,
// or a "failed" event carrying the error message. A client that goes away makes the next write
// fail, which stops the reply.
func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeHTTP(w, r) {
		return
	}

	var p agentReplyParams
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&p); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	msg, err := conversation.ParseUserMessage(p.UserMessage)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sink, err := newSSESink(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer sink.close()

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	ctx := tracing.WithSessionID(requestContext(r), p.SessionConfig.ID)
	err = s.commands.AgentReply(ctx, msg, p.SessionConfig, sink)
	observability.RecordRPCRequest(MethodAgentReply, err == nil)

	var sinkErr *bridge.SinkError
	switch {
	case err == nil:
		_ = sink.Emit("complete", nil)
	case errors.As(err, &sinkErr):
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Debug().Err(err).Msg("Reply stream consumer went away")
	default:
		_ = sink.Emit("failed", map[string]string{"message": err.Error()})
	}
}

// Broadcast sends an event to all authenticated clients
func (s *Server) Broadcast(event string, data interface{}) {
	s.broadcaster.Broadcast(event, data)
}

// RegisterMethod adds an RPC method
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// ConnectedClients describes the connected clients
func (s *Server) ConnectedClients() []ClientInfo {
	return s.clients.Info()
}
