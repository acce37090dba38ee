package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/ranyadesk/internal/observability"
	"github.com/harun/ranyadesk/internal/tracing"
	"github.com/harun/ranyadesk/pkg/conversation"
	"github.com/harun/ranyadesk/pkg/provider"
	"github.com/harun/ranyadesk/pkg/session"
)

const tracerName = "ranyadesk.agent"

// ErrNoProvider is returned by Reply before a provider has been bound
var ErrNoProvider = errors.New("no provider configured: call UpdateProvider first")

// SessionStore is the subset of the session manager the agent needs
type SessionStore interface {
	GetSession(ctx context.Context, id string, includeMessages bool) (*session.Session, error)
	AddMessage(ctx context.Context, id string, msg conversation.Message) error
	GetConversation(ctx context.Context, id string) (conversation.Conversation, error)
	ReplaceConversation(ctx context.Context, id string, conv conversation.Conversation) error
}

// Agent produces replies using the bound provider and the registered extensions.
// It is safe for concurrent use, but callers are expected to serialize replies.
type Agent struct {
	cfg    Config
	logger zerolog.Logger

	mu             sync.RWMutex
	provider       provider.Provider
	announcedModel string
}

// New creates an agent without a provider
func New(cfg Config) *Agent {
	observability.EnsureRegistered()
	cfg = cfg.withDefaults()
	return &Agent{
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// UpdateProvider binds (or replaces) the model provider
func (a *Agent) UpdateProvider(ctx context.Context, p provider.Provider) error {
	if p == nil {
		return fmt.Errorf("provider cannot be nil")
	}

	a.mu.Lock()
	a.provider = p
	a.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, a.logger)
	logger.Info().
		Str("provider", p.Name()).
		Str("model", p.Model()).
		Msg("Provider bound")
	return nil
}

// Provider returns the bound provider, or nil
func (a *Agent) Provider() provider.Provider {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.provider
}

// Extensions returns the extension manager
func (a *Agent) Extensions() *ExtensionManager {
	return a.cfg.Extensions
}

// Reply starts a reply to msg within the session described by cfg. The returned stream is lazy;
// cancel may be nil.
func (a *Agent) Reply(ctx context.Context, msg conversation.Message, cfg SessionConfig, cancel *CancellationToken) (EventStream, error) {
	p := a.Provider()
	if p == nil {
		return nil, ErrNoProvider
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	return func(yield func(Event, error) bool) {
		run := &replyRun{agent: a, provider: p, msg: msg, cfg: cfg, cancel: cancel, yield: yield}
		run.execute(ctx)
	}, nil
}

// replyRun is the state of one Reply iteration
type replyRun struct {
	agent    *Agent
	provider provider.Provider
	msg      conversation.Message
	cfg      SessionConfig
	cancel   *CancellationToken
	yield    func(Event, error) bool

	conv       conversation.Conversation
	workingDir string
	stopped    bool
	failed     bool
}

// emit forwards an event and records whether the consumer stopped ranging
func (r *replyRun) emit(e Event) bool {
	if r.stopped {
		return false
	}
	if !r.yield(e, nil) {
		r.stopped = true
	}
	return !r.stopped
}

// fail yields the terminal error item
func (r *replyRun) fail(err error) {
	r.failed = true
	if r.stopped {
		return
	}
	r.yield(nil, err)
	r.stopped = true
}

func (r *replyRun) interrupted(ctx context.Context) error {
	if r.cancel != nil && r.cancel.Cancelled() {
		return fmt.Errorf("reply cancelled")
	}
	return ctx.Err()
}

func (r *replyRun) execute(ctx context.Context) {
	a := r.agent
	if r.cancel != nil {
		var stop context.CancelFunc
		ctx, stop = context.WithCancel(ctx)
		defer stop()
		go func() {
			select {
			case <-r.cancel.Done():
				stop()
			case <-ctx.Done():
			}
		}()
	}

	ctx = tracing.NewReplyContext(ctx, r.cfg.ID)
	ctx, span := tracing.StartSpan(
		ctx,
		tracerName,
		"agent.reply",
		attribute.String("session_id", r.cfg.ID),
		attribute.String("provider", r.provider.Name()),
		attribute.String("model", r.provider.Model()),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, a.logger)

	start := time.Now()
	defer func() {
		observability.RecordReply(r.provider.Name(), time.Since(start), !r.failed)
		if r.failed {
			span.SetStatus(codes.Error, "reply failed")
		}
		logger.Debug().Dur("duration", time.Since(start)).Bool("failed", r.failed).Msg("Reply finished")
	}()

	if !r.announceModel() {
		return
	}

	if err := r.loadSession(ctx); err != nil {
		span.RecordError(err)
		r.fail(err)
		return
	}

	if !r.compactIfNeeded(ctx) {
		return
	}

	r.loop(ctx)
}

// announceModel emits a ModelChangeEvent the first time a model serves a reply
func (r *replyRun) announceModel() bool {
	a := r.agent
	model := r.provider.Model()

	a.mu.Lock()
	changed := a.announcedModel != model
	if changed {
		a.announcedModel = model
	}
	a.mu.Unlock()

	if !changed {
		return true
	}
	return r.emit(ModelChangeEvent{Model: model, Mode: a.cfg.Mode})
}

func (r *replyRun) loadSession(ctx context.Context) error {
	store := r.agent.cfg.Store
	if r.cfg.ID == "" || store == nil {
		r.conv = conversation.Conversation{r.msg}
		return nil
	}

	s, err := store.GetSession(ctx, r.cfg.ID, true)
	if err != nil {
		return err
	}
	r.workingDir = s.WorkingDir
	r.conv = append(s.Conversation.Clone(), r.msg)

	if err := store.AddMessage(ctx, r.cfg.ID, r.msg); err != nil {
		return fmt.Errorf("failed to save user message: %w", err)
	}
	return nil
}

func (r *replyRun) persist(ctx context.Context, msg conversation.Message) error {
	r.conv = append(r.conv, msg)
	store := r.agent.cfg.Store
	if r.cfg.ID == "" || store == nil {
		return nil
	}
	if err := store.AddMessage(ctx, r.cfg.ID, msg); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func (r *replyRun) compactIfNeeded(ctx context.Context) bool {
	limit := r.agent.cfg.ContextLimit
	if limit <= 0 {
		return true
	}

	tokens := r.conv.AgentVisible().EstimateTokens()
	if float64(tokens) <= float64(limit)*compactionThreshold {
		return true
	}

	compacted, ok := compact(r.conv, compactionKeepRecent)
	if !ok {
		return true
	}

	logger := tracing.LoggerFromContext(ctx, r.agent.logger)
	logger.Info().
		Int("tokenCount", tokens).
		Int("contextLimit", limit).
		Int("from_messages", len(r.conv)).
		Int("to_messages", len(compacted)).
		Msg("Compacting context")

	if store := r.agent.cfg.Store; r.cfg.ID != "" && store != nil {
		if err := store.ReplaceConversation(ctx, r.cfg.ID, compacted); err != nil {
			r.fail(fmt.Errorf("failed to replace conversation: %w", err))
			return false
		}
	}
	r.conv = compacted
	return r.emit(HistoryReplacedEvent{Conversation: compacted.Clone()})
}

func (r *replyRun) systemPrompt() string {
	prompt := r.agent.cfg.SystemPrompt
	if r.workingDir != "" {
		prompt += "\n\nCurrent working directory: " + r.workingDir
	}
	return prompt
}

func (r *replyRun) loop(ctx context.Context) {
	a := r.agent
	toolCtx := ContextWithExecContext(ctx, &ExecutionContext{SessionID: r.cfg.ID, WorkingDir: r.workingDir})
	maxTurns := r.cfg.maxTurns()

	for turn := 0; turn < maxTurns; turn++ {
		if err := r.interrupted(ctx); err != nil {
			r.fail(err)
			return
		}

		response, err := r.completeWithRetry(ctx, provider.Request{
			System:      r.systemPrompt(),
			Messages:    r.conv.AgentVisible(),
			Tools:       a.cfg.Extensions.ToolSpecs(),
			MaxTokens:   a.cfg.MaxTokens,
			Temperature: a.cfg.Temperature,
		})
		if err != nil {
			r.fail(err)
			return
		}

		assistant := response.Message
		if err := r.persist(ctx, assistant); err != nil {
			r.fail(err)
			return
		}
		if !r.emit(MessageEvent{Message: assistant}) {
			return
		}

		requests := assistant.ToolRequests()
		if len(requests) == 0 {
			return
		}

		responses := make([]conversation.Content, 0, len(requests))
		for _, req := range requests {
			if err := r.interrupted(ctx); err != nil {
				r.fail(err)
				return
			}
			outcome := a.cfg.Extensions.Dispatch(toolCtx, req.ToolCall.Name, req.ToolCall.Arguments)
			for _, n := range outcome.Notifications {
				if !r.emit(McpNotificationEvent{ID: req.ID, Notification: n}) {
					return
				}
			}
			responses = append(responses, conversation.ToolResponseContent(req.ID, outcome.Output, outcome.IsError))
		}

		toolMessage := conversation.NewToolResponseMessage(responses...)
		if err := r.persist(ctx, toolMessage); err != nil {
			r.fail(err)
			return
		}
		if !r.emit(MessageEvent{Message: toolMessage}) {
			return
		}
	}

	r.fail(fmt.Errorf("maximum turns (%d) exceeded", maxTurns))
}

// completeWithRetry calls the provider with exponential backoff on retryable errors
func (r *replyRun) completeWithRetry(ctx context.Context, request provider.Request) (*provider.Response, error) {
	a := r.agent
	logger := tracing.LoggerFromContext(ctx, a.logger)
	var lastErr error

	for attempt := 0; attempt < a.cfg.MaxRetries; attempt++ {
		response, err := r.provider.Complete(ctx, request)
		if err == nil {
			return response, nil
		}
		lastErr = err

		if !IsRetryableError(err) || attempt == a.cfg.MaxRetries-1 {
			break
		}

		delay := a.cfg.RetryBaseDelay * time.Duration(1<<attempt)
		logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after provider error")

		select {
		case <-ctx.Done():
			if cancelErr := r.interrupted(ctx); cancelErr != nil {
				return nil, cancelErr
			}
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, lastErr
}
