package bridge

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/ranyadesk/pkg/agent"
	"github.com/harun/ranyadesk/pkg/commandqueue"
	"github.com/harun/ranyadesk/pkg/conversation"
)

// AgentLane is the command queue lane that serializes access to the agent
const AgentLane = "agent"

// Agent is the agent surface the bridge drives
type Agent interface {
	Reply(ctx context.Context, msg conversation.Message, cfg agent.SessionConfig, cancel *agent.CancellationToken) (agent.EventStream, error)
}

// AgentState holds the one shared agent. Callers get exclusive access through With.
type AgentState struct {
	agent     Agent
	queue     *commandqueue.CommandQueue
	warnAfter time.Duration
	logger    zerolog.Logger
}

// NewAgentState wraps agent behind a concurrency-1 lane of queue
func NewAgentState(a Agent, queue *commandqueue.CommandQueue) *AgentState {
	queue.InitLane(AgentLane, 1)
	queue.SetConcurrency(AgentLane, 1)
	return &AgentState{
		agent:  a,
		queue:  queue,
		logger: zerolog.Nop(),
	}
}

// SetLogger sets the logger used for slow-acquisition warnings
func (s *AgentState) SetLogger(logger zerolog.Logger) {
	s.logger = logger
}

// SetWarnAfter logs a warning when a caller waits longer than d for the agent. Zero disables it.
func (s *AgentState) SetWarnAfter(d time.Duration) {
	s.warnAfter = d
}

// With waits for the agent, runs fn with exclusive access and releases the agent when fn
// returns. Waiters are served in arrival order. A panic in fn is returned as an error.
func (s *AgentState) With(ctx context.Context, fn func(ctx context.Context, a Agent) error) error {
	var opts *commandqueue.TaskOptions
	if s.warnAfter > 0 {
		opts = &commandqueue.TaskOptions{
			WarnAfterMs: int(s.warnAfter.Milliseconds()),
			OnWait: func(waitMs int64, queuePos int) {
				s.logger.Warn().
					Int64("waitMs", waitMs).
					Int("queuePos", queuePos).
					Msg("Still waiting for the agent")
			},
		}
	}

	_, err := s.queue.EnqueueWithContext(ctx, AgentLane, func(taskCtx context.Context) (interface{}, error) {
		return nil, fn(taskCtx, s.agent)
	}, opts)
	return err
}

// Pending returns the number of callers waiting for the agent
func (s *AgentState) Pending() int {
	return s.queue.GetQueueSize(AgentLane)
}

// Busy reports whether a caller currently holds the agent
func (s *AgentState) Busy() bool {
	return s.queue.GetRunningCount(AgentLane) > 0
}
