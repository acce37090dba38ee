package schedule

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/ranyadesk/internal/tracing"
	"github.com/harun/ranyadesk/pkg/agent"
	"github.com/harun/ranyadesk/pkg/bridge"
	"github.com/harun/ranyadesk/pkg/conversation"
	"github.com/harun/ranyadesk/pkg/session"
)

const tracerName = "ranyadesk.schedule"

// parser accepts standard five-field expressions and descriptors such as @daily or @every 1h
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Job is one scheduled prompt
type Job struct {
	ID         string `json:"id" mapstructure:"id"`
	Cron       string `json:"cron" mapstructure:"cron"`
	Prompt     string `json:"prompt" mapstructure:"prompt"`
	WorkingDir string `json:"working_dir" mapstructure:"working_dir"`
	// TZ is an IANA zone the expression is evaluated in; empty means local time
	TZ string `json:"tz,omitempty" mapstructure:"tz"`
}

// Validate checks the job fields and its expression
func (j Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("schedule id is required")
	}
	if strings.TrimSpace(j.Prompt) == "" {
		return fmt.Errorf("schedule %s: prompt is required", j.ID)
	}
	if strings.TrimSpace(j.WorkingDir) == "" {
		return fmt.Errorf("schedule %s: working directory is required", j.ID)
	}
	if _, err := parser.Parse(j.spec()); err != nil {
		return fmt.Errorf("schedule %s: invalid cron expression %q: %w", j.ID, j.Cron, err)
	}
	return nil
}

func (j Job) spec() string {
	if j.TZ == "" {
		return j.Cron
	}
	return "CRON_TZ=" + j.TZ + " " + j.Cron
}

// Runner creates sessions and runs replies; the bridge implements it
type Runner interface {
	CreateSession(ctx context.Context, workingDir, name string, sessionType session.SessionType) (*session.Session, error)
	AgentReply(ctx context.Context, msg conversation.Message, cfg agent.SessionConfig, sink bridge.Sink) error
}

// JobStatus describes a registered job
type JobStatus struct {
	Job
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

// Scheduler fires jobs on their schedules
type Scheduler struct {
	runner Runner
	logger zerolog.Logger
	cron   *cron.Cron
	now    func() time.Time

	mu      sync.Mutex
	jobs    map[string]Job
	entries map[string]cron.EntryID
}

// cronLogger adapts zerolog to the cron library's logger
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// New creates a stopped scheduler. Overlapping firings of the same job are skipped.
func New(runner Runner, logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "schedule").Logger()
	cl := cronLogger{logger: logger}
	return &Scheduler{
		runner:  runner,
		logger:  logger,
		now:     time.Now,
		jobs:    make(map[string]Job),
		entries: make(map[string]cron.EntryID),
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
}

// Add registers a job
func (s *Scheduler) Add(job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("schedule already exists: %s", job.ID)
	}
	id, err := s.cron.AddFunc(job.spec(), func() {
		if err := s.run(context.Background(), job); err != nil {
			s.logger.Error().Err(err).Str("schedule_id", job.ID).Msg("Scheduled run failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", job.ID, err)
	}

	s.jobs[job.ID] = job
	s.entries[job.ID] = id
	s.logger.Info().Str("schedule_id", job.ID).Str("cron", job.Cron).Msg("Schedule added")
	return nil
}

// Remove unregisters a job; unknown IDs are ignored
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[id]; ok {
		s.cron.Remove(entry)
		delete(s.entries, id)
		delete(s.jobs, id)
	}
}

// Jobs lists registered jobs by ID with their next and previous firing times
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]JobStatus, 0, len(s.jobs))
	for id, job := range s.jobs {
		entry := s.cron.Entry(s.entries[id])
		next := entry.Next
		if next.IsZero() {
			// not started yet
			if sched, err := parser.Parse(job.spec()); err == nil {
				next = sched.Next(s.now())
			}
		}
		statuses = append(statuses, JobStatus{Job: job, Next: next, Prev: entry.Prev})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}

// RunNow fires a job immediately and waits for its reply to finish
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule not found: %s", id)
	}
	return s.run(ctx, job)
}

func (s *Scheduler) run(ctx context.Context, job Job) error {
	ctx = tracing.NewRequestContext(ctx)
	ctx, span := tracing.StartSpan(ctx, tracerName, "schedule.run")
	defer span.End()

	name := fmt.Sprintf("%s %s", job.ID, s.now().Format("2006-01-02 15:04"))
	sess, err := s.runner.CreateSession(ctx, job.WorkingDir, name, session.TypeScheduled)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create session for %s: %w", job.ID, err)
	}

	logger := tracing.LoggerFromContext(tracing.WithSessionID(ctx, sess.ID), s.logger).
		With().Str("schedule_id", job.ID).Logger()
	logger.Info().Msg("Running scheduled prompt")

	cfg := agent.SessionConfig{ID: sess.ID, ScheduleID: job.ID}
	if err := s.runner.AgentReply(ctx, conversation.NewUserMessage(job.Prompt), cfg, bridge.LogSink{Logger: logger}); err != nil {
		span.RecordError(err)
		return err
	}

	logger.Info().Msg("Scheduled prompt finished")
	return nil
}

// Start begins firing jobs in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops firing and waits for running jobs until ctx is done
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the scheduler and stops it when ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Stop(stopCtx)
}
