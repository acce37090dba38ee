package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/ranyadesk/pkg/agent"
	"github.com/harun/ranyadesk/pkg/bridge"
	"github.com/harun/ranyadesk/pkg/conversation"
	"github.com/harun/ranyadesk/pkg/session"
)

type replyCall struct {
	msg conversation.Message
	cfg agent.SessionConfig
}

type fakeRunner struct {
	mu        sync.Mutex
	sessions  []*session.Session
	replies   []replyCall
	createErr error
	replyErr  error
}

func (f *fakeRunner) CreateSession(ctx context.Context, workingDir, name string, sessionType session.SessionType) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	s := &session.Session{ID: "sess-" + name, WorkingDir: workingDir, Name: name, SessionType: sessionType}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeRunner) AgentReply(ctx context.Context, msg conversation.Message, cfg agent.SessionConfig, sink bridge.Sink) error {
	f.mu.Lock()
	f.replies = append(f.replies, replyCall{msg: msg, cfg: cfg})
	f.mu.Unlock()
	if sink == nil {
		return errors.New("missing sink")
	}
	if f.replyErr != nil {
		return f.replyErr
	}
	return sink.Emit(bridge.ChannelAgentEvent, map[string]string{"type": "message"})
}

func (f *fakeRunner) replyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.replies)
}

func newTestScheduler(runner Runner) *Scheduler {
	s := New(runner, zerolog.Nop())
	s.now = func() time.Time { return time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC) }
	return s
}

func validJob() Job {
	return Job{ID: "standup", Cron: "0 9 * * 1-5", Prompt: "summarize yesterday", WorkingDir: "/tmp/project"}
}

func TestJobValidate(t *testing.T) {
	t.Run("should accept a five-field expression", func(t *testing.T) {
		assert.NoError(t, validJob().Validate())
	})

	t.Run("should accept descriptors and time zones", func(t *testing.T) {
		job := validJob()
		job.Cron = "@daily"
		job.TZ = "Europe/Berlin"
		assert.NoError(t, job.Validate())
	})

	t.Run("should reject missing fields", func(t *testing.T) {
		job := validJob()
		job.ID = ""
		assert.EqualError(t, job.Validate(), "schedule id is required")

		job = validJob()
		job.Prompt = "  "
		assert.EqualError(t, job.Validate(), "schedule standup: prompt is required")

		job = validJob()
		job.WorkingDir = ""
		assert.EqualError(t, job.Validate(), "schedule standup: working directory is required")
	})

	t.Run("should reject invalid expressions", func(t *testing.T) {
		job := validJob()
		job.Cron = "0 9 * *"
		err := job.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), `invalid cron expression "0 9 * *"`)

		job = validJob()
		job.Cron = "0 0 9 * * 1"
		assert.Error(t, job.Validate(), "seconds field is not accepted")
	})

	t.Run("should reject unknown time zones", func(t *testing.T) {
		job := validJob()
		job.TZ = "Mars/Olympus"
		assert.Error(t, job.Validate())
	})
}

func TestSchedulerAdd(t *testing.T) {
	t.Run("should list jobs with their next run", func(t *testing.T) {
		s := newTestScheduler(&fakeRunner{})
		require.NoError(t, s.Add(validJob()))

		jobs := s.Jobs()
		require.Len(t, jobs, 1)
		assert.Equal(t, "standup", jobs[0].ID)
		assert.Equal(t, time.Monday, jobs[0].Next.Weekday())
		assert.Equal(t, 9, jobs[0].Next.Hour())
		assert.True(t, jobs[0].Prev.IsZero())
	})

	t.Run("should reject duplicates", func(t *testing.T) {
		s := newTestScheduler(&fakeRunner{})
		require.NoError(t, s.Add(validJob()))
		assert.EqualError(t, s.Add(validJob()), "schedule already exists: standup")
	})

	t.Run("should sort jobs by id", func(t *testing.T) {
		s := newTestScheduler(&fakeRunner{})
		for _, id := range []string{"b", "c", "a"} {
			job := validJob()
			job.ID = id
			require.NoError(t, s.Add(job))
		}
		jobs := s.Jobs()
		require.Len(t, jobs, 3)
		assert.Equal(t, []string{"a", "b", "c"}, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID})
	})

	t.Run("should remove jobs", func(t *testing.T) {
		s := newTestScheduler(&fakeRunner{})
		require.NoError(t, s.Add(validJob()))
		s.Remove("standup")
		s.Remove("unknown")
		assert.Empty(t, s.Jobs())
		assert.NoError(t, s.Add(validJob()))
	})
}

func TestSchedulerRunNow(t *testing.T) {
	t.Run("should create a scheduled session and reply into it", func(t *testing.T) {
		runner := &fakeRunner{}
		s := newTestScheduler(runner)
		require.NoError(t, s.Add(validJob()))

		require.NoError(t, s.RunNow(context.Background(), "standup"))

		require.Len(t, runner.sessions, 1)
		sess := runner.sessions[0]
		assert.Equal(t, session.TypeScheduled, sess.SessionType)
		assert.Equal(t, "/tmp/project", sess.WorkingDir)
		assert.Equal(t, "standup 2026-03-01 09:30", sess.Name)

		require.Len(t, runner.replies, 1)
		call := runner.replies[0]
		assert.Equal(t, conversation.RoleUser, call.msg.Role)
		assert.Equal(t, "summarize yesterday", call.msg.Text())
		assert.Equal(t, agent.SessionConfig{ID: sess.ID, ScheduleID: "standup"}, call.cfg)
	})

	t.Run("should fail for unknown jobs", func(t *testing.T) {
		s := newTestScheduler(&fakeRunner{})
		assert.EqualError(t, s.RunNow(context.Background(), "nope"), "schedule not found: nope")
	})

	t.Run("should not reply when the session cannot be created", func(t *testing.T) {
		runner := &fakeRunner{createErr: errors.New("disk full")}
		s := newTestScheduler(runner)
		require.NoError(t, s.Add(validJob()))

		err := s.RunNow(context.Background(), "standup")
		assert.EqualError(t, err, "failed to create session for standup: disk full")
		assert.Equal(t, 0, runner.replyCount())
	})

	t.Run("should return reply failures", func(t *testing.T) {
		runner := &fakeRunner{replyErr: errors.New("provider down")}
		s := newTestScheduler(runner)
		require.NoError(t, s.Add(validJob()))

		assert.EqualError(t, s.RunNow(context.Background(), "standup"), "provider down")
	})
}

func TestSchedulerRun(t *testing.T) {
	t.Run("should fire jobs until the context is cancelled", func(t *testing.T) {
		runner := &fakeRunner{}
		s := newTestScheduler(runner)
		job := validJob()
		job.Cron = "@every 1s"
		require.NoError(t, s.Add(job))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- s.Run(ctx) }()

		assert.Eventually(t, func() bool { return runner.replyCount() >= 1 }, 5*time.Second, 50*time.Millisecond)

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("scheduler did not stop")
		}
	})
}
