package app

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/ranyadesk/internal/config"
	"github.com/harun/ranyadesk/internal/logger"
	"github.com/harun/ranyadesk/pkg/agent"
	"github.com/harun/ranyadesk/pkg/bridge"
	"github.com/harun/ranyadesk/pkg/conversation"
	"github.com/harun/ranyadesk/pkg/provider"
	"github.com/harun/ranyadesk/pkg/schedule"
	"github.com/harun/ranyadesk/pkg/session"
)

type echoProvider struct{}

func (echoProvider) Name() string  { return "echo" }
func (echoProvider) Model() string { return "echo-1" }

func (echoProvider) Complete(ctx context.Context, request provider.Request) (*provider.Response, error) {
	last := request.Messages[len(request.Messages)-1]
	return &provider.Response{Message: conversation.NewAssistantMessage(conversation.TextContent("echo: " + last.Text()))}, nil
}

// blockingProvider waits until its context is cancelled
type blockingProvider struct {
	started chan struct{}
	once    *sync.Once
}

func (blockingProvider) Name() string  { return "blocking" }
func (blockingProvider) Model() string { return "blocking-1" }

func (p blockingProvider) Complete(ctx context.Context, request provider.Request) (*provider.Response, error) {
	p.once.Do(func() { close(p.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func stubProvider(t *testing.T, p provider.Provider, err error) {
	original := newProvider
	newProvider = func(config.ProviderConfig) (provider.Provider, error) { return p, err }
	t.Cleanup(func() { newProvider = original })
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Gateway.Port = 0
	cfg.Gateway.SharedSecret = "test-secret"
	cfg.Gateway.TickIntervalMs = -1
	cfg.Telemetry.Enabled = false
	return cfg
}

func TestNew(t *testing.T) {
	t.Run("should fail when the provider cannot be built", func(t *testing.T) {
		stubProvider(t, nil, errors.New("databricks provider requires DATABRICKS_HOST"))

		a, err := New(context.Background(), testConfig(t))
		assert.Nil(t, a)
		assert.EqualError(t, err, "failed to create provider databricks: databricks provider requires DATABRICKS_HOST")
	})

	t.Run("should fail when the provider is nil", func(t *testing.T) {
		stubProvider(t, nil, nil)

		_, err := New(context.Background(), testConfig(t))
		assert.EqualError(t, err, "failed to bind provider: provider cannot be nil")
	})

	t.Run("should reject invalid config", func(t *testing.T) {
		stubProvider(t, echoProvider{}, nil)
		cfg := testConfig(t)
		cfg.Gateway.SharedSecret = ""

		_, err := New(context.Background(), cfg)
		assert.ErrorContains(t, err, "invalid config")
	})

	t.Run("should wire a working bridge", func(t *testing.T) {
		stubProvider(t, echoProvider{}, nil)
		cfg := testConfig(t)
		cfg.Gateway.Enabled = false

		a, err := New(context.Background(), cfg)
		require.NoError(t, err)
		defer a.Close()
		assert.Nil(t, a.Gateway())

		ctx := context.Background()
		workDir := t.TempDir()
		sess, err := a.Bridge().CreateSession(ctx, workDir, "wired", session.TypeUser)
		require.NoError(t, err)

		var tags []string
		sink := bridge.SinkFunc(func(channel string, payload interface{}) error {
			tags = append(tags, channel)
			return nil
		})
		require.NoError(t, a.Bridge().AgentReply(ctx, conversation.NewUserMessage("ping"), agent.SessionConfig{ID: sess.ID}, sink))
		assert.NotEmpty(t, tags)

		conv, err := a.Sessions().GetConversation(ctx, sess.ID)
		require.NoError(t, err)
		require.Len(t, conv, 2)
		assert.Equal(t, "echo: ping", conv[1].Text())
		assert.FileExists(t, filepath.Join(cfg.DataDir, "sessions", "sessions.db"))
	})

	t.Run("should register configured schedules", func(t *testing.T) {
		stubProvider(t, echoProvider{}, nil)
		cfg := testConfig(t)
		cfg.Gateway.Enabled = false
		cfg.Schedules = []schedule.Job{{ID: "nightly", Cron: "0 2 * * *", Prompt: "tidy up", WorkingDir: t.TempDir()}}

		a, err := New(context.Background(), cfg)
		require.NoError(t, err)
		defer a.Close()

		jobs := a.Scheduler().Jobs()
		require.Len(t, jobs, 1)
		assert.Equal(t, "nightly", jobs[0].ID)
	})
}

func TestRun(t *testing.T) {
	stubProvider(t, echoProvider{}, nil)
	a, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		addr := a.Gateway().Addr()
		if addr == "127.0.0.1:0" {
			return false
		}
		r, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp = r
		return true
	}, 5*time.Second, 20*time.Millisecond)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestApplyConfig(t *testing.T) {
	stubProvider(t, echoProvider{}, nil)
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.TraceLevel) })

	var buf bytes.Buffer
	log, err := logger.New(logger.Config{Level: "info", Console: true, Out: &buf})
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.Gateway.Enabled = false
	keep := schedule.Job{ID: "keep", Cron: "0 9 * * *", Prompt: "a", WorkingDir: "/tmp"}
	change := schedule.Job{ID: "change", Cron: "0 10 * * *", Prompt: "b", WorkingDir: "/tmp"}
	drop := schedule.Job{ID: "drop", Cron: "0 11 * * *", Prompt: "c", WorkingDir: "/tmp"}
	cfg.Schedules = []schedule.Job{keep, change, drop}

	a, err := New(context.Background(), cfg, WithLogger(log))
	require.NoError(t, err)
	defer a.Close()

	next := *cfg
	next.Logging.Level = "debug"
	changed := change
	changed.Cron = "30 10 * * *"
	added := schedule.Job{ID: "new", Cron: "0 12 * * *", Prompt: "d", WorkingDir: "/tmp"}
	next.Schedules = []schedule.Job{keep, changed, added}

	a.applyConfig(&next)

	ids := map[string]string{}
	for _, job := range a.Scheduler().Jobs() {
		ids[job.ID] = job.Cron
	}
	assert.Equal(t, map[string]string{"keep": "0 9 * * *", "change": "30 10 * * *", "new": "0 12 * * *"}, ids)
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
	assert.Equal(t, "debug", a.Config().Logging.Level)
}

func TestClose(t *testing.T) {
	t.Run("should stop a running reply before closing sessions", func(t *testing.T) {
		p := blockingProvider{started: make(chan struct{}), once: &sync.Once{}}
		stubProvider(t, p, nil)
		cfg := testConfig(t)
		cfg.Gateway.Enabled = false

		a, err := New(context.Background(), cfg)
		require.NoError(t, err)

		ctx := context.Background()
		sess, err := a.Bridge().CreateSession(ctx, t.TempDir(), "closing", session.TypeUser)
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() {
			done <- a.Bridge().AgentReply(ctx, conversation.NewUserMessage("wait"), agent.SessionConfig{ID: sess.ID},
				bridge.SinkFunc(func(string, interface{}) error { return nil }))
		}()
		<-p.started

		require.NoError(t, a.Close())

		select {
		case err := <-done:
			assert.Error(t, err)
		case <-time.After(time.Second):
			t.Fatal("reply did not stop on close")
		}
	})
}
