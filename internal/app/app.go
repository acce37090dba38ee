// Package app wires the ranyadesk components together and supervises the long-running ones.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/harun/ranyadesk/internal/config"
	"github.com/harun/ranyadesk/internal/logger"
	"github.com/harun/ranyadesk/internal/observability"
	"github.com/harun/ranyadesk/internal/tracing"
	"github.com/harun/ranyadesk/pkg/agent"
	"github.com/harun/ranyadesk/pkg/bridge"
	"github.com/harun/ranyadesk/pkg/commandqueue"
	"github.com/harun/ranyadesk/pkg/gateway"
	"github.com/harun/ranyadesk/pkg/provider"
	"github.com/harun/ranyadesk/pkg/schedule"
	"github.com/harun/ranyadesk/pkg/session"
)

// Version is stamped at build time
var Version = "dev"

var newProvider = func(cfg config.ProviderConfig) (provider.Provider, error) {
	return provider.CreateWithNamedModel(cfg.Name, cfg.Model,
		provider.WithAPIKey(cfg.APIKey),
		provider.WithBaseURL(cfg.BaseURL),
		provider.WithMaxRetries(cfg.MaxRetries),
	)
}

// Option customizes App construction
type Option func(*App)

// WithLogger hands the process logger to the app so config reloads can change its level
func WithLogger(l *logger.Logger) Option {
	return func(a *App) {
		a.log = l
		a.logger = l.Zerolog()
	}
}

// WithConfigLoader enables hot reload of the loader's config file while the app runs
func WithConfigLoader(loader *config.Loader) Option {
	return func(a *App) { a.loader = loader }
}

// App owns every component of a running ranyadesk process
type App struct {
	cfg    *config.Config
	log    *logger.Logger
	logger zerolog.Logger
	loader *config.Loader

	sessions  *session.Manager
	agent     *agent.Agent
	queue     *commandqueue.CommandQueue
	bridge    *bridge.Bridge
	gateway   *gateway.Server
	scheduler *schedule.Scheduler
	cleanup   *session.Cleanup

	tracingEnabled bool

	// guards cfg against concurrent reloads
	mu sync.Mutex
}

// New initializes all components in dependency order. Failing to build or bind the provider is
// fatal: there is no degraded mode.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &App{cfg: cfg, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(a)
	}

	observability.EnsureRegistered()
	if cfg.Telemetry.Enabled {
		if err := tracing.InitOpenTelemetry(tracing.Options{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: Version,
			SampleRatio:    cfg.Telemetry.SampleRatio,
		}); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			a.tracingEnabled = true
		}
	}

	if err := a.initialize(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) initialize(ctx context.Context) error {
	cfg := a.cfg

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	auditPath := filepath.Join(cfg.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	}

	sessions, err := session.New(cfg.SessionDBPath())
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	a.sessions = sessions

	p, err := newProvider(cfg.Provider)
	if err != nil {
		return fmt.Errorf("failed to create provider %s: %w", cfg.Provider.Name, err)
	}

	extensions := agent.NewExtensionManager()
	if err := extensions.Register(agent.WorkspaceExtension()); err != nil {
		return fmt.Errorf("failed to register workspace extension: %w", err)
	}
	a.agent = agent.New(agent.Config{
		Store:        sessions,
		Extensions:   extensions,
		Logger:       a.logger.With().Str("component", "agent").Logger(),
		SystemPrompt: cfg.Agent.SystemPrompt,
		Mode:         cfg.Agent.Mode,
		ContextLimit: cfg.Agent.ContextLimit,
		MaxTokens:    cfg.Agent.MaxTokens,
		Temperature:  cfg.Agent.Temperature,
	})
	if err := a.agent.UpdateProvider(ctx, p); err != nil {
		return fmt.Errorf("failed to bind provider: %w", err)
	}

	a.queue = commandqueue.New()
	a.bridge, err = bridge.New(bridge.Config{
		Agent:     a.agent,
		Sessions:  sessions,
		Queue:     a.queue,
		Logger:    a.logger,
		WarnAfter: time.Duration(cfg.Gateway.QueueWarnAfterMs) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("failed to create bridge: %w", err)
	}

	if cfg.Gateway.Enabled {
		a.gateway, err = gateway.NewServer(gateway.Config{
			Addr:              cfg.Gateway.Addr(),
			SharedSecret:      cfg.Gateway.SharedSecret,
			Commands:          a.bridge,
			Status:            a.bridge.State(),
			Queue:             a.queue,
			Version:           Version,
			MinClientVersion:  cfg.Gateway.MinClientVersion,
			RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
			MaxConcurrent:     cfg.Gateway.MaxConcurrent,
			TickInterval:      time.Duration(cfg.Gateway.TickIntervalMs) * time.Millisecond,
			ShutdownTimeout:   time.Duration(cfg.Gateway.ShutdownTimeoutMs) * time.Millisecond,
			Logger:            a.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway: %w", err)
		}
	}

	a.scheduler = schedule.New(a.bridge, a.logger)
	for _, job := range cfg.Schedules {
		if err := a.scheduler.Add(job); err != nil {
			return err
		}
	}

	if cfg.Sessions.CleanupEnabled {
		a.cleanup = session.NewCleanup(sessions, time.Duration(cfg.Sessions.CleanupAgeHours)*time.Hour)
		a.cleanup.SetMaxMessages(cfg.Sessions.MaxMessages)
	}

	a.logger.Info().
		Str("provider", p.Name()).
		Str("model", p.Model()).
		Bool("gateway", a.gateway != nil).
		Int("schedules", len(cfg.Schedules)).
		Msg("ranyadesk initialized")
	return nil
}

// Run runs the gateway, scheduler, session cleanup and config watcher until ctx is done or one
// of them fails
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.gateway != nil {
		g.Go(func() error { return a.gateway.Run(gctx) })
	}
	g.Go(func() error { return a.scheduler.Run(gctx) })

	if a.cleanup != nil {
		if err := a.cleanup.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			return a.cleanup.Stop()
		})
	}

	if a.loader != nil {
		watcher, err := config.NewWatcher(a.loader, a.applyConfig, a.logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return watcher.Run(gctx) })
	}

	return g.Wait()
}

// applyConfig applies the parts of a reloaded config that can change at runtime
func (a *App) applyConfig(cfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()

	changes := map[string]interface{}{}

	if cfg.Logging.Level != a.cfg.Logging.Level && a.log != nil {
		if err := a.log.SetLevel(cfg.Logging.Level); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to apply log level")
		} else {
			changes["log_level"] = cfg.Logging.Level
		}
	}

	added, removed := a.reconcileSchedules(cfg.Schedules)
	if added+removed > 0 {
		changes["schedules_added"] = added
		changes["schedules_removed"] = removed
	}

	if cfg.Provider != a.cfg.Provider || cfg.Gateway != a.cfg.Gateway {
		a.logger.Warn().Msg("Provider and gateway changes take effect after a restart")
	}

	a.cfg.Logging.Level = cfg.Logging.Level
	a.cfg.Schedules = cfg.Schedules
	observability.RecordConfigAudit(context.Background(), "reload", "config_file", changes)
}

// reconcileSchedules replaces changed jobs and drops removed ones
func (a *App) reconcileSchedules(jobs []schedule.Job) (added, removed int) {
	current := make(map[string]schedule.Job)
	for _, status := range a.scheduler.Jobs() {
		current[status.ID] = status.Job
	}
	wanted := make(map[string]schedule.Job, len(jobs))
	for _, job := range jobs {
		wanted[job.ID] = job
	}

	for id, job := range current {
		if next, ok := wanted[id]; !ok || next != job {
			a.scheduler.Remove(id)
			removed++
		}
	}
	for id, job := range wanted {
		if prev, ok := current[id]; ok && prev == job {
			continue
		}
		if err := a.scheduler.Add(job); err != nil {
			a.logger.Warn().Err(err).Str("schedule_id", id).Msg("Failed to add schedule")
			continue
		}
		added++
	}
	return added, removed
}

// Close tears components down in reverse order
func (a *App) Close() error {
	var firstErr error
	if a.bridge != nil {
		_ = a.bridge.Close()
	}
	// a reply still running writes through the session manager
	if a.queue != nil {
		_ = a.queue.Close()
	}
	if a.sessions != nil {
		if err := a.sessions.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.ShutdownOpenTelemetry(ctx)
	}
	return firstErr
}

// Bridge returns the command bridge
func (a *App) Bridge() *bridge.Bridge { return a.bridge }

// Sessions returns the session manager
func (a *App) Sessions() *session.Manager { return a.sessions }

// Scheduler returns the prompt scheduler
func (a *App) Scheduler() *schedule.Scheduler { return a.scheduler }

// Gateway returns the gateway server, or nil when it is disabled
func (a *App) Gateway() *gateway.Server { return a.gateway }

// Config returns the active configuration
func (a *App) Config() *config.Config { return a.cfg }
