package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harun/ranyadesk/internal/app"
	"github.com/harun/ranyadesk/internal/config"
	"github.com/harun/ranyadesk/internal/logger"
)

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ranyadesk",
	Short: "ranyadesk - desktop agent backend",
	Long: `ranyadesk runs a conversational agent for a desktop front end.
It persists sessions, serializes replies through a single agent, streams
agent events over a local WebSocket gateway and runs scheduled prompts.`,
	Version:       app.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.ranyadesk/ranyadesk.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// loadConfig loads the config file and applies flag overrides
func loadConfig() (*config.Config, *config.Loader, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, loader, nil
}

// newLogger builds the process logger; console output goes to stderr
func newLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
}

// openLocal builds an in-process app without the gateway for one-shot commands
func openLocal(ctx context.Context) (*app.App, *logger.Logger, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	cfg.Gateway.Enabled = false
	cfg.Sessions.CleanupEnabled = false
	cfg.Schedules = nil

	log, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(ctx, cfg, app.WithLogger(log))
	if err != nil {
		log.Close()
		return nil, nil, err
	}
	return a, log, nil
}

func getPIDFilePath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "ranyadesk.pid")
}

func readPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}
