package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harun/ranyadesk/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ranyadesk backend in the foreground",
	Long: `Run the gateway, scheduler and session cleanup until interrupted.
The process exits with an error if the provider cannot be initialized.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := getPIDFilePath(cfg)
	if isRunning(pidFile) {
		return fmt.Errorf("ranyadesk is already running (PID file: %s)", pidFile)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.WithLogger(log), app.WithConfigLoader(loader))
	if err != nil {
		return err
	}
	defer a.Close()

	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer os.Remove(pidFile)

	zl := log.Zerolog()
	zl.Info().Str("addr", cfg.Gateway.Addr()).Str("version", app.Version).Msg("ranyadesk serving")

	if err := a.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	zl.Info().Msg("ranyadesk stopped")
	return nil
}

func isRunning(pidFile string) bool {
	pid, err := readPID(pidFile)
	if err != nil {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// FindProcess always succeeds on Unix, signal 0 probes for existence
	return process.Signal(syscall.Signal(0)) == nil
}
