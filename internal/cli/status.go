package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/ranyadesk/pkg/gateway"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backend status",
	Long:  `Show whether the backend is running and, through the gateway, what the agent is doing.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	pidFile := getPIDFilePath(cfg)

	if !isRunning(pidFile) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	pid, err := readPID(pidFile)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	if !cfg.Gateway.Enabled {
		return nil
	}
	var status gateway.StatusResult
	client := gateway.NewHTTPClient(cfg.Gateway.Addr(), cfg.Gateway.SharedSecret)
	if err := client.Call(cmd.Context(), gateway.MethodStatus, nil, &status); err != nil {
		fmt.Fprintf(out, "Gateway: %v\n", err)
		return nil
	}
	fmt.Fprintf(out, "Gateway: %s\n", cfg.Gateway.Addr())
	fmt.Fprintf(out, "Agent busy: %t\n", status.AgentBusy)
	fmt.Fprintf(out, "Pending replies: %d\n", status.PendingReply)
	fmt.Fprintf(out, "Clients: %d\n", status.Clients)
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
