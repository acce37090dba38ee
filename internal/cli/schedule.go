package cli

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/ranyadesk/pkg/schedule"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Inspect and trigger scheduled prompts",
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured schedules with their next run",
	RunE:  runScheduleList,
}

var scheduleRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Run a configured schedule now",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleRun,
}

func init() {
	scheduleCmd.AddCommand(scheduleListCmd, scheduleRunCmd)
	rootCmd.AddCommand(scheduleCmd)
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	// listing only needs the parser, so no runner is attached
	s := schedule.New(nil, zerolog.Nop())
	for _, job := range cfg.Schedules {
		if err := s.Add(job); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	jobs := s.Jobs()
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No schedules configured")
		return nil
	}
	for _, job := range jobs {
		fmt.Fprintf(out, "%s\t%s\tnext %s\t%s\n", job.ID, job.Cron, job.Next.Format(time.RFC3339), job.WorkingDir)
	}
	return nil
}

func runScheduleRun(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	var job *schedule.Job
	for i := range cfg.Schedules {
		if cfg.Schedules[i].ID == args[0] {
			job = &cfg.Schedules[i]
			break
		}
	}
	if job == nil {
		return fmt.Errorf("schedule not found: %s", args[0])
	}

	a, log, err := openLocal(cmd.Context())
	if err != nil {
		return err
	}
	defer log.Close()
	defer a.Close()

	if err := a.Scheduler().Add(*job); err != nil {
		return err
	}
	if err := a.Scheduler().RunNow(cmd.Context(), job.ID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Schedule %s finished\n", job.ID)
	return nil
}
