package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/ranyadesk/pkg/session"
)

var (
	sessionDir  string
	sessionName string
	sessionType string
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session and print it as JSON",
	RunE:  runSessionCreate,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runSessionList,
}

func init() {
	sessionCreateCmd.Flags().StringVar(&sessionDir, "dir", ".", "working directory of the session")
	sessionCreateCmd.Flags().StringVar(&sessionName, "name", "", "session name")
	sessionCreateCmd.Flags().StringVar(&sessionType, "type", string(session.TypeUser), "session type (user, scheduled, sub_agent, hidden, terminal)")
	_ = sessionCreateCmd.MarkFlagRequired("name")

	sessionCmd.AddCommand(sessionCreateCmd, sessionListCmd)
	rootCmd.AddCommand(sessionCmd)
}

func runSessionCreate(cmd *cobra.Command, args []string) error {
	a, log, err := openLocal(cmd.Context())
	if err != nil {
		return err
	}
	defer log.Close()
	defer a.Close()

	// the type is passed through unchecked so the session manager's message reaches the user
	sess, err := a.Bridge().CreateSession(cmd.Context(), sessionDir, sessionName, session.SessionType(sessionType))
	if err != nil {
		return err
	}
	return printJSON(cmd, sess)
}

func runSessionList(cmd *cobra.Command, args []string) error {
	a, log, err := openLocal(cmd.Context())
	if err != nil {
		return err
	}
	defer log.Close()
	defer a.Close()

	sessions, err := a.Sessions().ListSessions(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, s := range sessions {
		fmt.Fprintf(out, "%s\t%s\t%s\t%d messages\t%s\n", s.ID, s.SessionType, s.Name, s.MessageCount, s.WorkingDir)
	}
	return nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
