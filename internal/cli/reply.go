package cli

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harun/ranyadesk/pkg/agent"
	"github.com/harun/ranyadesk/pkg/bridge"
	"github.com/harun/ranyadesk/pkg/conversation"
)

var (
	replySession  string
	replyMaxTurns int
)

var replyCmd = &cobra.Command{
	Use:   "reply <text>",
	Short: "Send a message to the agent and print its events as JSON lines",
	Long: `Send a user message to the agent within a session. Each agent event is printed
as one JSON object per line: {"channel": "agent-event"|"agent-error", "payload": ...}.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runReply,
}

func init() {
	replyCmd.Flags().StringVar(&replySession, "session", "", "session id")
	replyCmd.Flags().IntVar(&replyMaxTurns, "max-turns", 0, "maximum agent turns (0 uses the default)")
	_ = replyCmd.MarkFlagRequired("session")
	rootCmd.AddCommand(replyCmd)
}

// jsonLineSink writes one JSON object per notification
type jsonLineSink struct {
	enc *json.Encoder
}

func (s jsonLineSink) Emit(channel string, payload interface{}) error {
	return s.enc.Encode(map[string]interface{}{"channel": channel, "payload": payload})
}

func runReply(cmd *cobra.Command, args []string) error {
	a, log, err := openLocal(cmd.Context())
	if err != nil {
		return err
	}
	defer log.Close()
	defer a.Close()

	msg := conversation.NewUserMessage(strings.Join(args, " "))
	cfg := agent.SessionConfig{ID: replySession, MaxTurns: replyMaxTurns}
	var sink bridge.Sink = jsonLineSink{enc: json.NewEncoder(cmd.OutOrStdout())}

	return a.Bridge().AgentReply(cmd.Context(), msg, cfg, sink)
}
