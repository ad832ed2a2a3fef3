package cli

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

type streamMessage struct {
	Type    string          `json:"type"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

type streamEvent struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// NewEventsCmd creates the events command, which follows the server's event stream.
func NewEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow live events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			agentIDs, _ := cmd.Flags().GetStringSlice("agent")
			count, _ := cmd.Flags().GetInt("count")

			conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), client.StreamURL(agentIDs), nil)
			if err != nil {
				return writeCommandError(cmd, fmt.Errorf("connect event stream: %w", err))
			}
			defer func() { _ = conn.Close() }()

			done := make(chan struct{})
			defer close(done)
			go func() {
				select {
				case <-cmd.Context().Done():
					_ = conn.Close()
				case <-done:
				}
			}()

			seen := 0
			for count <= 0 || seen < count {
				_, data, err := conn.ReadMessage()
				if err != nil {
					if cmd.Context().Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
						return nil
					}
					return writeCommandError(cmd, err)
				}
				var msg streamMessage
				if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "notification" {
					continue
				}
				seen++
				if jsonMode(cmd) {
					fmt.Fprintln(cmd.OutOrStdout(), string(msg.Payload))
					continue
				}
				var event streamEvent
				if err := json.Unmarshal(msg.Payload, &event); err != nil {
					continue
				}
				agentID, _ := event.Data["agent_id"].(string)
				if agentID == "" {
					agentID = "-"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", headerStyle.Render(event.Type), agentID)
			}
			return nil
		},
	}
	cmd.Flags().StringSlice("agent", nil, "only follow these agents")
	cmd.Flags().Int("count", 0, "exit after this many events (0 follows forever)")
	return cmd
}
