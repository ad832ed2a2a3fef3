package cli

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	v1 "github.com/kandev/vigil/pkg/api/v1"
)

type agentsListResponse struct {
	Agents []v1.AgentView `json:"agents"`
	Total  int            `json:"total"`
}

// NewAgentsCmd creates the agents command group.
func NewAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "agents",
		Aliases: []string{"agent"},
		Short:   "Manage agents",
	}
	cmd.AddCommand(
		newAgentsListCmd(),
		newAgentsGetCmd(),
		newAgentsCreateCmd(),
		newAgentActionCmd("pause", "Pause an agent (waits for an in-flight run)"),
		newAgentActionCmd("resume", "Resume an agent once its backend instance is ready"),
		newAgentActionCmd("trigger", "Run an agent now, even while paused"),
		newAgentsRemoveCmd(),
	)
	return cmd
}

func newAgentsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			var resp agentsListResponse
			if err := client.Get(cmd.Context(), "/agents", nil, &resp); err != nil {
				return writeCommandError(cmd, err)
			}
			if jsonMode(cmd) {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			if len(resp.Agents) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No agents")
				return nil
			}

			tw := newTable(cmd.OutOrStdout(), "ID", "LABEL", "PHASE", "NEXT", "RUNS", "AVG", "LAST ERROR")
			for _, v := range resp.Agents {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%.0fms\t%s\n",
					v.Agent.ID,
					truncate(v.Agent.Label, 24),
					renderPhase(v.Phase),
					renderNext(v),
					v.State.Stats.TotalRuns,
					v.State.Stats.AvgLatencyMs,
					truncate(v.State.LastError, 40))
			}
			return tw.Flush()
		},
	}
}

func newAgentsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			var view v1.AgentView
			if err := client.Get(cmd.Context(), "/agents/"+url.PathEscape(args[0]), nil, &view); err != nil {
				return writeCommandError(cmd, err)
			}
			return writeJSON(cmd.OutOrStdout(), view)
		},
	}
}

func newAgentsCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <label>",
		Short: "Create an agent (it starts paused)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			body := map[string]interface{}{"label": args[0]}
			for _, name := range []string{"description", "system-prompt", "user-prompt", "mode", "device"} {
				if flags.Changed(name) {
					v, _ := flags.GetString(name)
					body[createFields[name]] = v
				}
			}
			for _, name := range []string{"interval", "max-length"} {
				if flags.Changed(name) {
					v, _ := flags.GetInt(name)
					body[createFields[name]] = v
				}
			}
			if flags.Changed("sampling") {
				v, _ := flags.GetBool("sampling")
				body["sampling_enabled"] = v
			}

			var view v1.AgentView
			if err := client.Post(cmd.Context(), "/agents", body, &view); err != nil {
				return writeCommandError(cmd, err)
			}
			if jsonMode(cmd) {
				return writeJSON(cmd.OutOrStdout(), view)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created agent %s (%s)\n", view.Agent.ID, view.Agent.Label)
			return nil
		},
	}
	cmd.Flags().String("description", "", "agent description")
	cmd.Flags().String("system-prompt", "", "system prompt sent at initialization")
	cmd.Flags().String("user-prompt", "", "prompt sent with every frame")
	cmd.Flags().String("mode", "", "capture mode: interval or manual")
	cmd.Flags().String("device", "", "compute device: cpu, cuda or auto")
	cmd.Flags().Int("interval", 0, "seconds between runs")
	cmd.Flags().Int("max-length", 0, "maximum response length in tokens")
	cmd.Flags().Bool("sampling", true, "enable sampling")
	return cmd
}

var createFields = map[string]string{
	"description":   "description",
	"system-prompt": "system_prompt",
	"user-prompt":   "user_prompt",
	"mode":          "capture_mode",
	"device":        "device",
	"interval":      "interval_seconds",
	"max-length":    "max_response_length",
}

func newAgentActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			for _, id := range args {
				var view v1.AgentView
				if err := client.Post(cmd.Context(), "/agents/"+url.PathEscape(id)+"/"+action, nil, &view); err != nil {
					return writeCommandError(cmd, fmt.Errorf("%s %s: %w", action, id, err))
				}
				if jsonMode(cmd) {
					if err := writeJSON(cmd.OutOrStdout(), view); err != nil {
						return err
					}
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, renderPhase(view.Phase))
			}
			return nil
		},
	}
}

func newAgentsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>...",
		Aliases: []string{"rm"},
		Short:   "Remove agents and shut down their backend instances",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := client.Delete(cmd.Context(), "/agents/"+url.PathEscape(id)); err != nil {
					return writeCommandError(cmd, fmt.Errorf("remove %s: %w", id, err))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", id)
			}
			return nil
		},
	}
}
