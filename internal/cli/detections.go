package cli

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	v1 "github.com/kandev/vigil/pkg/api/v1"
)

type detectionsListResponse struct {
	Detections []v1.Detection `json:"detections"`
	Total      int            `json:"total"`
	Capacity   int            `json:"capacity"`
}

// NewDetectionsCmd creates the detections command group.
func NewDetectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detections",
		Short: "Read and clear the detection log",
	}
	cmd.AddCommand(newDetectionsListCmd(), newDetectionsRemoveCmd(), newDetectionsClearCmd())
	return cmd
}

func newDetectionsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List detections, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			query := url.Values{}
			if agentID, _ := cmd.Flags().GetString("agent"); agentID != "" {
				query.Set("agent_id", agentID)
			}
			if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}

			var resp detectionsListResponse
			if err := client.Get(cmd.Context(), "/detections", query, &resp); err != nil {
				return writeCommandError(cmd, err)
			}
			if jsonMode(cmd) {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			if len(resp.Detections) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No detections")
				return nil
			}

			tw := newTable(cmd.OutOrStdout(), "WHEN", "AGENT", "TIME", "TEXT")
			for _, d := range resp.Detections {
				fmt.Fprintf(tw, "%s\t%s\t%dms\t%s\n",
					formatAge(d.CreatedAt),
					truncate(d.AgentLabel, 20),
					d.ProcessingTimeMs,
					renderDetection(d))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().String("agent", "", "only show detections of this agent")
	cmd.Flags().Int("limit", 20, "maximum number of detections")
	return cmd
}

func newDetectionsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Remove one detection",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			if err := client.Delete(cmd.Context(), "/detections/"+url.PathEscape(args[0])); err != nil {
				return writeCommandError(cmd, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed detection %s\n", args[0])
			return nil
		},
	}
}

func newDetectionsClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every detection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			if err := client.Delete(cmd.Context(), "/detections"); err != nil {
				return writeCommandError(cmd, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Detection log cleared")
			return nil
		},
	}
}
