package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/edp/internal/ingest"
)

var replayCmd = &cobra.Command{
	Use:   "replay <destination-id>",
	Short: "Re-enter stored events into the pipeline",
	Long: `Replay events of a destination, optionally filtered by status and time range.
Events currently being processed are skipped. Without --since the last 24 hours are replayed.

Examples:
  edpctl replay 7f1c0b9e-3c2a-4d8e-9a51-0f5b7f6c1e11 --status permanently_failed
  edpctl replay 7f1c0b9e-3c2a-4d8e-9a51-0f5b7f6c1e11 --since 2025-01-01T00:00:00Z --until 2025-01-02T00:00:00Z`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		destID, err := parseID("destination", args[0])
		if err != nil {
			return err
		}
		status, _ := cmd.Flags().GetString("status")
		sinceStr, _ := cmd.Flags().GetString("since")
		untilStr, _ := cmd.Flags().GetString("until")

		since, err := parseTimestamp(sinceStr)
		if err != nil {
			return fmt.Errorf("invalid since: %w", err)
		}
		until, err := parseTimestamp(untilStr)
		if err != nil {
			return fmt.Errorf("invalid until: %w", err)
		}

		in := ingest.ReplayInput{DestinationID: destID, Status: status, Until: until}
		if since != nil {
			in.Since = *since
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		return withBackend(ctx, func(b *backend) error {
			start := time.Now()
			n, err := b.svc.Replay(ctx, in)
			if err != nil {
				return fmt.Errorf("replay failed after %d events: %w", n, err)
			}
			if outputJSON {
				printOutput(cmd.OutOrStdout(), map[string]any{"replayed": n})
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d events in %s\n", n, time.Since(start).Round(time.Millisecond))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().String("status", "", "only replay events in this status")
	replayCmd.Flags().String("since", "", "start time (RFC3339)")
	replayCmd.Flags().String("until", "", "end time (RFC3339)")
}
