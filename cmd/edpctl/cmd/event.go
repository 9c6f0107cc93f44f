package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/austindbirch/edp/internal/ingest"
)

var eventCmd = &cobra.Command{
	Use:     "event",
	Aliases: []string{"events"},
	Short:   "Send and inspect events",
	Long:    `Send events to a destination and inspect their status and delivery attempts.`,
}

var sendEventCmd = &cobra.Command{
	Use:   "send <destination-id> [payload]",
	Short: "Send an event to a destination",
	Long: `Send an event to a destination. The payload is read from stdin when omitted or "-".

Examples:
  edpctl event send 7f1c0b9e-3c2a-4d8e-9a51-0f5b7f6c1e11 '{"order":42}'
  edpctl event send 7f1c0b9e-3c2a-4d8e-9a51-0f5b7f6c1e11 '{"order":42}' --idempotency-key order-42
  cat payload.json | edpctl event send 7f1c0b9e-3c2a-4d8e-9a51-0f5b7f6c1e11`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		destID, err := parseID("destination", args[0])
		if err != nil {
			return err
		}
		key, _ := cmd.Flags().GetString("idempotency-key")
		raw, _ := cmd.Flags().GetBool("raw")

		var payload string
		if len(args) == 2 && args[1] != "-" {
			payload = args[1]
		} else {
			b, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("failed to read payload: %w", err)
			}
			payload = string(b)
		}
		if !raw && !json.Valid([]byte(payload)) {
			return fmt.Errorf("payload is not valid JSON (use --raw to send it anyway)")
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		return withBackend(ctx, func(b *backend) error {
			evt, dup, err := b.svc.ReceiveEvent(ctx, ingest.ReceiveEventInput{
				DestinationID:  destID,
				Payload:        payload,
				IdempotencyKey: key,
			})
			if err != nil {
				return fmt.Errorf("failed to send event: %w", err)
			}

			if outputJSON {
				printOutput(cmd.OutOrStdout(), map[string]any{"event": evt, "duplicate": dup})
				return nil
			}
			out := cmd.OutOrStdout()
			if dup {
				fmt.Fprintln(out, "Duplicate submission, existing event returned.")
			} else {
				fmt.Fprintln(out, "Event accepted!")
			}
			fmt.Fprintf(out, "Event ID: %s\n", evt.ID)
			fmt.Fprintf(out, "Status: %s\n", evt.Status)
			return nil
		})
	},
}

var getEventCmd = &cobra.Command{
	Use:   "get <event-id>",
	Short: "Show an event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("event", args[0])
		if err != nil {
			return err
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		return withBackend(ctx, func(b *backend) error {
			evt, err := b.svc.GetEvent(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to get event: %w", err)
			}
			if outputJSON {
				printOutput(cmd.OutOrStdout(), evt)
				return nil
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Event ID: %s\n", evt.ID)
			fmt.Fprintf(out, "Destination ID: %s\n", evt.DestinationID)
			fmt.Fprintf(out, "Status: %s\n", evt.Status)
			if evt.IdempotencyKey != "" {
				fmt.Fprintf(out, "Idempotency Key: %s\n", evt.IdempotencyKey)
			}
			fmt.Fprintf(out, "Created: %s\n", formatTime(evt.CreatedAt))
			fmt.Fprintf(out, "Updated: %s\n", formatTime(evt.UpdatedAt))
			fmt.Fprintf(out, "Payload: %s\n", evt.Payload)
			return nil
		})
	},
}

var eventAttemptsCmd = &cobra.Command{
	Use:   "attempts <event-id>",
	Short: "List delivery attempts for an event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("event", args[0])
		if err != nil {
			return err
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		return withBackend(ctx, func(b *backend) error {
			attempts, err := b.svc.ListAttempts(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to list attempts: %w", err)
			}
			if outputJSON {
				printOutput(cmd.OutOrStdout(), attempts)
				return nil
			}

			out := cmd.OutOrStdout()
			if len(attempts) == 0 {
				fmt.Fprintln(out, "No delivery attempts yet.")
				return nil
			}
			fmt.Fprintf(out, "Delivery attempts for event %s:\n\n", id)
			for i, a := range attempts {
				result := "FAILED"
				if a.Success {
					result = "OK"
				}
				fmt.Fprintf(out, "%d. %s  %-6s  code=%d  %dms\n", i+1, formatTime(a.AttemptedAt), result, a.ResponseCode, a.DurationMs)
				if a.ResponseBody != "" {
					fmt.Fprintf(out, "   %s\n", truncate(a.ResponseBody, 120))
				}
			}
			return nil
		})
	},
}

var listEventsCmd = &cobra.Command{
	Use:   "list",
	Short: "List events by status",
	Long: `List events in a given status, newest first.

Example:
  edpctl event list --status permanently_failed --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limitStr, _ := cmd.Flags().GetString("limit")
		limit, err := parseLimit(limitStr)
		if err != nil {
			return fmt.Errorf("invalid limit: %w", err)
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		return withBackend(ctx, func(b *backend) error {
			events, err := b.svc.ListEventsByStatus(ctx, status, limit)
			if err != nil {
				return fmt.Errorf("failed to list events: %w", err)
			}
			if outputJSON {
				printOutput(cmd.OutOrStdout(), events)
				return nil
			}

			out := cmd.OutOrStdout()
			if len(events) == 0 {
				fmt.Fprintf(out, "No %s events.\n", status)
				return nil
			}
			fmt.Fprintf(out, "%-36s  %-36s  %-18s  %s\n", "ID", "DESTINATION", "STATUS", "UPDATED")
			for _, e := range events {
				fmt.Fprintf(out, "%-36s  %-36s  %-18s  %s\n", e.ID, e.DestinationID, e.Status, formatTime(e.UpdatedAt))
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(sendEventCmd)
	eventCmd.AddCommand(getEventCmd)
	eventCmd.AddCommand(eventAttemptsCmd)
	eventCmd.AddCommand(listEventsCmd)

	sendEventCmd.Flags().String("idempotency-key", "", "deduplicate resubmissions with this key")
	sendEventCmd.Flags().Bool("raw", false, "send a payload that is not JSON")

	listEventsCmd.Flags().String("status", "", "event status (required)")
	listEventsCmd.Flags().String("limit", "", "maximum number of events")
	_ = listEventsCmd.MarkFlagRequired("status")
}
