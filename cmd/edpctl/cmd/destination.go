package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/austindbirch/edp/internal/ingest"
	"github.com/austindbirch/edp/internal/model"
)

var destinationCmd = &cobra.Command{
	Use:     "destination",
	Aliases: []string{"dest", "destinations"},
	Short:   "Manage delivery destinations",
	Long:    `Create, inspect and list the HTTP endpoints events are delivered to.`,
}

var createDestinationCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a new destination",
	Long: `Register a new destination. A signing secret is generated when none is given.

Example:
  edpctl destination create --name orders --url https://example.com/hook --rps 5 --header X-Tenant=acme`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		url, _ := cmd.Flags().GetString("url")
		method, _ := cmd.Flags().GetString("method")
		secret, _ := cmd.Flags().GetString("secret")
		rps, _ := cmd.Flags().GetInt("rps")
		pairs, _ := cmd.Flags().GetStringArray("header")

		headers, err := parseHeaders(pairs)
		if err != nil {
			return err
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		return withBackend(ctx, func(b *backend) error {
			in := ingest.CreateDestinationInput{
				Name:          name,
				URL:           url,
				HTTPMethod:    method,
				Headers:       headers,
				SigningSecret: secret,
			}
			if cmd.Flags().Changed("rps") {
				in.RateLimitRPS = &rps
			}
			dest, err := b.svc.CreateDestination(ctx, in)
			if err != nil {
				return fmt.Errorf("failed to create destination: %w", err)
			}

			if outputJSON {
				printOutput(cmd.OutOrStdout(), dest)
				return nil
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Destination created successfully!")
			printDestination(cmd, dest)
			fmt.Fprintf(out, "Signing Secret: %s\n", dest.SigningSecret)
			fmt.Fprintln(out, "\nStore the signing secret now; receivers verify deliveries with it.")
			return nil
		})
	},
}

var getDestinationCmd = &cobra.Command{
	Use:   "get <destination-id>",
	Short: "Show a destination",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("destination", args[0])
		if err != nil {
			return err
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		return withBackend(ctx, func(b *backend) error {
			dest, err := b.svc.GetDestination(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to get destination: %w", err)
			}
			if outputJSON {
				printOutput(cmd.OutOrStdout(), dest)
				return nil
			}
			printDestination(cmd, dest)
			return nil
		})
	},
}

var listDestinationsCmd = &cobra.Command{
	Use:   "list",
	Short: "List destinations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		return withBackend(ctx, func(b *backend) error {
			dests, err := b.svc.ListDestinations(ctx)
			if err != nil {
				return fmt.Errorf("failed to list destinations: %w", err)
			}
			if outputJSON {
				printOutput(cmd.OutOrStdout(), dests)
				return nil
			}

			out := cmd.OutOrStdout()
			if len(dests) == 0 {
				fmt.Fprintln(out, "No destinations registered.")
				return nil
			}
			fmt.Fprintf(out, "%-36s  %-20s  %-6s  %-5s  %s\n", "ID", "NAME", "METHOD", "RPS", "URL")
			for _, d := range dests {
				fmt.Fprintf(out, "%-36s  %-20s  %-6s  %-5d  %s\n", d.ID, truncate(d.Name, 20), d.Method(), d.RateLimitRPS, d.URL)
			}
			return nil
		})
	},
}

func printDestination(cmd *cobra.Command, d *model.Destination) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Destination ID: %s\n", d.ID)
	fmt.Fprintf(out, "Name: %s\n", d.Name)
	fmt.Fprintf(out, "URL: %s %s\n", d.Method(), d.URL)
	fmt.Fprintf(out, "Rate Limit: %d req/s\n", d.RateLimitRPS)
	if len(d.Headers) > 0 {
		keys := make([]string, 0, len(d.Headers))
		for k := range d.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(out, "Headers:")
		for _, k := range keys {
			fmt.Fprintf(out, "  %s: %s\n", k, d.Headers[k])
		}
	}
	fmt.Fprintf(out, "Created: %s\n", formatTime(d.CreatedAt))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n-3]) + "..."
}

func init() {
	rootCmd.AddCommand(destinationCmd)
	destinationCmd.AddCommand(createDestinationCmd)
	destinationCmd.AddCommand(getDestinationCmd)
	destinationCmd.AddCommand(listDestinationsCmd)

	createDestinationCmd.Flags().String("name", "", "destination name (required)")
	createDestinationCmd.Flags().String("url", "", "endpoint URL (required)")
	createDestinationCmd.Flags().String("method", "POST", "HTTP method")
	createDestinationCmd.Flags().StringArray("header", nil, "custom header as Key=Value (repeatable)")
	createDestinationCmd.Flags().String("secret", "", "signing secret (generated when empty)")
	createDestinationCmd.Flags().Int("rps", 0, "max deliveries per second, 0 for unlimited (default 10)")
	_ = createDestinationCmd.MarkFlagRequired("name")
	_ = createDestinationCmd.MarkFlagRequired("url")
}
