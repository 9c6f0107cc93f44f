package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check connectivity to the pipeline's dependencies",
	Long:  `Ping the store, the idempotency cache and nsqd, reporting each result.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		return withBackend(ctx, func(b *backend) error {
			results := make(map[string]string, len(b.checks))
			failed := 0
			for _, c := range b.checks {
				start := time.Now()
				if err := c.Pinger.Ping(ctx); err != nil {
					results[c.Name] = err.Error()
					failed++
					continue
				}
				results[c.Name] = fmt.Sprintf("ok (%s)", time.Since(start).Round(time.Microsecond))
			}

			if outputJSON {
				printOutput(cmd.OutOrStdout(), map[string]any{"ok": failed == 0, "checks": results})
			} else {
				out := cmd.OutOrStdout()
				for _, c := range b.checks {
					fmt.Fprintf(out, "%-8s %s\n", c.Name+":", results[c.Name])
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d checks failed", failed, len(b.checks))
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
