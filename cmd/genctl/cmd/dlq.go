package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List dead-lettered messages",
	Long:  `List messages the queue gave up on after too many deliveries. Their jobs are marked failed on the next pass.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		items, err := newClient().DeadLetters(limit)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			cmd.Println("No dead-lettered messages.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "MESSAGE ID\tDELIVERIES\tENQUEUED\tPAYLOAD")
		for _, m := range items {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", m.ID, m.ReadCount, m.EnqueuedAt.Format(time.RFC3339), truncate(string(m.Payload), 60))
		}
		return w.Flush()
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	dlqCmd.Flags().Int("limit", 50, "maximum messages to list")
	rootCmd.AddCommand(dlqCmd)
}
