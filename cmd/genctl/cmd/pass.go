package cmd

import (
	"github.com/spf13/cobra"
)

var passCmd = &cobra.Command{
	Use:   "pass",
	Short: "Run a consumer pass",
	Long: `Trigger one bounded consumer pass on the API, or with --drain keep running
passes until the queue is empty or the wall clock is spent.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		drain, _ := cmd.Flags().GetBool("drain")
		maxMessages, _ := cmd.Flags().GetInt("max-messages")
		maxWallClock, _ := cmd.Flags().GetDuration("max-wall-clock")

		res, err := newClient().RunPass(drain, maxMessages, maxWallClock)
		if err != nil {
			return err
		}
		s := res.PassSummary
		cmd.Printf("passes=%d processed=%d succeeded=%d failed=%d skipped=%d retried=%d deferred=%d abandoned=%d dead_lettered=%d\n",
			s.Passes, s.Processed, s.Succeeded, s.Failed, s.SkippedDuplicate, s.Retried, s.Deferred, s.Abandoned, s.DeadLettered)
		return nil
	},
}

func init() {
	passCmd.Flags().Bool("drain", false, "run passes until the queue is empty")
	passCmd.Flags().Int("max-messages", 0, "messages per pass (server default when 0)")
	passCmd.Flags().Duration("max-wall-clock", 0, "wall-clock budget (server default when 0)")
	rootCmd.AddCommand(passCmd)
}
