package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"media-pipeline/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status [job_id]",
	Short: "Show a job and its provider attempts",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()
		var (
			job *models.Job
			err error
		)
		key, _ := cmd.Flags().GetString("key")
		switch {
		case len(args) == 1:
			job, err = client.GetJob(args[0])
		case key != "":
			job, err = client.FindJob(key)
		default:
			return errors.New("pass a job id or --key")
		}
		if err != nil {
			return err
		}
		printJob(cmd, job)
		return nil
	},
}

func printJob(cmd *cobra.Command, job *models.Job) {
	cmd.Printf("ID:          %s\n", job.ID)
	cmd.Printf("Key:         %s\n", job.IdempotencyKey)
	cmd.Printf("Mode:        %s\n", job.Mode)
	cmd.Printf("State:       %s\n", job.State)
	cmd.Printf("Chain runs:  %d\n", job.ChainRuns)
	if job.Result != nil {
		cmd.Printf("Result:      %s\n", *job.Result)
	}
	if job.LastError != nil {
		cmd.Printf("Last error:  %s\n", *job.LastError)
	}
	if len(job.Attempts) == 0 {
		return
	}

	cmd.Println()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tOUTCOME\tDURATION\tSTARTED\tDETAIL")
	for _, a := range job.Attempts {
		d := time.Duration(a.DurationMs) * time.Millisecond
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.Model, a.Outcome, d, a.StartedAt.Format(time.RFC3339), a.ErrorDetail)
	}
	_ = w.Flush()
}

func init() {
	statusCmd.Flags().String("key", "", "look the job up by idempotency key")
	rootCmd.AddCommand(statusCmd)
}
