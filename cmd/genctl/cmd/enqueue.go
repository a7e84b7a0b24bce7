package cmd

import (
	"github.com/spf13/cobra"

	"media-pipeline/internal/models"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a generation request",
	Long: `Submit a generation request. Resubmitting an idempotency key returns the
existing job instead of creating another one.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		p := models.Payload{}
		p.IdempotencyKey, _ = flags.GetString("key")
		mode, _ := flags.GetString("mode")
		p.Mode = models.Mode(mode)
		p.Prompt, _ = flags.GetString("prompt")
		p.SceneID, _ = flags.GetString("scene")
		p.CharacterID, _ = flags.GetString("character")
		p.ReferenceMediaRef, _ = flags.GetString("reference")
		p.RequestedModelHint, _ = flags.GetString("model-hint")

		res, err := newClient().Enqueue(p)
		if err != nil {
			return err
		}
		if res.Idempotent {
			cmd.Printf("Job %s already exists for key %s (%s)\n", res.Job.ID, res.Job.IdempotencyKey, res.Job.State)
			return nil
		}
		cmd.Printf("Enqueued job %s (message %s)\n", res.Job.ID, res.MessageID)
		return nil
	},
}

func init() {
	f := enqueueCmd.Flags()
	f.String("key", "", "idempotency key (required)")
	f.String("mode", string(models.ModeTextToImage), "text-to-image, image-to-image, text-to-video or image-to-video")
	f.String("prompt", "", "generation prompt")
	f.String("scene", "", "storyboard scene id")
	f.String("character", "", "storyboard character id")
	f.String("reference", "", "reference media URL for image-to-* modes")
	f.String("model-hint", "", "model to try first")
	_ = enqueueCmd.MarkFlagRequired("key")
	rootCmd.AddCommand(enqueueCmd)
}
