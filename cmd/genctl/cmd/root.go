package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "genctl",
	Short: "genctl drives the media generation pipeline API",
	Long: `genctl is the command-line interface for the media generation pipeline.

Common workflows:

  Enqueue a generation request:
    genctl enqueue --key scene1-abc --mode text-to-image --prompt "a lighthouse at night"

  Trigger a consumer pass, or drain the queue:
    genctl pass
    genctl pass --drain --max-wall-clock 120s

  Inspect a job by id or idempotency key:
    genctl status 3f1c...
    genctl status --key scene1-abc

  List dead-lettered messages:
    genctl dlq

Configuration:
  GENCTL_URL        API endpoint (default: http://localhost:8080)
  GENCTL_CLIENT_ID  client id sent as X-Client-ID for rate limiting`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.SetConfigName(".genctl")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("GENCTL")
	viper.AutomaticEnv()

	_ = viper.ReadInConfig()
}

func newClient() *Client {
	return NewClient(viper.GetString("url"), viper.GetString("client_id"))
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.genctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:8080", "pipeline API URL")
	_ = viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().String("client-id", "genctl", "client id used for enqueue rate limiting")
	_ = viper.BindPFlag("client_id", rootCmd.PersistentFlags().Lookup("client-id"))
}
