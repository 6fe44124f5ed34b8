// Package cmd is the command tree of the call agent: the local service that
// drives consultation calls on a patient or clinician machine.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"telecare-backend/pkg/config"
	"telecare-backend/pkg/logger"
)

var flagLogLevel string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "call-agent",
	Short: "Local agent that joins consultation calls and manages capture devices",
	Long: `call-agent fetches call credentials from the video service, joins the
signaling server and owns the camera, microphone and screen capture of this
machine for the duration of a consultation.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return logger.Init(&logger.Config{
			Level:    cfg.Log.Level,
			Format:   cfg.Log.Format,
			Output:   cfg.Log.Output,
			FilePath: cfg.Log.FilePath,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(selftestCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	return cfg, nil
}
