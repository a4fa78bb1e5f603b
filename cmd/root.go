package cmd

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "dispatch-service",
	Short: "Order dispatch coordination service",
	Long: `Coordinates order confirmations into dispatches, serves the admin
order meta overlay and watches the account audit trail for alerting.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".", "path to the config directory")
}
