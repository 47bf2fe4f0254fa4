package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dispatchd",
	Short: "Roadside assistance order dispatch service",
	Long: `dispatchd runs the roadside order lifecycle: it accepts orders,
searches for nearby executors, pushes offers, tracks every order through
its statuses and enforces per-status time budgets.

Configuration is read from roadside.yaml (optional), a .env file (optional)
and ROADSIDE_* environment variables.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}
