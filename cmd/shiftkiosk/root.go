package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "shiftkiosk",
	Short: "shiftkiosk - shift-aware kiosk supervisor for clinical workstations",
	Long: `shiftkiosk keeps the clinical application on shared hospital workstations
in step with the nursing shift schedule. It swaps unit sessions when a shift
changes, restarts the kiosk at the end of each shift after warning the user,
and recovers the sessions that were open when it went down.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to server command when no subcommand is provided
		return runServer(cmd, args)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/shiftkiosk/config.yaml", "Path to configuration file")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
