// Package cli implements the trialflow command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath     string
	definitionPath string
	logLevel       string
)

var rootCmd = &cobra.Command{
	Use:   "trialflow",
	Short: "Run behavioural experiments",
	Long: `trialflow serves timeline-based behavioural experiments.
Participants move through pages, trial makers allocate stimuli and
network nodes to them, and every response is stored in SQLite.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $TRIALFLOW_HOME/config.toml)")
	rootCmd.PersistentFlags().StringVar(&definitionPath, "definition", "", "Experiment definition YAML (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides config)")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
