package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/trialflow/trialflow/internal/daemon"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the experiment server",
	Long: `Deploy the configured experiment and serve it over HTTP.
The timeout sweep, health checks and recruitment loop run alongside.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.API.Host = serveHost
	}
	if servePort > 0 {
		cfg.API.Port = servePort
	}

	logger, closer, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer closer.Close()

	d, err := daemon.NewWithConfig(cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Serve(context.Background())
}
