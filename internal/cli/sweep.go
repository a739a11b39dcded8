package cli

import (
	"context"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(statusCmd)
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Fail timed-out trials and async processes once",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		res, err := d.Sweeper.RunOnce(context.Background())
		if err != nil {
			return err
		}
		return writeYAML(cmd.OutOrStdout(), res)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show participant counts and trial maker progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		st, err := d.Experiment.Status(context.Background())
		if err != nil {
			return err
		}
		return writeYAML(cmd.OutOrStdout(), st)
	},
}
