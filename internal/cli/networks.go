package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/trialflow/trialflow/internal/daemon"
)

func init() {
	networksCmd.Flags().StringVar(&networksTrialMaker, "trial-maker", "", "Only list this trial maker's networks")
	rootCmd.AddCommand(networksCmd)
}

var networksTrialMaker string

var networksCmd = &cobra.Command{
	Use:     "networks",
	Aliases: []string{"nets"},
	Short:   "List the deployed experiment's networks",
	RunE:    runNetworks,
}

func runNetworks(cmd *cobra.Command, args []string) error {
	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	nets, err := d.Experiment.Networks(context.Background(), networksTrialMaker)
	if err != nil {
		return err
	}
	if len(nets) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No networks deployed.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTRIAL MAKER\tTYPE\tGROUP\tBLOCK\tNODES\tTRIALS\tSTATE")
	for _, n := range nets {
		state := "open"
		switch {
		case n.Failed:
			state = "failed"
		case n.Full:
			state = "full"
		case n.AwaitingAsyncProcess:
			state = "awaiting"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			n.ID, n.TrialMakerID, n.ChainType, n.ParticipantGroup, n.Block,
			n.NumNodes, n.NumCompletedTrials, state)
	}
	return w.Flush()
}

// openDaemon builds the configured daemon without serving it.
func openDaemon() (*daemon.Daemon, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, _, err := newLogger(cfg, false)
	if err != nil {
		return nil, err
	}
	return daemon.NewWithConfig(cfg, logger)
}
