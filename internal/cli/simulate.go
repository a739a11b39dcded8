package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/trialflow/trialflow/internal/bot"
)

func init() {
	simulateCmd.Flags().IntVar(&simBots, "bots", 10, "Number of simulated participants")
	simulateCmd.Flags().IntVar(&simConcurrency, "concurrency", 4, "Bots running at once")
	simulateCmd.Flags().Uint64Var(&simSeed, "seed", 1, "Random seed for bot answers")
	rootCmd.AddCommand(simulateCmd)
}

var (
	simBots        int
	simConcurrency int
	simSeed        uint64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate [definition.yaml]",
	Short: "Run bots through an experiment on a scratch database",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSimulate,
}

func runSimulate(cmd *cobra.Command, args []string) error {
	path := definitionPath
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Experiment.Definition
	}

	exp, cleanup, err := scratchExperiment(path)
	if err != nil {
		return err
	}
	defer cleanup()

	cfg := bot.DefaultConfig()
	cfg.Count = simBots
	cfg.Concurrency = simConcurrency
	cfg.Seed = simSeed

	ctx := context.Background()
	results, err := bot.Run(ctx, exp, cfg, nil)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WORKER\tPAGES\tRETRIES\tOUTCOME\tBONUS")
	for _, r := range results {
		outcome := "complete"
		if r.Failed {
			outcome = "failed: " + r.FailedReason
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%.2f\n", r.WorkerID, r.Pages, r.Retries, outcome, r.Bonus)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	st, err := exp.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return writeYAML(cmd.OutOrStdout(), st)
}
