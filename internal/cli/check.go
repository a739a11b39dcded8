package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/trialflow/trialflow/internal/experiment"
	"github.com/trialflow/trialflow/internal/infra/sqlite"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check [definition.yaml]",
	Short: "Compile an experiment definition and print its estimates",
	Long: `Compile the experiment against a scratch database and report the
number of timeline elements, the maximum time credit and the maximum bonus.
Structural errors such as missing time estimates fail here.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
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

	st, err := exp.Status(context.Background())
	if err != nil {
		return err
	}
	return writeYAML(cmd.OutOrStdout(), map[string]any{
		"definition":   path,
		"id":           st.ID,
		"elements":     st.Elements,
		"max_time":     st.MaxTime,
		"max_bonus":    st.MaxBonus,
		"trial_makers": st.TrialMakers,
		"estimate":     exp.Program().Estimate().Summary(exp.Config().WagePerHour),
	})
}

// scratchExperiment builds and deploys the definition at path over a
// temporary database.
func scratchExperiment(path string) (*experiment.Experiment, func(), error) {
	def, err := experiment.LoadDefinition(path)
	if err != nil {
		return nil, nil, err
	}
	dir, err := os.MkdirTemp("", "trialflow-*")
	if err != nil {
		return nil, nil, err
	}
	db, err := sqlite.Open(dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, nil, err
	}
	cleanup := func() {
		db.Close()
		os.RemoveAll(dir)
	}

	cfg, err := loadConfig()
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	logger, _, err := newLogger(cfg, false)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	exp, err := def.Build(db, nil, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := exp.Deploy(context.Background()); err != nil {
		cleanup()
		return nil, nil, err
	}
	return exp, cleanup, nil
}
