package bot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trialflow/trialflow/internal/experiment"
	"github.com/trialflow/trialflow/internal/infra/sqlite"
)

func newExperiment(t *testing.T, path string) *experiment.Experiment {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	d, err := experiment.LoadDefinition(path)
	require.NoError(t, err)
	exp, err := d.Build(db, nil, nil)
	require.NoError(t, err)
	require.NoError(t, exp.Deploy(context.Background()))
	return exp
}

func TestRun_Demo(t *testing.T) {
	exp := newExperiment(t, "../experiment/testdata/demo.yaml")
	cfg := DefaultConfig()
	cfg.Count = 12

	results, err := Run(context.Background(), exp, cfg, nil)
	require.NoError(t, err)
	require.Len(t, results, 12)

	complete := 0
	for _, r := range results {
		assert.NotZero(t, r.ParticipantID)
		if r.Complete {
			complete++
			assert.InDelta(t, 1.0, r.Progress, 1e-9, r.WorkerID)
			assert.GreaterOrEqual(t, r.Pages, 2+9+1, r.WorkerID)
			continue
		}
		assert.True(t, r.Failed)
		assert.Equal(t, "no_consent", r.FailedReason, r.WorkerID)
	}

	st, err := exp.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, complete, st.Participants.Complete)
	assert.Equal(t, 12-complete, st.Participants.Failed)
	require.Len(t, st.TrialMakers, 1)
	assert.Equal(t, complete, st.TrialMakers[0].CompletedParticipants)
	assert.Equal(t, 6*complete, st.TrialMakers[0].CompletedTrials)
}

func TestRun_SameSeedSameChoices(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Count = 6
	cfg.Seed = 42

	outcomes := func() []bool {
		exp := newExperiment(t, "../experiment/testdata/demo.yaml")
		results, err := Run(context.Background(), exp, cfg, nil)
		require.NoError(t, err)
		out := make([]bool, len(results))
		for i, r := range results {
			out[i] = r.Complete
		}
		return out
	}
	assert.Equal(t, outcomes(), outcomes())
}

func TestRun_Chain(t *testing.T) {
	exp := newExperiment(t, "../experiment/testdata/chain.yaml")
	cfg := DefaultConfig()
	cfg.Count = 3
	cfg.Concurrency = 1

	results, err := Run(context.Background(), exp, cfg, nil)
	require.NoError(t, err)
	for _, r := range results {
		assert.True(t, r.Complete, r.WorkerID)
		assert.Equal(t, 3, r.Pages, "instructions plus two trials")
	}

	nets, err := exp.Networks(context.Background(), "numbers")
	require.NoError(t, err)
	require.Len(t, nets, 2)
	total := 0
	for _, n := range nets {
		total += n.NumCompletedTrials
	}
	assert.Equal(t, 6, total)
}

func TestRun_CancelledContext(t *testing.T) {
	exp := newExperiment(t, "../experiment/testdata/demo.yaml")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, exp, DefaultConfig(), nil)
	assert.Error(t, err)
}
