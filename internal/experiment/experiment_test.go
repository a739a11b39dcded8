package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trialflow/trialflow/internal/domain"
	"github.com/trialflow/trialflow/internal/infra/sqlite"
	"github.com/trialflow/trialflow/internal/timeline"
	"github.com/trialflow/trialflow/internal/trial"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func deploy(t *testing.T, d *Definition) *Experiment {
	t.Helper()
	exp, err := d.Build(newTestDB(t), nil, nil)
	require.NoError(t, err)
	require.NoError(t, exp.Deploy(context.Background()))
	return exp
}

func parse(t *testing.T, src string) *Experiment {
	t.Helper()
	d, err := ParseDefinition([]byte(src))
	require.NoError(t, err)
	return deploy(t, d)
}

func loadDemo(t *testing.T) *Experiment {
	t.Helper()
	d, err := LoadDefinition("testdata/demo.yaml")
	require.NoError(t, err)
	return deploy(t, d)
}

func submit(t *testing.T, exp *Experiment, view *PageView, answer any) *Outcome {
	t.Helper()
	raw, err := json.Marshal(answer)
	require.NoError(t, err)
	out, err := exp.Respond(context.Background(), view.ParticipantID, Submission{PageUUID: view.UUID, Answer: raw})
	require.NoError(t, err)
	return out
}

func content(t *testing.T, view *PageView) map[string]any {
	t.Helper()
	var c map[string]any
	require.NoError(t, json.Unmarshal(view.Content, &c))
	return c
}

func responses(t *testing.T, exp *Experiment, id int64) []*domain.Response {
	t.Helper()
	var rs []*domain.Response
	require.NoError(t, exp.DB().View(context.Background(), func(tx *sqlite.Tx) error {
		var err error
		rs, err = tx.ListResponses(context.Background(), id)
		return err
	}))
	return rs
}

// consent moves a fresh participant past the welcome and consent pages.
func consent(t *testing.T, exp *Experiment, worker, answer string) *PageView {
	t.Helper()
	view, err := exp.Start(context.Background(), worker)
	require.NoError(t, err)
	require.Equal(t, "welcome", view.Label)
	view = submit(t, exp, view, nil).Page
	require.Equal(t, "consent", view.Label)
	return submit(t, exp, view, answer).Page
}

func TestDemo_RunsToCompletion(t *testing.T) {
	exp := loadDemo(t)
	view := consent(t, exp, "w1", "yes")

	trials, feedback := 0, 0
	for view.Label != "difficulty" {
		switch view.Label {
		case "words/trial":
			trials++
			stim := content(t, view)["stimulus"].(map[string]any)
			view = submit(t, exp, view, stim["answer"]).Page
		case "words/feedback":
			feedback++
			assert.Equal(t, "Correct!", content(t, view)["content"])
			view = submit(t, exp, view, nil).Page
		default:
			t.Fatalf("unexpected page %q", view.Label)
		}
	}
	assert.Equal(t, 9, trials, "3 blocks of 2 plus 3 repeats")
	assert.Equal(t, 9, feedback)

	out := submit(t, exp, view, 3)
	assert.Nil(t, out.Validation)
	end := out.Page
	assert.Equal(t, "end_successful", end.Label)
	assert.True(t, end.Finished)
	assert.False(t, end.Failed)
	assert.InDelta(t, 1.0, end.Progress, 1e-9)
	assert.Greater(t, end.Bonus, 0.0)

	st, err := exp.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Participants.Complete)
	require.Len(t, st.TrialMakers, 1)
	assert.Equal(t, 6, st.TrialMakers[0].CompletedTrials, "repeats are not counted")
}

func TestDemo_DeclinedConsentEndsEarly(t *testing.T) {
	exp := loadDemo(t)
	view := consent(t, exp, "w1", "no")

	assert.Equal(t, "end_unsuccessful", view.Label)
	assert.True(t, view.Finished)
	assert.True(t, view.Failed)
	assert.Equal(t, "no_consent", view.FailedReason)

	p, err := exp.load(context.Background(), view.ParticipantID)
	require.NoError(t, err)
	require.NotEmpty(t, p.BranchLog)
	assert.Equal(t, "consent_check", p.BranchLog[len(p.BranchLog)-1].Label)
}

func TestStart_ResumesWorker(t *testing.T) {
	exp := loadDemo(t)
	ctx := context.Background()

	first, err := exp.Start(ctx, "w1")
	require.NoError(t, err)
	first = submit(t, exp, first, nil).Page

	again, err := exp.Start(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, first.ParticipantID, again.ParticipantID)
	assert.Equal(t, first.UUID, again.UUID)
	assert.Equal(t, "consent", again.Label)

	anon, err := exp.Start(ctx, "")
	require.NoError(t, err)
	assert.NotEmpty(t, anon.WorkerID)
	assert.NotEqual(t, first.ParticipantID, anon.ParticipantID)
}

func TestRespond_StalePageChangesNothing(t *testing.T) {
	exp := loadDemo(t)
	ctx := context.Background()
	view, err := exp.Start(ctx, "w1")
	require.NoError(t, err)

	_, err = exp.Respond(ctx, view.ParticipantID, Submission{PageUUID: "not-the-page"})
	assert.ErrorIs(t, err, domain.ErrStalePage)

	same, err := exp.Page(ctx, view.ParticipantID)
	require.NoError(t, err)
	assert.Equal(t, view.UUID, same.UUID)
	assert.Equal(t, "welcome", same.Label)
	assert.Empty(t, responses(t, exp, view.ParticipantID))
}

func TestRespond_ValidationKeepsParticipantOnPage(t *testing.T) {
	exp := loadDemo(t)
	view, err := exp.Start(context.Background(), "w1")
	require.NoError(t, err)
	view = submit(t, exp, view, nil).Page
	require.Equal(t, "consent", view.Label)

	out := submit(t, exp, view, "maybe")
	require.NotNil(t, out.Validation)
	assert.Equal(t, "consent", out.Page.Label)
	assert.Equal(t, view.UUID, out.Page.UUID)

	bad, err := exp.Respond(context.Background(), view.ParticipantID,
		Submission{PageUUID: view.UUID, Answer: json.RawMessage(`{oops`)})
	require.NoError(t, err)
	require.NotNil(t, bad.Validation)
	assert.Equal(t, timeline.DefaultValidationMessage, bad.Validation.Message)

	out = submit(t, exp, view, "yes")
	assert.Nil(t, out.Validation)
	assert.Equal(t, "words/trial", out.Page.Label)

	rs := responses(t, exp, view.ParticipantID)
	require.Len(t, rs, 4)
	assert.True(t, rs[0].SuccessfulValidation)
	assert.False(t, rs[1].SuccessfulValidation)
	assert.False(t, rs[2].SuccessfulValidation)
	assert.True(t, rs[3].SuccessfulValidation)
	for _, r := range rs[1:] {
		assert.Equal(t, view.UUID, r.PageUUID)
	}
}

func TestRespond_ExpressionValidator(t *testing.T) {
	exp := parse(t, `
id: rating
timeline:
  - question:
      label: rating
      prompt: Rate from 1 to 5
      time_estimate: 2
      validate: answer >= 1 && answer <= 5
      message: Out of range.
  - end:
      successful: true
`)
	view, err := exp.Start(context.Background(), "w1")
	require.NoError(t, err)

	out := submit(t, exp, view, 9)
	require.NotNil(t, out.Validation)
	assert.Equal(t, "Out of range.", out.Validation.Message)

	out = submit(t, exp, view, 4)
	assert.Nil(t, out.Validation)
	assert.True(t, out.Page.Finished)
}

// flakyFilterTrials pays 1 per trial and breaks its node filter on the
// second allocation only.
type flakyFilterTrials struct{ calls int }

func (s *flakyFilterTrials) ShowTrial(env *timeline.Env, tr *domain.Trial) (timeline.Page, error) {
	return timeline.NewModularPage("words/trial", "Pick one", []string{"a", "b"}, 3), nil
}

func (s *flakyFilterTrials) ComputeReward(*domain.Trial) float64 { return 1 }

func (s *flakyFilterTrials) FilterNodes(p *domain.Participant, block string, nodes []*domain.Node) []*domain.Node {
	s.calls++
	if s.calls == 2 {
		return append(nodes, &domain.Node{ID: -1})
	}
	return nodes
}

func TestRespond_RetryAfterFailedAdvancePaysOnce(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	cfg := trial.DefaultConfig("words")
	cfg.Seed = 5
	stims := []trial.Stimulus{
		{Key: "a", Definition: map[string]any{"word": "a"}},
		{Key: "b", Definition: map[string]any{"word": "b"}},
		{Key: "c", Definition: map[string]any{"word": "c"}},
	}
	m, err := trial.NewStatic(cfg, &flakyFilterTrials{}, stims, trial.Deps{DB: db})
	require.NoError(t, err)
	exp, err := New(Config{ID: "retry", WagePerHour: 9}, db, nil, []*trial.Maker{m}, nil,
		m.Timeline(), timeline.SuccessfulEnd())
	require.NoError(t, err)
	require.NoError(t, exp.Deploy(ctx))

	view, err := exp.Start(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, "words/trial", view.Label)

	sub := Submission{PageUUID: view.UUID, Answer: json.RawMessage(`"a"`)}
	_, err = exp.Respond(ctx, view.ParticipantID, sub)
	require.ErrorIs(t, err, domain.ErrInvalidFilterResult)

	out, err := exp.Respond(ctx, view.ParticipantID, sub)
	require.NoError(t, err)
	assert.Equal(t, "words/trial", out.Page.Label)
	assert.NotEqual(t, view.UUID, out.Page.UUID)

	p, err := exp.load(ctx, view.ParticipantID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, p.PerformanceReward, 1e-9, "retried trial is paid once")

	submit(t, exp, out.Page, "b")
	p, err = exp.load(ctx, view.ParticipantID)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, p.PerformanceReward, 1e-9)
	var completed int
	_, err = p.Vars.Namespaced("words").Get("num_completed_trials", &completed)
	require.NoError(t, err)
	assert.Equal(t, 2, completed)
}

func TestRespond_ConcurrentSubmissionsAdvanceOnce(t *testing.T) {
	exp := loadDemo(t)
	view, err := exp.Start(context.Background(), "w1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = exp.Respond(context.Background(), view.ParticipantID, Submission{PageUUID: view.UUID})
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case !errors.Is(err, domain.ErrStalePage):
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)

	now, err := exp.Page(context.Background(), view.ParticipantID)
	require.NoError(t, err)
	assert.Equal(t, "consent", now.Label)

	exp.locksMu.Lock()
	defer exp.locksMu.Unlock()
	assert.Empty(t, exp.locks, "participant locks are released")
}

func TestAbandon(t *testing.T) {
	exp := loadDemo(t)
	ctx := context.Background()
	view := consent(t, exp, "w1", "yes")
	require.Equal(t, "words/trial", view.Label)

	require.NoError(t, exp.Abandon(ctx, view.ParticipantID))

	page, err := exp.Page(ctx, view.ParticipantID)
	require.NoError(t, err)
	assert.True(t, page.Failed)
	assert.Equal(t, domain.ReasonPrematureExit, page.FailedReason)

	_, err = exp.Respond(ctx, view.ParticipantID, Submission{PageUUID: page.UUID})
	assert.ErrorIs(t, err, domain.ErrParticipantFinished)
	assert.ErrorIs(t, exp.Abandon(ctx, view.ParticipantID), domain.ErrParticipantFinished)

	st, err := exp.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Participants.Failed)
}

func TestSwitchAndCode(t *testing.T) {
	exp := parse(t, `
id: routing
timeline:
  - question:
      label: language
      prompt: Which language do you speak?
      choices: [en, de]
      time_estimate: 2
  - code:
      set: lang
      expr: answer
  - switch:
      label: route
      select: vars.lang
      log_branch: true
      branches:
        en:
          - info: {label: hello, content: Hello, time_estimate: 1}
        de:
          - info: {label: hallo, content: Hallo, time_estimate: 1}
  - end:
      successful: true
`)
	view, err := exp.Start(context.Background(), "w1")
	require.NoError(t, err)
	view = submit(t, exp, view, "de").Page
	assert.Equal(t, "hallo", view.Label)
	assert.Equal(t, "Hallo", content(t, view)["content"])
}

func TestWhileLoop(t *testing.T) {
	exp := parse(t, `
id: loop
timeline:
  - code:
      set: n
      expr: "0"
  - while:
      label: repeat
      condition: vars.n < 3
      expected_repetitions: 3
      body:
        - info: {label: again, content: Again, time_estimate: 1}
        - code:
            set: n
            expr: vars.n + 1
  - end:
      successful: true
`)
	view, err := exp.Start(context.Background(), "w1")
	require.NoError(t, err)
	shown := 0
	for !view.Finished {
		require.Equal(t, "again", view.Label)
		shown++
		view = submit(t, exp, view, nil).Page
	}
	assert.Equal(t, 3, shown)
}

func TestParseDefinition_Errors(t *testing.T) {
	_, err := ParseDefinition([]byte("id: empty\n"))
	assert.ErrorIs(t, err, domain.ErrEmptyTimeline)

	_, err = ParseDefinition([]byte("timeline: [\n"))
	assert.Error(t, err)
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"two kinds in one step", `
timeline:
  - info: {label: a, content: A, time_estimate: 1}
    end: {successful: true}
`},
		{"bad expression", `
timeline:
  - conditional:
      if: "vars.x >"
      then:
        - end: {successful: true}
`},
		{"missing time estimate", `
timeline:
  - info: {label: a, content: A}
`},
		{"code without target", `
timeline:
  - code: {expr: "1"}
`},
		{"unknown recruit mode", `
timeline:
  - static_trial_maker:
      id: words
      recruit_mode: everyone
      stimuli:
        - {key: a, definition: {prompt: a}}
`},
		{"bad duration", `
timeline:
  - static_trial_maker:
      id: words
      response_timeout: soon
      stimuli:
        - {key: a, definition: {prompt: a}}
`},
		{"duplicate trial makers", `
timeline:
  - static_trial_maker:
      id: words
      stimuli:
        - {key: a, definition: {prompt: a}}
  - static_trial_maker:
      id: words
      stimuli:
        - {key: b, definition: {prompt: b}}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseDefinition([]byte(tt.src))
			require.NoError(t, err)
			_, err = d.Build(newTestDB(t), nil, nil)
			assert.Error(t, err)
		})
	}
}

func TestChainDefinition(t *testing.T) {
	d, err := LoadDefinition("testdata/chain.yaml")
	require.NoError(t, err)
	exp := deploy(t, d)
	ctx := context.Background()

	nets, err := exp.Networks(ctx, "numbers")
	require.NoError(t, err)
	assert.Len(t, nets, 2)

	view, err := exp.Start(ctx, "w1")
	require.NoError(t, err)
	view = submit(t, exp, view, nil).Page

	for range 2 {
		require.Equal(t, "numbers/trial", view.Label)
		value := content(t, view)["value"].(float64)
		assert.True(t, value >= 10 && value <= 100)

		out := submit(t, exp, view, "ten")
		require.NotNil(t, out.Validation)
		view = submit(t, exp, view, value).Page
	}
	assert.Equal(t, "end_successful", view.Label)

	st, err := exp.Status(ctx)
	require.NoError(t, err)
	require.Len(t, st.TrialMakers, 1)
	assert.Equal(t, 2, st.TrialMakers[0].CompletedTrials)
	assert.Equal(t, 2, st.TrialMakers[0].Networks)
}
