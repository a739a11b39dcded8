package timeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trialflow/trialflow/internal/domain"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newEnv() *Env {
	return &Env{
		Ctx:         context.Background(),
		Participant: domain.NewParticipant("worker", testNow),
		Now:         testNow,
	}
}

func info(label string, te float64) *PageElt {
	return ShowPage(NewInfoPage(label, "", te))
}

func incI(env *Env) error {
	_, err := env.Participant.Vars.Inc("i", 1)
	return err
}

func iBelow(n int) Condition {
	return func(env *Env) (bool, error) {
		var i int
		_, err := env.Participant.Vars.Get("i", &i)
		return i < n, err
	}
}

// countLoop shows a 1-second page n times inside a while loop that the
// author estimated at reps repetitions.
func countLoop(n, reps int, opts ...Option) Seq {
	return Join(
		Code("reset", func(env *Env) error { return env.Participant.Vars.Set("i", 0) }),
		WhileLoop("loop", iBelow(n), Join(info("loop_page", 1), Code("inc", incI)), reps, opts...),
	)
}

// runToEnd advances until the participant reaches an end page and returns
// the labels of the pages they saw, end page excluded.
func runToEnd(t *testing.T, p *Program, env *Env) []string {
	t.Helper()
	require.NoError(t, p.Start(env))
	var seen []string
	for range 1000 {
		page, err := p.CurrentPage(env)
		require.NoError(t, err)
		if _, ok := page.(*EndPage); ok {
			return seen
		}
		seen = append(seen, page.Label())
		require.NoError(t, p.Advance(env))
	}
	t.Fatal("never reached an end page")
	return nil
}

// ─── Compile ────────────────────────────────────────────────────────────────

func TestCompile_SequentialIDs(t *testing.T) {
	p := MustCompile(
		info("welcome", 5),
		NewModule("m", countLoop(2, 2)),
		Conditional("c", func(*Env) (bool, error) { return true, nil }, info("yes", 1), info("no", 1)),
		SuccessfulEnd(),
	)
	for i := range p.Len() {
		assert.Equal(t, i, p.Elt(i).ID())
	}
	assert.Equal(t, []string{"m"}, p.Modules())
}

func TestCompile_StructuralErrors(t *testing.T) {
	shared := info("shared", 1)
	outside := info("outside", 1)

	tests := []struct {
		name  string
		nodes []Node
		want  error
	}{
		{"empty", nil, domain.ErrEmptyTimeline},
		{"no terminal page", []Node{info("a", 1)}, domain.ErrMissingTerminal},
		{"terminal not last", []Node{SuccessfulEnd(), info("a", 1)}, domain.ErrMissingTerminal},
		{"missing estimate", []Node{info("a", NoEstimate), SuccessfulEnd()}, domain.ErrMissingTimeEstimate},
		{"page maker missing estimate", []Node{
			NewPageMaker("pm", func(*Env) (Page, error) { return nil, nil }, NoEstimate),
			SuccessfulEnd(),
		}, domain.ErrMissingTimeEstimate},
		{"nested fix time", []Node{
			WhileLoop("outer", func(*Env) (bool, error) { return false, nil },
				Conditional("inner", func(*Env) (bool, error) { return true, nil }, info("a", 1), nil),
				2),
			SuccessfulEnd(),
		}, domain.ErrNestedFixTime},
		{"duplicate module", []Node{
			NewModule("m", info("a", 1)),
			NewModule("m", info("b", 1)),
			SuccessfulEnd(),
		}, domain.ErrDuplicateModule},
		{"aliased element", []Node{shared, info("b", 1), shared, SuccessfulEnd()}, domain.ErrAliasedElt},
		{"dangling goto", []Node{Goto(outside), SuccessfulEnd()}, domain.ErrDanglingGoTo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.nodes...)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			var se *StructureError
			assert.True(t, errors.As(err, &se), "want *StructureError, got %T", err)
		})
	}
}

func TestCompile_RejectsReuseAcrossPrograms(t *testing.T) {
	page := info("a", 1)
	end := SuccessfulEnd()
	_, err := Compile(page, end)
	require.NoError(t, err)

	_, err = Compile(page, SuccessfulEnd())
	assert.ErrorIs(t, err, domain.ErrAliasedElt)
}

func TestCompile_NoFixInsideFixIsAllowed(t *testing.T) {
	_, err := Compile(
		WhileLoop("outer", func(*Env) (bool, error) { return false, nil },
			Conditional("inner", func(*Env) (bool, error) { return true, nil }, info("a", 1), nil, NoFixTime()),
			2),
		SuccessfulEnd(),
	)
	assert.NoError(t, err)
}

// ─── Credit Estimate ────────────────────────────────────────────────────────

func TestEstimate_SwitchTakesMaxOfBranches(t *testing.T) {
	p := MustCompile(
		Switch("s", func(*Env) (string, error) { return "short", nil }, map[string]Node{
			"short": info("short", 1.0),
			"long":  info("long", 2.0),
		}),
		SuccessfulEnd(),
	)
	assert.Equal(t, 2.0, p.Estimate().MaxTime())
}

func TestEstimate_UnfixedSwitchBranches(t *testing.T) {
	p := MustCompile(
		info("intro", 3),
		Switch("s", func(*Env) (string, error) { return "a", nil }, map[string]Node{
			"a": info("a", 1.0),
			"b": Join(info("b1", 2.0), info("b2", 2.0)),
		}, NoFixTime()),
		SuccessfulEnd(),
	)
	est := p.Estimate()
	require.False(t, est.Leaf())
	require.Len(t, est.Switches, 1)
	sw := est.Switches[0]
	assert.Equal(t, "s", sw.Label)
	assert.Equal(t, 3.0, sw.Before)
	assert.Equal(t, 1.0, sw.Branches["a"].Time)
	assert.Equal(t, 4.0, sw.Branches["b"].Time)
	assert.Equal(t, 7.0, est.MaxTime())
	assert.InDelta(t, 7.0*36/3600, est.MaxBonus(36), 1e-9)
}

func TestEstimate_ManyUnfixedConditionals(t *testing.T) {
	always := func(*Env) (bool, error) { return true, nil }
	var nodes []Node
	for i := range 40 {
		nodes = append(nodes, Conditional(fmt.Sprintf("c%d", i), always, info(fmt.Sprintf("p%d", i), 1), nil, NoFixTime()))
	}
	nodes = append(nodes, SuccessfulEnd())

	p, err := Compile(nodes...)
	require.NoError(t, err)
	assert.Equal(t, 40.0, p.Estimate().MaxTime())
	assert.Len(t, p.Estimate().Switches, 40)
}

func TestEstimate_BranchEndingEarlyCountsItsOwnPath(t *testing.T) {
	always := func(*Env) (bool, error) { return true, nil }
	p := MustCompile(
		info("intro", 2),
		Conditional("screen", always, Join(info("long", 10), UnsuccessfulEnd()), nil, NoFixTime()),
		info("after", 1),
		SuccessfulEnd(),
	)
	assert.Equal(t, 12.0, p.Estimate().MaxTime())

	p = MustCompile(
		info("intro", 2),
		Conditional("screen", always, UnsuccessfulEnd(), nil, NoFixTime()),
		info("after", 5),
		SuccessfulEnd(),
	)
	assert.Equal(t, 7.0, p.Estimate().MaxTime())
}

func TestEstimate_SummaryListsSwitches(t *testing.T) {
	p := MustCompile(
		info("intro", 3),
		Switch("s", func(*Env) (string, error) { return "a", nil }, map[string]Node{
			"a": info("a", 1.0),
		}, NoFixTime()),
		SuccessfulEnd(),
	)
	sum, ok := p.Estimate().Summary(36).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 4.0, sum["time_seconds"])
	switches, ok := sum["switches"].([]any)
	require.True(t, ok)
	require.Len(t, switches, 1)
	assert.Equal(t, "s", switches[0].(map[string]any)["switch"])
}

func TestEstimate_WhileLoopUsesExpectedRepetitions(t *testing.T) {
	fixed := MustCompile(countLoop(1, 3), SuccessfulEnd())
	assert.Equal(t, 3.0, fixed.Estimate().MaxTime())

	unfixed := MustCompile(countLoop(1, 3, NoFixTime()), SuccessfulEnd())
	assert.Equal(t, 3.0, unfixed.Estimate().MaxTime())
}

func TestEstimate_Summary(t *testing.T) {
	p := MustCompile(info("a", 60), SuccessfulEnd())
	sum, ok := p.Estimate().Summary(36).(map[string]float64)
	require.True(t, ok)
	assert.Equal(t, 60.0, sum["time_seconds"])
	assert.Equal(t, 1.0, sum["time_minutes"])
	assert.InDelta(t, 0.6, sum["bonus"], 1e-9)
}

// ─── Advance ────────────────────────────────────────────────────────────────

func TestAdvance_FixedLoopOverrunIsCapped(t *testing.T) {
	p := MustCompile(countLoop(5, 1), SuccessfulEnd())
	env := newEnv()

	seen := runToEnd(t, p, env)
	assert.Len(t, seen, 5)
	assert.Equal(t, 1.0, env.Participant.TimeCredit.Confirmed)
	assert.False(t, env.Participant.TimeCredit.IsFixed)
}

func TestAdvance_UnfixedLoopOverestimatePaysActual(t *testing.T) {
	p := MustCompile(countLoop(1, 3, NoFixTime()), SuccessfulEnd())
	env := newEnv()

	seen := runToEnd(t, p, env)
	assert.Len(t, seen, 1)
	assert.Equal(t, 1.0, env.Participant.TimeCredit.Confirmed)
}

func TestAdvance_LoopDoesNotRecreditPrecedingPage(t *testing.T) {
	p := MustCompile(
		info("before", 10),
		WhileLoop("loop", iBelow(3), Join(info("loop_page", 1), Code("inc", incI)), 3, NoFixTime()),
		SuccessfulEnd(),
	)
	env := newEnv()

	runToEnd(t, p, env)
	assert.Equal(t, 13.0, env.Participant.TimeCredit.Confirmed)
}

func TestAdvance_SwitchFollowsSelectorAndLogsBranch(t *testing.T) {
	p := MustCompile(
		Switch("colour", func(env *Env) (string, error) {
			var c string
			_, err := env.Participant.Vars.Get("colour", &c)
			return c, err
		}, map[string]Node{
			"red":  info("red_page", 1),
			"blue": info("blue_page", 1),
		}, LogBranch()),
		info("after", 1),
		SuccessfulEnd(),
	)

	env := newEnv()
	require.NoError(t, env.Participant.Vars.Set("colour", "blue"))
	seen := runToEnd(t, p, env)

	assert.Equal(t, []string{"blue_page", "after"}, seen)
	assert.Equal(t, []domain.BranchEntry{{Label: "colour", Value: "blue"}}, env.Participant.BranchLog)
	assert.True(t, env.Participant.Complete)
}

func TestAdvance_BranchLogDefaults(t *testing.T) {
	yes := func(*Env) (bool, error) { return true, nil }
	p := MustCompile(
		Conditional("logged", yes, info("a", 1), nil),
		Conditional("quiet", yes, info("b", 1), nil, NoBranchLog()),
		countLoop(2, 2),
		SuccessfulEnd(),
	)
	env := newEnv()
	runToEnd(t, p, env)
	assert.Equal(t, []domain.BranchEntry{{Label: "logged", Value: "true"}}, env.Participant.BranchLog)
}

func TestAdvance_UnknownBranchIsFatal(t *testing.T) {
	p := MustCompile(
		Switch("s", func(*Env) (string, error) { return "missing", nil }, map[string]Node{
			"a": info("a", 1),
		}),
		SuccessfulEnd(),
	)
	err := p.Start(newEnv())
	assert.ErrorIs(t, err, domain.ErrBranchNotFound)
}

func TestAdvance_ModulesRecordEntryAndExit(t *testing.T) {
	p := MustCompile(NewModule("intro", info("a", 1)), SuccessfulEnd())
	env := newEnv()

	require.NoError(t, p.Start(env))
	ms := env.Participant.ModuleStates["intro"]
	require.NotNil(t, ms)
	assert.NotNil(t, ms.StartedAt)
	assert.Nil(t, ms.FinishedAt)

	require.NoError(t, p.Advance(env))
	assert.NotNil(t, ms.FinishedAt)
}

func TestAdvance_IssuesFreshPageUUID(t *testing.T) {
	p := MustCompile(info("a", 1), info("b", 1), SuccessfulEnd())
	env := newEnv()

	require.NoError(t, p.Start(env))
	first := env.Participant.PageUUID
	require.NotEmpty(t, first)

	require.NoError(t, p.Advance(env))
	assert.NotEqual(t, first, env.Participant.PageUUID)
}

func TestAdvance_UnsuccessfulEndFailsParticipant(t *testing.T) {
	p := MustCompile(
		info("a", 1),
		Conditional("check", func(*Env) (bool, error) { return false, nil }, nil, UnsuccessfulEnd("performance_check")),
		SuccessfulEnd(),
	)
	env := newEnv()
	var failed bool
	env.OnFail = func(_ context.Context, _ *domain.Participant) error {
		failed = true
		return nil
	}

	require.NoError(t, p.Start(env))
	require.NoError(t, p.Advance(env))

	page, err := p.CurrentPage(env)
	require.NoError(t, err)
	assert.Equal(t, "end_unsuccessful", page.Label())
	assert.True(t, env.Participant.Failed)
	assert.Equal(t, "performance_check", env.Participant.FailedReason)
	assert.True(t, failed)
}

func TestAdvance_PageMakerResolvesAtDisplay(t *testing.T) {
	p := MustCompile(
		NewPageMaker("greeting", func(env *Env) (Page, error) {
			var name string
			_, _ = env.Participant.Vars.Get("name", &name)
			return NewInfoPage("greeting", "hello "+name, 3), nil
		}, 3),
		SuccessfulEnd(),
	)
	env := newEnv()
	require.NoError(t, env.Participant.Vars.Set("name", "Ada"))
	require.NoError(t, p.Start(env))

	page, err := p.CurrentPage(env)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"content": "hello Ada"}, page.Render(env.Participant))
}

func TestModularPage_FormatAnswer(t *testing.T) {
	page := NewModularPage("q", "How many?", nil, 1)

	got, err := page.FormatAnswer([]byte(`{"n": 3}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 3.0}, got)

	got, err = page.FormatAnswer(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = page.FormatAnswer([]byte(`{oops`))
	assert.ErrorIs(t, err, domain.ErrBadAnswer)
}

func TestModularPage_Validate(t *testing.T) {
	page := NewModularPage("q", "Pick one", []string{"yes", "no"}, 2)

	answer, err := page.FormatAnswer([]byte(`"yes"`))
	require.NoError(t, err)
	assert.Nil(t, page.Validate(nil, answer))

	answer, err = page.FormatAnswer([]byte(`"maybe"`))
	require.NoError(t, err)
	fv := page.Validate(nil, answer)
	require.NotNil(t, fv)
	assert.NotEmpty(t, fv.Message)

	_, err = page.FormatAnswer([]byte(`{`))
	assert.ErrorIs(t, err, domain.ErrBadAnswer)
}
