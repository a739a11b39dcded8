package experiment

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	gojson "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/trialflow/trialflow/internal/domain"
	"github.com/trialflow/trialflow/internal/infra/sqlite"
	"github.com/trialflow/trialflow/internal/process"
	"github.com/trialflow/trialflow/internal/timeline"
	"github.com/trialflow/trialflow/internal/trial"
)

// Definition is an experiment described in YAML.
type Definition struct {
	Config   `yaml:",inline"`
	Timeline []Step `yaml:"timeline"`
}

// Step is one timeline entry. Exactly one field is set.
type Step struct {
	Info             *InfoStep        `yaml:"info,omitempty"`
	Question         *QuestionStep    `yaml:"question,omitempty"`
	Code             *CodeStep        `yaml:"code,omitempty"`
	Conditional      *ConditionalStep `yaml:"conditional,omitempty"`
	Switch           *SwitchStep      `yaml:"switch,omitempty"`
	While            *WhileStep       `yaml:"while,omitempty"`
	Module           *ModuleStep      `yaml:"module,omitempty"`
	End              *EndStep         `yaml:"end,omitempty"`
	StaticTrialMaker *StaticStep      `yaml:"static_trial_maker,omitempty"`
	ChainTrialMaker  *ChainStep       `yaml:"chain_trial_maker,omitempty"`
}

type InfoStep struct {
	Label        string   `yaml:"label"`
	Content      string   `yaml:"content"`
	TimeEstimate *float64 `yaml:"time_estimate"`
}

type QuestionStep struct {
	Label        string   `yaml:"label"`
	Prompt       string   `yaml:"prompt"`
	Choices      []string `yaml:"choices"`
	TimeEstimate *float64 `yaml:"time_estimate"`
	// Validate is a boolean expression over answer. False rejects it.
	Validate string `yaml:"validate"`
	Message  string `yaml:"message"`
}

// CodeStep stores the value of Expr in the participant var Set.
type CodeStep struct {
	Label string `yaml:"label"`
	Set   string `yaml:"set"`
	Expr  string `yaml:"expr"`
}

type ConditionalStep struct {
	Label     string `yaml:"label"`
	If        string `yaml:"if"`
	Then      []Step `yaml:"then"`
	Else      []Step `yaml:"else"`
	FixTime   *bool  `yaml:"fix_time"`
	LogBranch *bool  `yaml:"log_branch"`
}

type SwitchStep struct {
	Label     string            `yaml:"label"`
	Select    string            `yaml:"select"`
	Branches  map[string][]Step `yaml:"branches"`
	FixTime   *bool             `yaml:"fix_time"`
	LogBranch *bool             `yaml:"log_branch"`
}

type WhileStep struct {
	Label               string `yaml:"label"`
	Condition           string `yaml:"condition"`
	ExpectedRepetitions int    `yaml:"expected_repetitions"`
	Body                []Step `yaml:"body"`
	FixTime             *bool  `yaml:"fix_time"`
	LogBranch           *bool  `yaml:"log_branch"`
}

type ModuleStep struct {
	Label string `yaml:"label"`
	Body  []Step `yaml:"body"`
}

type EndStep struct {
	Successful bool     `yaml:"successful"`
	Tags       []string `yaml:"tags"`
}

// TrialSettings are the options shared by both trial maker kinds.
type TrialSettings struct {
	ID                           string  `yaml:"id"`
	TimeEstimatePerTrial         float64 `yaml:"time_estimate_per_trial"`
	ExpectedNumTrials            int     `yaml:"expected_num_trials"`
	NumRepeatTrials              int     `yaml:"num_repeat_trials"`
	CheckPerformanceAtEnd        bool    `yaml:"check_performance_at_end"`
	CheckPerformanceEveryTrial   bool    `yaml:"check_performance_every_trial"`
	PerformanceThreshold         float64 `yaml:"performance_threshold"`
	FailTrialsOnPrematureExit    bool    `yaml:"fail_trials_on_premature_exit"`
	FailTrialsOnPerformanceCheck *bool   `yaml:"fail_trials_on_performance_check"`
	PropagateFailure             bool    `yaml:"propagate_failure"`
	TargetNumParticipants        int     `yaml:"target_num_participants"`
	RecruitMode                  string  `yaml:"recruit_mode"`
	ResponseTimeout              string  `yaml:"response_timeout"`
	AsyncTimeout                 string  `yaml:"async_timeout"`
	Seed                         uint64  `yaml:"seed"`
	Prompt                       string  `yaml:"prompt"`
}

// StaticStep declares a static trial maker.
type StaticStep struct {
	TrialSettings             `yaml:",inline"`
	MaxTrialsPerBlock         int              `yaml:"max_trials_per_block"`
	AllowRepeatedNodes        bool             `yaml:"allow_repeated_nodes"`
	MaxUniqueNodesPerBlock    int              `yaml:"max_unique_nodes_per_block"`
	BalanceWithinParticipants *bool            `yaml:"balance_within_participants"`
	BalanceAcrossParticipants *bool            `yaml:"balance_across_participants"`
	Choices                   []string         `yaml:"choices"`
	CorrectKey                string           `yaml:"correct_key"`
	RewardPerCorrect          float64          `yaml:"reward_per_correct"`
	Feedback                  bool             `yaml:"feedback"`
	Stimuli                   []trial.Stimulus `yaml:"stimuli"`
}

// ChainStep declares a numeric iterated-reproduction chain: every node
// asks for a number and the next node's target is the mean answer.
type ChainStep struct {
	TrialSettings           `yaml:",inline"`
	ChainType               string     `yaml:"chain_type"`
	ChainsPerParticipant    int        `yaml:"chains_per_participant"`
	ChainsPerExperiment     int        `yaml:"chains_per_experiment"`
	NodesPerChain           int        `yaml:"nodes_per_chain"`
	TrialsPerNode           int        `yaml:"trials_per_node"`
	TrialsPerParticipant    int        `yaml:"trials_per_participant"`
	AllowRevisitingNetworks bool       `yaml:"allow_revisiting_networks"`
	BalanceAcrossChains     bool       `yaml:"balance_across_chains"`
	Groups                  []string   `yaml:"groups"`
	InitialValue            *float64   `yaml:"initial_value"`
	InitialRange            [2]float64 `yaml:"initial_range"`
}

// LoadDefinition reads a YAML experiment definition from path.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return ParseDefinition(data)
}

// ParseDefinition decodes a YAML experiment definition.
func ParseDefinition(data []byte) (*Definition, error) {
	d := &Definition{Config: DefaultConfig()}
	if err := yaml.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	if len(d.Timeline) == 0 {
		return nil, fmt.Errorf("parse definition: %w", domain.ErrEmptyTimeline)
	}
	return d, nil
}

// Build compiles the definition into an experiment over db. Expression
// syntax errors and malformed timelines are reported here.
func (d *Definition) Build(db *sqlite.DB, tracker *process.Tracker, logger *slog.Logger) (*Experiment, error) {
	b := &builder{deps: trial.Deps{DB: db, Tracker: tracker, Logger: logger}}
	nodes, err := b.steps("timeline", d.Timeline)
	if err != nil {
		return nil, err
	}
	return New(d.Config, db, tracker, b.makers, logger, nodes...)
}

type builder struct {
	deps   trial.Deps
	makers []*trial.Maker
}

func (b *builder) steps(path string, steps []Step) ([]timeline.Node, error) {
	out := make([]timeline.Node, 0, len(steps))
	for i, s := range steps {
		n, err := b.step(fmt.Sprintf("%s[%d]", path, i), s)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (b *builder) seq(path string, steps []Step) (timeline.Node, error) {
	if len(steps) == 0 {
		return nil, nil
	}
	nodes, err := b.steps(path, steps)
	if err != nil {
		return nil, err
	}
	return timeline.Join(nodes...), nil
}

func estimateOrMissing(te *float64) float64 {
	if te == nil {
		return timeline.NoEstimate
	}
	return *te
}

func controlOptions(fix, logBranch *bool) []timeline.Option {
	var opts []timeline.Option
	if fix != nil && !*fix {
		opts = append(opts, timeline.NoFixTime())
	}
	switch {
	case logBranch == nil:
	case *logBranch:
		opts = append(opts, timeline.LogBranch())
	default:
		opts = append(opts, timeline.NoBranchLog())
	}
	return opts
}

func (b *builder) step(path string, s Step) (timeline.Node, error) {
	set := 0
	for _, ok := range []bool{
		s.Info != nil, s.Question != nil, s.Code != nil, s.Conditional != nil, s.Switch != nil,
		s.While != nil, s.Module != nil, s.End != nil, s.StaticTrialMaker != nil, s.ChainTrialMaker != nil,
	} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("%s: expected exactly one step kind, found %d", path, set)
	}

	switch {
	case s.Info != nil:
		return timeline.ShowPage(timeline.NewInfoPage(s.Info.Label, s.Info.Content, estimateOrMissing(s.Info.TimeEstimate))), nil

	case s.Question != nil:
		q := s.Question
		page := timeline.NewModularPage(q.Label, q.Prompt, q.Choices, estimateOrMissing(q.TimeEstimate))
		if q.Validate != "" {
			prog, err := compileBool(q.Validate)
			if err != nil {
				return nil, fmt.Errorf("%s.validate: %w", path, err)
			}
			msg := q.Message
			page.Validator = func(answer any) *timeline.FailedValidation {
				ok, err := runBool(prog, map[string]any{"answer": answer, "vars": map[string]any{},
					"branch_log": []any{}, "participant": map[string]any{}})
				if err != nil || !ok {
					return timeline.Invalid(msg)
				}
				return nil
			}
		}
		return timeline.ShowPage(page), nil

	case s.Code != nil:
		c := s.Code
		if c.Set == "" {
			return nil, fmt.Errorf("%s.code: set is required", path)
		}
		prog, err := compileAny(c.Expr)
		if err != nil {
			return nil, fmt.Errorf("%s.code: %w", path, err)
		}
		return timeline.Code(c.Label, func(env *timeline.Env) error {
			v, err := expr.Run(prog, exprEnv(env.Participant))
			if err != nil {
				return fmt.Errorf("code %s: %w", c.Label, err)
			}
			return env.Participant.Vars.Set(c.Set, v)
		}), nil

	case s.Conditional != nil:
		c := s.Conditional
		cond, err := condition(c.If)
		if err != nil {
			return nil, fmt.Errorf("%s.conditional.if: %w", path, err)
		}
		ifTrue, err := b.seq(path+".then", c.Then)
		if err != nil {
			return nil, err
		}
		ifFalse, err := b.seq(path+".else", c.Else)
		if err != nil {
			return nil, err
		}
		return timeline.Conditional(c.Label, cond, ifTrue, ifFalse, controlOptions(c.FixTime, c.LogBranch)...), nil

	case s.Switch != nil:
		sw := s.Switch
		prog, err := compileAny(sw.Select)
		if err != nil {
			return nil, fmt.Errorf("%s.switch.select: %w", path, err)
		}
		branches := make(map[string]timeline.Node, len(sw.Branches))
		for key, steps := range sw.Branches {
			n, err := b.seq(path+".branches."+key, steps)
			if err != nil {
				return nil, err
			}
			branches[key] = n
		}
		sel := func(env *timeline.Env) (string, error) {
			v, err := expr.Run(prog, exprEnv(env.Participant))
			if err != nil {
				return "", err
			}
			return fmt.Sprint(v), nil
		}
		return timeline.Switch(sw.Label, sel, branches, controlOptions(sw.FixTime, sw.LogBranch)...), nil

	case s.While != nil:
		w := s.While
		cond, err := condition(w.Condition)
		if err != nil {
			return nil, fmt.Errorf("%s.while.condition: %w", path, err)
		}
		body, err := b.seq(path+".body", w.Body)
		if err != nil {
			return nil, err
		}
		reps := max(w.ExpectedRepetitions, 1)
		return timeline.WhileLoop(w.Label, cond, body, reps, controlOptions(w.FixTime, w.LogBranch)...), nil

	case s.Module != nil:
		body, err := b.steps(path+".body", s.Module.Body)
		if err != nil {
			return nil, err
		}
		return timeline.NewModule(s.Module.Label, body...), nil

	case s.End != nil:
		if s.End.Successful {
			return timeline.SuccessfulEnd(), nil
		}
		return timeline.UnsuccessfulEnd(s.End.Tags...), nil

	case s.StaticTrialMaker != nil:
		m, err := b.static(s.StaticTrialMaker)
		if err != nil {
			return nil, fmt.Errorf("%s.static_trial_maker: %w", path, err)
		}
		b.makers = append(b.makers, m)
		return m.Timeline(), nil

	default:
		m, err := b.chain(s.ChainTrialMaker)
		if err != nil {
			return nil, fmt.Errorf("%s.chain_trial_maker: %w", path, err)
		}
		b.makers = append(b.makers, m)
		return m.Timeline(), nil
	}
}

func (ts TrialSettings) config() (trial.Config, error) {
	cfg := trial.DefaultConfig(ts.ID)
	if ts.TimeEstimatePerTrial > 0 {
		cfg.TimeEstimatePerTrial = ts.TimeEstimatePerTrial
	}
	cfg.ExpectedNumTrials = ts.ExpectedNumTrials
	cfg.NumRepeatTrials = ts.NumRepeatTrials
	cfg.CheckPerformanceAtEnd = ts.CheckPerformanceAtEnd
	cfg.CheckPerformanceEveryTrial = ts.CheckPerformanceEveryTrial
	cfg.FailTrialsOnPrematureExit = ts.FailTrialsOnPrematureExit
	if ts.FailTrialsOnPerformanceCheck != nil {
		cfg.FailTrialsOnPerformanceCheck = *ts.FailTrialsOnPerformanceCheck
	}
	cfg.PropagateFailure = ts.PropagateFailure
	cfg.TargetNumParticipants = ts.TargetNumParticipants
	if ts.RecruitMode != "" {
		cfg.RecruitMode = trial.RecruitMode(ts.RecruitMode)
		if cfg.RecruitMode != trial.RecruitParticipants && cfg.RecruitMode != trial.RecruitTrials {
			return cfg, fmt.Errorf("unknown recruit_mode %q", ts.RecruitMode)
		}
	}
	cfg.Seed = ts.Seed
	var err error
	if cfg.ResponseTimeout, err = durationOr(ts.ResponseTimeout, cfg.ResponseTimeout); err != nil {
		return cfg, fmt.Errorf("response_timeout: %w", err)
	}
	if cfg.AsyncTimeout, err = durationOr(ts.AsyncTimeout, cfg.AsyncTimeout); err != nil {
		return cfg, fmt.Errorf("async_timeout: %w", err)
	}
	return cfg, nil
}

func durationOr(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}

func (b *builder) static(s *StaticStep) (*trial.Maker, error) {
	cfg, err := s.config()
	if err != nil {
		return nil, err
	}
	cfg.MaxTrialsPerBlock = s.MaxTrialsPerBlock
	cfg.AllowRepeatedNodes = s.AllowRepeatedNodes
	cfg.MaxUniqueNodesPerBlock = s.MaxUniqueNodesPerBlock
	if s.BalanceWithinParticipants != nil {
		cfg.BalanceWithinParticipants = *s.BalanceWithinParticipants
	}
	if s.BalanceAcrossParticipants != nil {
		cfg.BalanceAcrossParticipants = *s.BalanceAcrossParticipants
	}
	strategy := &choiceTrials{
		prompt:    s.Prompt,
		choices:   s.Choices,
		estimate:  cfg.TimeEstimatePerTrial,
		correct:   s.CorrectKey,
		reward:    s.RewardPerCorrect,
		threshold: s.PerformanceThreshold,
		feedback:  s.Feedback,
	}
	return trial.NewStatic(cfg, strategy, s.Stimuli, b.deps)
}

func (b *builder) chain(s *ChainStep) (*trial.Maker, error) {
	cfg, err := s.config()
	if err != nil {
		return nil, err
	}
	chainType := domain.ChainType(s.ChainType)
	if chainType == domain.ChainNone {
		chainType = domain.ChainAcross
	}
	strategy := &reproductionTrials{
		prompt:    s.Prompt,
		estimate:  cfg.TimeEstimatePerTrial,
		initial:   s.InitialValue,
		span:      s.InitialRange,
		threshold: s.PerformanceThreshold,
	}
	return trial.NewChain(cfg, trial.ChainConfig{
		ChainType:               chainType,
		ChainsPerParticipant:    s.ChainsPerParticipant,
		ChainsPerExperiment:     s.ChainsPerExperiment,
		NodesPerChain:           s.NodesPerChain,
		TrialsPerNode:           s.TrialsPerNode,
		TrialsPerParticipant:    s.TrialsPerParticipant,
		AllowRevisitingNetworks: s.AllowRevisitingNetworks,
		BalanceAcrossChains:     s.BalanceAcrossChains,
		Groups:                  s.Groups,
	}, strategy, b.deps)
}

// ─── Expressions ────────────────────────────────────────────────────────────

var compileEnv = map[string]any{
	"answer":      nil,
	"vars":        map[string]any{},
	"branch_log":  []any{},
	"participant": map[string]any{},
}

func compileBool(src string) (*vm.Program, error) {
	if src == "" {
		return nil, fmt.Errorf("empty expression")
	}
	return expr.Compile(src, expr.Env(compileEnv), expr.AsBool())
}

func compileAny(src string) (*vm.Program, error) {
	if src == "" {
		return nil, fmt.Errorf("empty expression")
	}
	return expr.Compile(src, expr.Env(compileEnv), expr.AsAny())
}

func runBool(prog *vm.Program, env map[string]any) (bool, error) {
	out, err := expr.Run(prog, env)
	if err != nil {
		return false, err
	}
	ok, _ := out.(bool)
	return ok, nil
}

func condition(src string) (timeline.Condition, error) {
	prog, err := compileBool(src)
	if err != nil {
		return nil, err
	}
	return func(env *timeline.Env) (bool, error) {
		return runBool(prog, exprEnv(env.Participant))
	}, nil
}

// exprEnv is what expressions see at run time.
func exprEnv(p *domain.Participant) map[string]any {
	var answer any
	if len(p.Answer) > 0 {
		_ = gojson.Unmarshal(p.Answer, &answer)
	}
	log := make([]any, 0, len(p.BranchLog))
	for _, b := range p.BranchLog {
		log = append(log, map[string]any{"label": b.Label, "value": b.Value})
	}
	return map[string]any{
		"answer":     answer,
		"vars":       p.Vars.Map(),
		"branch_log": log,
		"participant": map[string]any{
			"id":                 p.ID,
			"worker_id":          p.WorkerID,
			"time_credit":        p.TimeCredit.Total(),
			"performance_reward": p.PerformanceReward,
			"failed":             p.Failed,
		},
	}
}
