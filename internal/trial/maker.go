// Package trial implements trial makers: the part of a timeline that
// repeatedly asks the scheduler for the participant's next trial, shows
// it, and finalizes the response.
//
// Allocation reads and writes shared network state. Every decision about a
// network is taken inside a transaction that first locks the network row,
// so two participants can never both see a node as the least-used one and
// overshoot its quota.
package trial

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/trialflow/trialflow/internal/domain"
	"github.com/trialflow/trialflow/internal/infra/metrics"
	"github.com/trialflow/trialflow/internal/infra/sqlite"
	"github.com/trialflow/trialflow/internal/process"
	"github.com/trialflow/trialflow/internal/timeline"
)

// PostTrialFunc is an async process run on every finalized trial. Its
// result lands in the trial's analysis.
type PostTrialFunc func(ctx context.Context, tr *domain.Trial) (map[string]any, error)

// Config holds the settings shared by static and chain trial makers.
type Config struct {
	ID                   string
	TimeEstimatePerTrial float64
	// ExpectedNumTrials scales the credit estimate of the trial loop.
	// Zero derives it from the design.
	ExpectedNumTrials int

	MaxTrialsPerBlock         int // 0 = unlimited
	AllowRepeatedNodes        bool
	MaxUniqueNodesPerBlock    int // 0 = unlimited
	BalanceWithinParticipants bool
	BalanceAcrossParticipants bool
	NumRepeatTrials           int

	CheckPerformanceAtEnd        bool
	CheckPerformanceEveryTrial   bool
	FailTrialsOnPrematureExit    bool
	FailTrialsOnPerformanceCheck bool
	PropagateFailure             bool

	ResponseTimeout time.Duration
	AsyncTimeout    time.Duration
	AsyncPostTrial  PostTrialFunc

	TargetNumParticipants int
	RecruitMode           RecruitMode

	// Seed fixes the allocation RNG. Zero seeds randomly.
	Seed uint64
}

// DefaultConfig returns the defaults for a trial maker called id.
func DefaultConfig(id string) Config {
	return Config{
		ID:                           id,
		TimeEstimatePerTrial:         5,
		BalanceWithinParticipants:    true,
		BalanceAcrossParticipants:    true,
		FailTrialsOnPerformanceCheck: true,
		ResponseTimeout:              60 * time.Second,
		AsyncTimeout:                 300 * time.Second,
		RecruitMode:                  RecruitParticipants,
	}
}

// Deps is the shared infrastructure a trial maker runs on.
type Deps struct {
	DB      *sqlite.DB
	Tracker *process.Tracker
	Logger  *slog.Logger
}

// allocator is the design-specific half of a trial maker.
type allocator interface {
	deploy(ctx context.Context) error
	initParticipant(ctx context.Context, p *domain.Participant) error
	allocate(ctx context.Context, p *domain.Participant) (*domain.Trial, error)
	afterFinalize(ctx context.Context, tr *domain.Trial) error
	// propagateFailure runs inside the transaction that failed tr.
	propagateFailure(ctx context.Context, tx *sqlite.Tx, tr *domain.Trial) error
	// afterFailure runs after that transaction commits.
	afterFailure(ctx context.Context, tr *domain.Trial) error
	expectedNumTrials() int
}

// Maker schedules trials for one trial maker id.
type Maker struct {
	cfg      Config
	strategy Strategy
	alloc    allocator
	db       *sqlite.DB
	tracker  *process.Tracker
	logger   *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	now func() time.Time
}

func newMaker(cfg Config, strategy Strategy, deps Deps) (*Maker, error) {
	if cfg.ID == "" {
		return nil, errors.New("trial maker id is required")
	}
	if strategy == nil {
		return nil, fmt.Errorf("trial maker %q: strategy is required", cfg.ID)
	}
	if deps.DB == nil {
		return nil, fmt.Errorf("trial maker %q: database is required", cfg.ID)
	}
	def := DefaultConfig(cfg.ID)
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = def.ResponseTimeout
	}
	if cfg.AsyncTimeout <= 0 {
		cfg.AsyncTimeout = def.AsyncTimeout
	}
	if cfg.RecruitMode == "" {
		cfg.RecruitMode = def.RecruitMode
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Maker{
		cfg:      cfg,
		strategy: strategy,
		db:       deps.DB,
		tracker:  deps.Tracker,
		logger:   logger.With("component", "scheduler", "trial_maker", cfg.ID),
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// ID returns the trial maker id.
func (m *Maker) ID() string { return m.cfg.ID }

// Config returns the maker's effective configuration.
func (m *Maker) Config() Config { return m.cfg }

// ExpectedNumTrials is the number of trials the credit estimate assumes.
func (m *Maker) ExpectedNumTrials() int {
	if m.cfg.ExpectedNumTrials > 0 {
		return m.cfg.ExpectedNumTrials
	}
	return max(m.alloc.expectedNumTrials(), 1)
}

// Deploy creates the networks and nodes that exist before any participant
// arrives. It is safe to call on every start.
func (m *Maker) Deploy(ctx context.Context) error {
	if err := m.alloc.deploy(ctx); err != nil {
		return fmt.Errorf("deploy %s: %w", m.cfg.ID, err)
	}
	return nil
}

// withRNG runs fn with exclusive use of the maker's RNG.
func (m *Maker) withRNG(fn func(rng *rand.Rand)) {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	fn(m.rng)
}

func (m *Maker) vars(p *domain.Participant) domain.NamespacedVars {
	return p.Vars.Namespaced(m.cfg.ID)
}

func envContext(env *timeline.Env) context.Context {
	if env.Ctx == nil {
		return context.Background()
	}
	return env.Ctx
}

// ─── Timeline ───────────────────────────────────────────────────────────────

// Timeline returns the module that runs this maker's trials. Each call
// builds fresh elements.
func (m *Maker) Timeline() *timeline.Module {
	id := m.cfg.ID
	loop := timeline.Join(
		timeline.NewPageMaker(id+"/trial", m.showTrial, m.cfg.TimeEstimatePerTrial),
		timeline.Code(id+"/finalize", m.finalizeCurrent),
		timeline.Conditional(id+"/feedback", m.givesFeedback,
			timeline.NewPageMaker(id+"/feedback", m.showFeedback, 0), nil, timeline.NoFixTime(), timeline.NoBranchLog()),
		m.performanceCheckLogic(m.cfg.CheckPerformanceEveryTrial),
		timeline.Code(id+"/prepare", m.prepareCurrent),
	)
	return timeline.NewModule(id,
		timeline.Code(id+"/init", m.initParticipant),
		timeline.Code(id+"/prepare", m.prepareCurrent),
		timeline.WhileLoop(id+"/trial_loop", m.hasCurrentTrial, loop, m.ExpectedNumTrials(), timeline.NoFixTime()),
		timeline.Code(id+"/on_complete", m.onComplete),
		m.performanceCheckLogic(m.cfg.CheckPerformanceAtEnd),
	)
}

func (m *Maker) performanceCheckLogic(enabled bool) timeline.Node {
	if !enabled {
		return nil
	}
	failed := func(env *timeline.Env) (bool, error) {
		_, passed, err := m.CheckPerformance(envContext(env), env.Participant)
		return !passed, err
	}
	return timeline.Conditional(m.cfg.ID+"/performance_check", failed,
		timeline.UnsuccessfulEnd(domain.ReasonPerformanceCheck), nil, timeline.NoFixTime(), timeline.NoBranchLog())
}

func (m *Maker) initParticipant(env *timeline.Env) error {
	p := env.Participant
	if err := m.vars(p).Set("num_completed_trials", 0); err != nil {
		return err
	}
	return m.alloc.initParticipant(envContext(env), p)
}

func (m *Maker) prepareCurrent(env *timeline.Env) error {
	ns := m.vars(env.Participant)
	tr, err := m.NextTrial(envContext(env), env.Participant)
	if err != nil {
		return err
	}
	if tr == nil {
		ns.Delete("current_trial")
		return nil
	}
	return ns.Set("current_trial", tr.ID)
}

func (m *Maker) hasCurrentTrial(env *timeline.Env) (bool, error) {
	return m.vars(env.Participant).Has("current_trial"), nil
}

// CurrentTrial loads the trial the participant is on, or nil.
func (m *Maker) CurrentTrial(ctx context.Context, p *domain.Participant) (*domain.Trial, error) {
	var id int64
	ok, err := m.vars(p).Get("current_trial", &id)
	if err != nil || !ok {
		return nil, err
	}
	var tr *domain.Trial
	err = m.db.View(ctx, func(tx *sqlite.Tx) error {
		tr, err = tx.GetTrial(ctx, id)
		return err
	})
	return tr, err
}

func (m *Maker) showTrial(env *timeline.Env) (timeline.Page, error) {
	tr, err := m.CurrentTrial(envContext(env), env.Participant)
	if err != nil {
		return nil, err
	}
	if tr == nil {
		return nil, domain.ErrTrialNotFound
	}
	return m.strategy.ShowTrial(env, tr)
}

func (m *Maker) givesFeedback(env *timeline.Env) (bool, error) {
	fs, ok := m.strategy.(FeedbackShower)
	if !ok {
		return false, nil
	}
	tr, err := m.CurrentTrial(envContext(env), env.Participant)
	if err != nil || tr == nil {
		return false, err
	}
	return fs.GivesFeedback(tr), nil
}

func (m *Maker) showFeedback(env *timeline.Env) (timeline.Page, error) {
	tr, err := m.CurrentTrial(envContext(env), env.Participant)
	if err != nil {
		return nil, err
	}
	return m.strategy.(FeedbackShower).ShowFeedback(env, tr)
}

func (m *Maker) finalizeCurrent(env *timeline.Env) error {
	p := env.Participant
	var id int64
	ok, err := m.vars(p).Get("current_trial", &id)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrTrialNotFound
	}
	return m.FinalizeTrial(envContext(env), p, id, p.Answer, p.LastResponseID)
}

func (m *Maker) onComplete(env *timeline.Env) error {
	p := env.Participant
	ns := m.vars(p)
	ns.Delete("current_trial")
	var n int
	if _, err := ns.Get("num_completed_trials", &n); err != nil {
		return fmt.Errorf("read completed trials: %w", err)
	}
	m.logger.Debug("participant finished trials", "participant", p.ID, "trials", n)
	return nil
}

// ─── Allocation ─────────────────────────────────────────────────────────────

// NextTrial returns the participant's next trial, or nil when they have
// none left. A trial already allocated to the participant and not yet
// answered is returned again instead of allocating a new one.
func (m *Maker) NextTrial(ctx context.Context, p *domain.Participant) (*domain.Trial, error) {
	if p.Failed {
		return nil, nil
	}
	start := time.Now()
	defer func() { metrics.AllocationLatency.Observe(time.Since(start).Seconds()) }()

	var open *domain.Trial
	err := m.db.View(ctx, func(tx *sqlite.Tx) error {
		var err error
		open, err = tx.OpenTrial(ctx, p.ID, m.cfg.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open trial: %w", err)
	}
	if open != nil {
		return open, nil
	}

	tr, err := m.alloc.allocate(ctx, p)
	if err != nil {
		return nil, err
	}
	if tr == nil {
		if tr, err = m.nextRepeatTrial(ctx, p); err != nil {
			return nil, err
		}
	}
	if tr != nil {
		metrics.TrialsAllocated.WithLabelValues(m.cfg.ID).Inc()
		m.logger.Debug("trial allocated", "participant", p.ID, "trial", tr.ID,
			"node", tr.NodeID, "network", tr.NetworkID, "repeat", tr.IsRepeatTrial)
	}
	return tr, nil
}

// newTrial builds an unsaved trial for p on node.
func (m *Maker) newTrial(p *domain.Participant, node *domain.Node) *domain.Trial {
	def := make(map[string]any, len(node.Definition))
	if dm, ok := m.strategy.(DefinitionMaker); ok {
		def = dm.MakeDefinition(node, p)
	} else {
		for k, v := range node.Definition {
			def[k] = v
		}
	}
	return &domain.Trial{
		ParticipantID: p.ID,
		NodeID:        node.ID,
		NetworkID:     node.NetworkID,
		TrialMakerID:  m.cfg.ID,
		Block:         node.Block,
		Definition:    def,
		Analysis:      map[string]any{},
		CreatedAt:     m.now(),
	}
}

// nextRepeatTrial serves one of the participant's owed repeat trials. The
// source trial is drawn uniformly from their completed trials, without
// replacement until every one has been repeated. Repeats already served
// are read back from the stored trials.
func (m *Maker) nextRepeatTrial(ctx context.Context, p *domain.Participant) (*domain.Trial, error) {
	if m.cfg.NumRepeatTrials <= 0 {
		return nil, nil
	}
	trials, err := m.participantTrials(ctx, p)
	if err != nil {
		return nil, err
	}
	served := 0
	seen := map[int64]bool{}
	for _, tr := range trials {
		if !tr.IsRepeatTrial {
			continue
		}
		served++
		if tr.RepeatOf != nil {
			seen[*tr.RepeatOf] = true
		}
	}
	if served >= m.cfg.NumRepeatTrials {
		return nil, nil
	}

	var fresh, pool []*domain.Trial
	for _, tr := range trials {
		if !tr.Complete || tr.Failed || tr.IsRepeatTrial {
			continue
		}
		pool = append(pool, tr)
		if !seen[tr.ID] {
			fresh = append(fresh, tr)
		}
	}
	if len(fresh) > 0 {
		pool = fresh
	}
	if len(pool) == 0 {
		return nil, nil
	}

	var source *domain.Trial
	m.withRNG(func(rng *rand.Rand) { source = pool[rng.IntN(len(pool))] })

	var repeat *domain.Trial
	err = m.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		if err := tx.LockNetwork(ctx, source.NetworkID); err != nil {
			return err
		}
		node, err := tx.GetNode(ctx, source.NodeID)
		if err != nil {
			return err
		}
		repeat = m.newTrial(p, node)
		repeat.Definition = source.Definition
		repeat.IsRepeatTrial = true
		repeat.RepeatOf = &source.ID
		return tx.InsertTrial(ctx, repeat)
	})
	if err != nil {
		return nil, fmt.Errorf("create repeat trial: %w", err)
	}
	return repeat, nil
}

func (m *Maker) participantTrials(ctx context.Context, p *domain.Participant) ([]*domain.Trial, error) {
	var trials []*domain.Trial
	err := m.db.View(ctx, func(tx *sqlite.Tx) error {
		var err error
		trials, err = tx.ParticipantTrials(ctx, p.ID, m.cfg.ID)
		return err
	})
	return trials, err
}

// ─── Finalization ───────────────────────────────────────────────────────────

// FinalizeTrial records the participant's answer on a trial, scores it,
// pays any reward, and counts it toward its node. Finalizing a trial that
// is already complete leaves the trial alone but still brings the
// participant's reward and trial count up to date, so a response retried
// after a failed save is paid exactly once.
func (m *Maker) FinalizeTrial(ctx context.Context, p *domain.Participant, trialID int64, answer json.RawMessage, responseID int64) error {
	var finalized, existing *domain.Trial
	err := m.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		finalized, existing = nil, nil
		tr, err := tx.GetTrial(ctx, trialID)
		if err != nil {
			return err
		}
		if tr.TrialMakerID != m.cfg.ID || tr.ParticipantID != p.ID {
			return fmt.Errorf("trial %d does not belong to %s/participant %d: %w",
				trialID, m.cfg.ID, p.ID, domain.ErrTrialNotFound)
		}
		if tr.Complete {
			existing = tr
			return nil
		}
		if err := tx.LockNetwork(ctx, tr.NetworkID); err != nil {
			return err
		}

		if pp, ok := m.strategy.(AnswerPostprocessor); ok {
			if answer, err = pp.PostprocessAnswer(tr, answer); err != nil {
				return fmt.Errorf("postprocess answer: %w", err)
			}
		}
		now := m.now()
		tr.Answer = answer
		tr.Complete = true
		tr.Finalized = true
		tr.CompletedAt = &now
		if responseID > 0 {
			tr.ResponseID = &responseID
		}
		if sc, ok := m.strategy.(AnswerScorer); ok {
			if tr.Score, err = sc.ScoreAnswer(tr); err != nil {
				return fmt.Errorf("score answer: %w", err)
			}
		}
		if rc, ok := m.strategy.(RewardComputer); ok {
			tr.PerformanceReward = rc.ComputeReward(tr)
		}
		if fin, ok := m.strategy.(TrialFinalizer); ok {
			if err := fin.FinalizeTrial(tr, p); err != nil {
				return fmt.Errorf("finalize hook: %w", err)
			}
		}
		if m.cfg.AsyncPostTrial != nil && m.tracker != nil {
			tr.AwaitingAsyncProcess = true
			tr.EarliestAsyncStart = &now
		}
		if err := tx.UpdateTrial(ctx, tr); err != nil {
			return err
		}
		if !tr.Failed && !tr.IsRepeatTrial {
			if err := tx.AdjustCompleted(ctx, tr.NodeID, tr.NetworkID, 1); err != nil {
				return err
			}
		}
		finalized = tr
		return nil
	})
	if err != nil {
		return fmt.Errorf("finalize trial %d: %w", trialID, err)
	}
	if err := m.syncParticipant(ctx, p); err != nil {
		return fmt.Errorf("finalize trial %d: %w", trialID, err)
	}
	if finalized == nil {
		return m.alloc.afterFinalize(ctx, existing)
	}
	metrics.TrialsFinalized.WithLabelValues(m.cfg.ID).Inc()

	if m.cfg.AsyncPostTrial != nil && m.tracker != nil {
		m.registerPostTrial(ctx, finalized)
	}
	return m.alloc.afterFinalize(ctx, finalized)
}

// syncParticipant derives the participant's reward and completed trial
// count from their stored trials. The reward already credited by this
// maker is kept in its vars, so only the difference is added.
func (m *Maker) syncParticipant(ctx context.Context, p *domain.Participant) error {
	trials, err := m.participantTrials(ctx, p)
	if err != nil {
		return err
	}
	var reward float64
	completed := 0
	for _, tr := range trials {
		if !tr.Complete || tr.Failed {
			continue
		}
		reward += tr.PerformanceReward
		if !tr.IsRepeatTrial {
			completed++
		}
	}
	ns := m.vars(p)
	var credited float64
	if _, err := ns.Get("performance_reward", &credited); err != nil {
		return err
	}
	p.PerformanceReward += reward - credited
	if err := ns.Set("performance_reward", reward); err != nil {
		return err
	}
	return ns.Set("num_completed_trials", completed)
}

func (m *Maker) registerPostTrial(ctx context.Context, tr *domain.Trial) {
	fn := m.cfg.AsyncPostTrial
	owner := process.Owner{Kind: domain.OwnerTrial, ID: tr.ID, NetworkID: tr.NetworkID}
	snapshot := *tr
	_, err := m.tracker.Register(ctx, owner, m.cfg.ID+"/post_trial", func(ctx context.Context) (map[string]any, error) {
		return fn(ctx, &snapshot)
	})
	if err == nil {
		return
	}
	m.logger.Error("register post-trial process", "trial", tr.ID, "error", err)
	if ferr := m.failTrialByID(ctx, tr.ID, domain.ReasonAsyncFailed); ferr != nil {
		m.logger.Error("fail trial after register error", "trial", tr.ID, "error", ferr)
	}
}

// ─── Performance ────────────────────────────────────────────────────────────

// PerformanceResult is stored in the participant's vars after a check.
type PerformanceResult struct {
	Score  float64 `json:"score"`
	Passed bool    `json:"passed"`
}

// CheckPerformance evaluates the participant's completed trials and records
// the result. Without a PerformanceChecker every participant passes.
func (m *Maker) CheckPerformance(ctx context.Context, p *domain.Participant) (float64, bool, error) {
	pc, ok := m.strategy.(PerformanceChecker)
	if !ok {
		return 0, true, nil
	}
	var trials []*domain.Trial
	err := m.db.View(ctx, func(tx *sqlite.Tx) error {
		var err error
		trials, err = tx.ParticipantTrials(ctx, p.ID, m.cfg.ID)
		return err
	})
	if err != nil {
		return 0, false, err
	}
	completed := trials[:0]
	for _, tr := range trials {
		if tr.Complete && !tr.Failed {
			completed = append(completed, tr)
		}
	}
	score, passed := pc.CheckPerformance(completed)
	if err := m.vars(p).Set("performance_check", PerformanceResult{Score: score, Passed: passed}); err != nil {
		return 0, false, err
	}
	if !passed {
		m.logger.Info("participant failed performance check", "participant", p.ID, "score", score)
	}
	return score, passed, nil
}

// ─── Failure ────────────────────────────────────────────────────────────────

// OnParticipantFail fails the participant's trials for this maker when the
// configuration asks for it. It runs after the participant is failed.
func (m *Maker) OnParticipantFail(ctx context.Context, p *domain.Participant) error {
	var reason string
	switch p.FailedReason {
	case domain.ReasonPerformanceCheck:
		if !m.cfg.FailTrialsOnPerformanceCheck && !m.cfg.PropagateFailure {
			return nil
		}
		reason = domain.ReasonPerformanceCheck
	case domain.ReasonPrematureExit:
		if !m.cfg.FailTrialsOnPrematureExit && !m.cfg.PropagateFailure {
			return nil
		}
		reason = domain.ReasonPrematureExit
	default:
		if !m.cfg.PropagateFailure {
			return nil
		}
		reason = domain.ReasonParticipantFail
	}

	var trials []*domain.Trial
	err := m.db.View(ctx, func(tx *sqlite.Tx) error {
		var err error
		trials, err = tx.ParticipantTrials(ctx, p.ID, m.cfg.ID)
		return err
	})
	if err != nil {
		return err
	}
	for _, tr := range trials {
		if tr.Failed {
			continue
		}
		if err := m.failTrialByID(ctx, tr.ID, reason); err != nil {
			return err
		}
	}
	m.vars(p).Delete("current_trial")
	return nil
}

// failTrialByID fails a trial under its network lock. Nothing happens if
// the trial is already failed.
func (m *Maker) failTrialByID(ctx context.Context, trialID int64, reason string) error {
	var failed *domain.Trial
	err := m.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		failed = nil
		tr, err := tx.GetTrial(ctx, trialID)
		if err != nil {
			return err
		}
		if tr.Failed {
			return nil
		}
		if err := tx.LockNetwork(ctx, tr.NetworkID); err != nil {
			return err
		}
		ok, err := m.failTrial(ctx, tx, tr, reason)
		if ok {
			failed = tr
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("fail trial %d: %w", trialID, err)
	}
	if failed != nil {
		m.afterTrialFailed(ctx, failed)
	}
	return nil
}

// failTrial fails tr inside tx, which must hold the network lock.
func (m *Maker) failTrial(ctx context.Context, tx *sqlite.Tx, tr *domain.Trial, reason string) (bool, error) {
	ok, err := tx.FailTrial(ctx, tr, reason)
	if err != nil || !ok {
		return ok, err
	}
	if m.cfg.PropagateFailure {
		if err := m.alloc.propagateFailure(ctx, tx, tr); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (m *Maker) afterTrialFailed(ctx context.Context, tr *domain.Trial) {
	metrics.TrialsFailed.WithLabelValues(m.cfg.ID, tr.FailedReason).Inc()
	m.logger.Info("trial failed", "trial", tr.ID, "reason", tr.FailedReason)
	if err := m.alloc.afterFailure(ctx, tr); err != nil {
		m.logger.Error("after trial failure", "trial", tr.ID, "network", tr.NetworkID, "error", err)
	}
}
