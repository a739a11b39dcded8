// Package experiment runs participants through a compiled timeline: it
// starts them, shows their current page, accepts responses and persists
// their progress.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"

	"github.com/trialflow/trialflow/internal/domain"
	"github.com/trialflow/trialflow/internal/infra/metrics"
	"github.com/trialflow/trialflow/internal/infra/sqlite"
	"github.com/trialflow/trialflow/internal/process"
	"github.com/trialflow/trialflow/internal/timeline"
	"github.com/trialflow/trialflow/internal/trial"
)

// Config holds the payment settings of an experiment.
type Config struct {
	ID          string  `yaml:"id" json:"id"`
	WagePerHour float64 `yaml:"wage_per_hour" json:"wage_per_hour"`
	BasePayment float64 `yaml:"base_payment" json:"base_payment"`
}

// DefaultConfig returns the payment defaults.
func DefaultConfig() Config {
	return Config{ID: "experiment", WagePerHour: 9}
}

// Experiment binds a compiled program to its trial makers and store.
type Experiment struct {
	cfg     Config
	program *timeline.Program
	makers  []*trial.Maker
	db      *sqlite.DB
	tracker *process.Tracker
	logger  *slog.Logger

	locksMu sync.Mutex
	locks   map[int64]*participantLock

	now func() time.Time
}

// New compiles nodes into an experiment. makers must list every trial
// maker whose timeline appears in nodes.
func New(cfg Config, db *sqlite.DB, tracker *process.Tracker, makers []*trial.Maker, logger *slog.Logger, nodes ...timeline.Node) (*Experiment, error) {
	if db == nil {
		return nil, errors.New("experiment: database is required")
	}
	prog, err := timeline.Compile(nodes...)
	if err != nil {
		return nil, fmt.Errorf("compile timeline: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	seen := map[string]bool{}
	for _, m := range makers {
		if seen[m.ID()] {
			return nil, fmt.Errorf("experiment: duplicate trial maker %q", m.ID())
		}
		seen[m.ID()] = true
	}
	return &Experiment{
		cfg:     cfg,
		program: prog,
		makers:  makers,
		db:      db,
		tracker: tracker,
		logger:  logger.With("component", "experiment"),
		locks:   map[int64]*participantLock{},
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Config returns the experiment configuration.
func (e *Experiment) Config() Config { return e.cfg }

// Program returns the compiled timeline.
func (e *Experiment) Program() *timeline.Program { return e.program }

// Makers returns the trial makers.
func (e *Experiment) Makers() []*trial.Maker { return e.makers }

// Maker returns the trial maker with id, or nil.
func (e *Experiment) Maker(id string) *trial.Maker {
	for _, m := range e.makers {
		if m.ID() == id {
			return m
		}
	}
	return nil
}

// DB returns the experiment store.
func (e *Experiment) DB() *sqlite.DB { return e.db }

// Tracker returns the async process tracker, which may be nil.
func (e *Experiment) Tracker() *process.Tracker { return e.tracker }

// Deploy prepares every trial maker's networks.
func (e *Experiment) Deploy(ctx context.Context) error {
	for _, m := range e.makers {
		if err := m.Deploy(ctx); err != nil {
			return err
		}
	}
	e.logger.Info("experiment deployed", "id", e.cfg.ID, "elements", e.program.Len(),
		"trial_makers", len(e.makers))
	return nil
}

// participantLock serializes requests for one participant. refs counts
// holders and waiters; the entry is dropped when it reaches zero.
type participantLock struct {
	mu   sync.Mutex
	refs int
}

func (e *Experiment) lock(id int64) func() {
	e.locksMu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &participantLock{}
		e.locks[id] = l
	}
	l.refs++
	e.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, id)
		}
		e.locksMu.Unlock()
	}
}

func (e *Experiment) env(ctx context.Context, p *domain.Participant) *timeline.Env {
	return &timeline.Env{
		Ctx:         ctx,
		Participant: p,
		Now:         e.now(),
		Logger:      e.logger,
		OnFail:      e.onFail,
	}
}

// onFail runs every trial maker's failure routine for p.
func (e *Experiment) onFail(ctx context.Context, p *domain.Participant) error {
	var errs []error
	for _, m := range e.makers {
		errs = append(errs, m.OnParticipantFail(ctx, p))
	}
	e.logger.Info("participant failed", "participant", p.ID, "reason", p.FailedReason)
	return errors.Join(errs...)
}

func (e *Experiment) load(ctx context.Context, id int64) (*domain.Participant, error) {
	var p *domain.Participant
	err := e.db.View(ctx, func(tx *sqlite.Tx) error {
		var err error
		p, err = tx.GetParticipant(ctx, id)
		return err
	})
	return p, err
}

func (e *Experiment) save(ctx context.Context, p *domain.Participant, expectUUID string) error {
	p.UpdatedAt = e.now()
	return e.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		return tx.UpdateParticipant(ctx, p, expectUUID)
	})
}

func (e *Experiment) recordFinish(p *domain.Participant) {
	switch {
	case p.Failed:
		metrics.ParticipantsFinished.WithLabelValues("failed").Inc()
	case p.Complete:
		metrics.ParticipantsFinished.WithLabelValues("complete").Inc()
	}
}

// ─── Participant Lifecycle ──────────────────────────────────────────────────

// Start creates a participant and advances them to the first page. A
// worker who already started gets their existing participant back. An
// empty worker id is replaced by a fresh ULID.
func (e *Experiment) Start(ctx context.Context, workerID string) (*PageView, error) {
	if workerID == "" {
		workerID = ulid.Make().String()
	}

	var existing *domain.Participant
	err := e.db.View(ctx, func(tx *sqlite.Tx) error {
		p, err := tx.GetParticipantByWorker(ctx, workerID)
		if errors.Is(err, domain.ErrParticipantNotFound) {
			return nil
		}
		existing = p
		return err
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return e.Page(ctx, existing.ID)
	}

	est := e.program.Estimate()
	p := domain.NewParticipant(workerID, e.now())
	p.TimeCredit.Initialise(e.cfg.WagePerHour, est.MaxTime(), est.MaxBonus(e.cfg.WagePerHour))
	p.BasePayment = e.cfg.BasePayment
	err = e.db.WithTx(ctx, func(tx *sqlite.Tx) error { return tx.InsertParticipant(ctx, p) })
	if err != nil {
		return nil, fmt.Errorf("start participant: %w", err)
	}

	unlock := e.lock(p.ID)
	defer unlock()
	if err := e.program.Start(e.env(ctx, p)); err != nil {
		return nil, fmt.Errorf("start participant %d: %w", p.ID, err)
	}
	if err := e.save(ctx, p, ""); err != nil {
		return nil, err
	}
	metrics.ParticipantsStarted.Inc()
	e.recordFinish(p)
	e.logger.Debug("participant started", "participant", p.ID, "worker", workerID)
	return e.view(ctx, p)
}

// Page returns the participant's current page.
func (e *Experiment) Page(ctx context.Context, participantID int64) (*PageView, error) {
	p, err := e.load(ctx, participantID)
	if err != nil {
		return nil, err
	}
	return e.view(ctx, p)
}

// Respond submits an answer to the participant's current page. A stale
// page UUID is rejected with ErrStalePage and changes nothing. A failed
// validation is reported in the outcome and leaves the participant on the
// same page.
func (e *Experiment) Respond(ctx context.Context, participantID int64, sub Submission) (*Outcome, error) {
	unlock := e.lock(participantID)
	defer unlock()

	p, err := e.load(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if p.Finished() {
		return nil, fmt.Errorf("participant %d: %w", p.ID, domain.ErrParticipantFinished)
	}
	if sub.PageUUID != p.PageUUID {
		return nil, fmt.Errorf("participant %d: %w", p.ID, domain.ErrStalePage)
	}

	env := e.env(ctx, p)
	page, err := e.program.CurrentPage(env)
	if err != nil {
		return nil, err
	}

	resp := &domain.Response{
		ParticipantID: p.ID,
		PageUUID:      sub.PageUUID,
		Label:         page.Label(),
		PageType:      page.Type(),
		Answer:        sub.Answer,
		Metadata:      sub.Metadata,
		CreatedAt:     e.now(),
	}
	answer, ferr := page.FormatAnswer(sub.Answer)
	var failed *timeline.FailedValidation
	switch {
	case errors.Is(ferr, domain.ErrBadAnswer):
		failed = timeline.Invalid(timeline.DefaultValidationMessage)
	case ferr != nil:
		return nil, ferr
	default:
		failed = page.Validate(resp, answer)
	}
	resp.SuccessfulValidation = failed == nil
	if err := e.db.WithTx(ctx, func(tx *sqlite.Tx) error { return tx.InsertResponse(ctx, resp) }); err != nil {
		return nil, fmt.Errorf("record response: %w", err)
	}
	metrics.Responses.WithLabelValues(fmt.Sprint(resp.SuccessfulValidation)).Inc()

	if failed != nil {
		view, err := e.view(ctx, p)
		if err != nil {
			return nil, err
		}
		return &Outcome{Page: view, Validation: failed}, nil
	}

	expect := p.PageUUID
	p.Answer = sub.Answer
	p.LastResponseID = resp.ID
	if err := e.program.Advance(env); err != nil {
		e.logger.Error("advance failed", "participant", p.ID, "elt", p.EltID, "error", err)
		return nil, fmt.Errorf("advance participant %d: %w", p.ID, err)
	}
	if err := e.save(ctx, p, expect); err != nil {
		return nil, err
	}
	e.recordFinish(p)
	view, err := e.view(ctx, p)
	if err != nil {
		return nil, err
	}
	return &Outcome{Page: view}, nil
}

// Abandon fails the participant with premature_exit and releases their
// trials according to each trial maker's settings.
func (e *Experiment) Abandon(ctx context.Context, participantID int64) error {
	unlock := e.lock(participantID)
	defer unlock()

	p, err := e.load(ctx, participantID)
	if err != nil {
		return err
	}
	if p.Finished() {
		return fmt.Errorf("participant %d: %w", p.ID, domain.ErrParticipantFinished)
	}
	p.Fail(domain.ReasonPrematureExit)
	if err := e.onFail(ctx, p); err != nil {
		return err
	}
	if err := e.save(ctx, p, p.PageUUID); err != nil {
		return err
	}
	e.recordFinish(p)
	return nil
}

// NeedsRecruitment reports whether any trial maker still wants
// participants.
func (e *Experiment) NeedsRecruitment(ctx context.Context) (bool, error) {
	for _, m := range e.makers {
		need, err := m.NeedsRecruitment(ctx)
		if err != nil || need {
			return need, err
		}
	}
	return false, nil
}

// Status summarizes the experiment.
func (e *Experiment) Status(ctx context.Context) (*Status, error) {
	est := e.program.Estimate()
	st := &Status{
		ID:       e.cfg.ID,
		Elements: e.program.Len(),
		MaxTime:  est.MaxTime(),
		MaxBonus: est.MaxBonus(e.cfg.WagePerHour),
	}
	err := e.db.View(ctx, func(tx *sqlite.Tx) error {
		var err error
		st.Participants, err = tx.CountParticipants(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, m := range e.makers {
		prog, err := m.Progress(ctx)
		if err != nil {
			return nil, err
		}
		st.TrialMakers = append(st.TrialMakers, prog)
	}
	if st.NeedsRecruitment, err = e.NeedsRecruitment(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

// Networks lists a trial maker's networks. An empty id lists all.
func (e *Experiment) Networks(ctx context.Context, trialMakerID string) ([]*domain.Network, error) {
	var nets []*domain.Network
	err := e.db.View(ctx, func(tx *sqlite.Tx) error {
		var err error
		nets, err = tx.ListNetworks(ctx, sqlite.NetworkFilter{TrialMakerID: trialMakerID})
		return err
	})
	return nets, err
}

// exitPage is shown to participants who left before reaching an end page.
var exitPage = &timeline.EndPage{
	FailureTags: []string{domain.ReasonPrematureExit},
	Content:     "You have left the experiment.",
}

func (e *Experiment) view(ctx context.Context, p *domain.Participant) (*PageView, error) {
	v := &PageView{
		ParticipantID: p.ID,
		WorkerID:      p.WorkerID,
		UUID:          p.PageUUID,
		Progress:      p.TimeCredit.Progress(),
		Bonus:         p.Bonus(),
		Finished:      p.Finished(),
		Failed:        p.Failed,
		FailedReason:  p.FailedReason,
	}
	var page timeline.Page = exitPage
	if !p.Failed || p.FailedReason != domain.ReasonPrematureExit {
		var err error
		if page, err = e.program.CurrentPage(e.env(ctx, p)); err != nil {
			return nil, err
		}
	}
	content, err := gojson.Marshal(page.Render(p))
	if err != nil {
		return nil, fmt.Errorf("render page %s: %w", page.Label(), err)
	}
	v.Label = page.Label()
	v.Type = page.Type()
	v.Content = content
	return v, nil
}
