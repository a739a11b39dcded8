package trial

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/trialflow/trialflow/internal/domain"
	"github.com/trialflow/trialflow/internal/infra/metrics"
	"github.com/trialflow/trialflow/internal/infra/sqlite"
	"github.com/trialflow/trialflow/internal/process"
)

// SweepResult counts what one sweep failed.
type SweepResult struct {
	StaleTrials    int       `json:"stale_trials" yaml:"stale_trials"`
	ExpiredProcs   int       `json:"expired_processes" yaml:"expired_processes"`
	OrphanedTrials int       `json:"orphaned_trials" yaml:"orphaned_trials"`
	OrphanedNodes  int       `json:"orphaned_nodes" yaml:"orphaned_nodes"`
	RanAt          time.Time `json:"ran_at" yaml:"ran_at"`
}

// Total is the number of rows failed.
func (r SweepResult) Total() int {
	return r.StaleTrials + r.ExpiredProcs + r.OrphanedTrials + r.OrphanedNodes
}

// Sweeper periodically fails trials nobody will answer and async work that
// never finished, so no allocation is held forever.
type Sweeper struct {
	makers   []*Maker
	tracker  *process.Tracker
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.RWMutex
	last SweepResult
}

// NewSweeper creates a sweeper over makers. tracker may be nil.
func NewSweeper(makers []*Maker, tracker *process.Tracker, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		makers:   makers,
		tracker:  tracker,
		interval: interval,
		logger:   logger.With("component", "sweep"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every interval until ctx is done. Call in a goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	s.runOnceLogged(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnceLogged(ctx)
		}
	}
}

func (s *Sweeper) runOnceLogged(ctx context.Context) {
	res, err := s.RunOnce(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("sweep failed", "error", err)
		return
	}
	if res.Total() > 0 {
		s.logger.Info("sweep failed stale work", "stale_trials", res.StaleTrials,
			"expired_processes", res.ExpiredProcs, "orphaned_trials", res.OrphanedTrials,
			"orphaned_nodes", res.OrphanedNodes)
	}
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	now := s.now()
	res := SweepResult{RanAt: now}
	metrics.SweepRuns.Inc()

	var errs []error
	for _, m := range s.makers {
		n, err := m.failStaleTrials(ctx, now)
		res.StaleTrials += n
		errs = append(errs, err)
	}
	if s.tracker != nil {
		n, err := s.tracker.FailExpired(ctx, now)
		res.ExpiredProcs += n
		errs = append(errs, err)
	}
	for _, m := range s.makers {
		trials, nodes, err := m.failOrphanedAsync(ctx, now)
		res.OrphanedTrials += trials
		res.OrphanedNodes += nodes
		errs = append(errs, err)
	}

	s.mu.Lock()
	s.last = res
	s.mu.Unlock()
	return res, errors.Join(errs...)
}

// LastRun returns the result of the most recent sweep.
func (s *Sweeper) LastRun() SweepResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Interval returns the sweep period.
func (s *Sweeper) Interval() time.Duration { return s.interval }

// failStaleTrials fails trials left unanswered past the response timeout.
func (m *Maker) failStaleTrials(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-m.cfg.ResponseTimeout).UnixMilli()
	var stale []*domain.Trial
	err := m.db.View(ctx, func(tx *sqlite.Tx) error {
		var err error
		stale, err = tx.StaleTrials(ctx, m.cfg.ID, cutoff)
		return err
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, tr := range stale {
		ok, err := m.failIf(ctx, tr.ID, domain.ReasonResponseTimeout, func(tr *domain.Trial) bool {
			return !tr.Complete && tr.CreatedAt.UnixMilli() < cutoff
		})
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// failOrphanedAsync fails trials and nodes still flagged as awaiting async
// work past the async timeout. This catches flags whose process row was
// lost, for example when the server restarted mid-process.
func (m *Maker) failOrphanedAsync(ctx context.Context, now time.Time) (int, int, error) {
	cutoff := now.Add(-m.cfg.AsyncTimeout).UnixMilli()
	var (
		trials []*domain.Trial
		nodes  []*domain.Node
	)
	err := m.db.View(ctx, func(tx *sqlite.Tx) error {
		var err error
		if trials, err = tx.TrialsAwaitingSince(ctx, m.cfg.ID, cutoff); err != nil {
			return err
		}
		nodes, err = tx.NodesAwaitingSince(ctx, m.cfg.ID, cutoff)
		return err
	})
	if err != nil {
		return 0, 0, err
	}

	stillAwaiting := func(awaiting bool, earliest *time.Time) bool {
		return awaiting && earliest != nil && earliest.UnixMilli() < cutoff
	}
	nt := 0
	for _, tr := range trials {
		ok, err := m.failIf(ctx, tr.ID, domain.ReasonAsyncTimeout, func(tr *domain.Trial) bool {
			return stillAwaiting(tr.AwaitingAsyncProcess, tr.EarliestAsyncStart)
		})
		if err != nil {
			return nt, 0, err
		}
		if ok {
			nt++
		}
	}

	nn := 0
	for _, node := range nodes {
		var failed bool
		err := m.db.WithTx(ctx, func(tx *sqlite.Tx) error {
			failed = false
			if err := tx.LockNetwork(ctx, node.NetworkID); err != nil {
				return err
			}
			cur, err := tx.GetNode(ctx, node.ID)
			if err != nil {
				return err
			}
			if cur.Failed || !stillAwaiting(cur.AwaitingAsyncProcess, cur.EarliestAsyncStart) {
				return nil
			}
			pending, err := tx.PendingProcesses(ctx, domain.OwnerNode, cur.ID)
			if err != nil {
				return err
			}
			now := m.now()
			for _, proc := range pending {
				proc.Pending = false
				proc.Failed = true
				proc.FailedReason = domain.ReasonAsyncTimeout
				proc.FinishedAt = &now
				if err := tx.UpdateProcess(ctx, proc); err != nil {
					return err
				}
			}
			cur.Failed = true
			cur.FailedReason = domain.ReasonAsyncTimeout
			cur.AwaitingAsyncProcess = false
			cur.EarliestAsyncStart = nil
			if err := tx.UpdateNode(ctx, cur); err != nil {
				return err
			}
			failed = true
			return nil
		})
		if err != nil {
			return nt, nn, err
		}
		if !failed {
			continue
		}
		nn++
		m.logger.Info("node failed", "node", node.ID, "reason", domain.ReasonAsyncTimeout)
		if _, err := m.GrowNetwork(ctx, node.NetworkID); err != nil {
			m.logger.Error("regrow after node timeout", "network", node.NetworkID, "error", err)
		}
	}
	return nt, nn, nil
}

// failIf fails the trial when cond still holds for it under the network
// lock. Pending processes owned by the trial are failed with it.
func (m *Maker) failIf(ctx context.Context, trialID int64, reason string, cond func(*domain.Trial) bool) (bool, error) {
	var failed *domain.Trial
	err := m.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		failed = nil
		tr, err := tx.GetTrial(ctx, trialID)
		if err != nil {
			return err
		}
		if err := tx.LockNetwork(ctx, tr.NetworkID); err != nil {
			return err
		}
		if tr, err = tx.GetTrial(ctx, trialID); err != nil {
			return err
		}
		if tr.Failed || !cond(tr) {
			return nil
		}
		pending, err := tx.PendingProcesses(ctx, domain.OwnerTrial, tr.ID)
		if err != nil {
			return err
		}
		now := m.now()
		for _, proc := range pending {
			proc.Pending = false
			proc.Failed = true
			proc.FailedReason = reason
			proc.FinishedAt = &now
			if err := tx.UpdateProcess(ctx, proc); err != nil {
				return err
			}
		}
		tr.AwaitingAsyncProcess = false
		tr.EarliestAsyncStart = nil
		ok, err := m.failTrial(ctx, tx, tr, reason)
		if ok {
			failed = tr
		}
		return err
	})
	if err != nil || failed == nil {
		return false, err
	}
	m.afterTrialFailed(ctx, failed)
	return true, nil
}
