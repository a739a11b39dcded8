// Package process tracks async processes attached to trials, nodes and
// networks. While a process is pending its owner carries the awaiting flag
// and is excluded from allocation; when it finishes the result is merged
// into the owner, and when it fails or times out the owner is failed.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"github.com/trialflow/trialflow/internal/domain"
	"github.com/trialflow/trialflow/internal/infra/metrics"
	"github.com/trialflow/trialflow/internal/infra/sqlite"
)

// Func is the body of an async process. Its result is merged into the
// owner's analysis (trials) or definition (nodes).
type Func func(ctx context.Context) (map[string]any, error)

// Owner identifies the row a process is attached to.
type Owner struct {
	Kind      domain.OwnerKind
	ID        int64
	NetworkID int64
}

// Handle refers to a registered process.
type Handle struct {
	Key   string
	Owner Owner
}

// Listener is called after a process settles, outside any transaction.
type Listener func(ctx context.Context, proc *domain.AsyncProcess)

// Config controls the tracker.
type Config struct {
	Timeout     time.Duration // Default per-process timeout
	Concurrency int64         // Max processes running at once
	PollEvery   time.Duration // Row poll interval when no in-process handle exists
}

// DefaultConfig returns production tracker defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:     300 * time.Second,
		Concurrency: 8,
		PollEvery:   100 * time.Millisecond,
	}
}

// Tracker runs and records async processes.
type Tracker struct {
	db     *sqlite.DB
	cfg    Config
	logger *slog.Logger
	sem    *semaphore.Weighted
	wg     sync.WaitGroup

	mu        sync.Mutex
	done      map[string]chan struct{}
	listeners []Listener

	now func() time.Time
}

// NewTracker creates a tracker over db.
func NewTracker(db *sqlite.DB, cfg Config, logger *slog.Logger) *Tracker {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = def.PollEvery
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		db:     db,
		cfg:    cfg,
		logger: logger.With("component", "process"),
		sem:    semaphore.NewWeighted(cfg.Concurrency),
		done:   make(map[string]chan struct{}),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Timeout is the default per-process timeout.
func (t *Tracker) Timeout() time.Duration { return t.cfg.Timeout }

// Subscribe adds a listener for settled processes.
func (t *Tracker) Subscribe(l Listener) {
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
}

// Register records a pending process on owner, flags the owner as
// awaiting, commits, and then runs fn in the background.
func (t *Tracker) Register(ctx context.Context, owner Owner, label string, fn Func) (Handle, error) {
	proc := &domain.AsyncProcess{
		Key:       ulid.Make().String(),
		Label:     label,
		OwnerKind: owner.Kind,
		OwnerID:   owner.ID,
		NetworkID: owner.NetworkID,
		Pending:   true,
		StartedAt: t.now(),
		Timeout:   t.cfg.Timeout,
		Result:    map[string]any{},
	}
	err := t.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		if err := tx.InsertProcess(ctx, proc); err != nil {
			return err
		}
		return syncAwaiting(ctx, tx, owner.Kind, owner.ID)
	})
	if err != nil {
		return Handle{}, fmt.Errorf("register %s: %w", label, err)
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.done[proc.Key] = done
	t.mu.Unlock()

	t.wg.Add(1)
	metrics.AsyncPending.Inc()
	go t.run(proc, fn, done)

	t.logger.Debug("async process registered", "key", proc.Key, "label", label,
		"owner", owner.Kind, "owner_id", owner.ID)
	return Handle{Key: proc.Key, Owner: owner}, nil
}

func (t *Tracker) run(proc *domain.AsyncProcess, fn Func, done chan struct{}) {
	defer func() {
		t.mu.Lock()
		delete(t.done, proc.Key)
		t.mu.Unlock()
		close(done)
		metrics.AsyncPending.Dec()
		t.wg.Done()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), proc.Timeout)
	defer cancel()

	var result map[string]any
	err := t.sem.Acquire(ctx, 1)
	if err == nil {
		result, err = t.call(ctx, fn)
		t.sem.Release(1)
	}

	// Settling uses a fresh context: the process context may have expired.
	settleCtx, settleCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer settleCancel()
	if serr := t.settle(settleCtx, proc.Key, result, err); serr != nil {
		t.logger.Error("settle async process", "key", proc.Key, "error", serr)
	}
}

func (t *Tracker) call(ctx context.Context, fn Func) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// settle records the outcome of a process that ran to completion. A process
// already failed by a timeout is left alone.
func (t *Tracker) settle(ctx context.Context, key string, result map[string]any, runErr error) error {
	var settled *domain.AsyncProcess
	err := t.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		settled = nil
		proc, err := tx.GetProcess(ctx, key)
		if err != nil {
			return err
		}
		if !proc.Pending {
			return nil
		}
		if proc.NetworkID != 0 {
			if err := tx.LockNetwork(ctx, proc.NetworkID); err != nil {
				return err
			}
		}
		if runErr != nil {
			reason := domain.ReasonAsyncFailed
			if errors.Is(runErr, context.DeadlineExceeded) {
				reason = domain.ReasonAsyncTimeout
			}
			if err := t.fail(ctx, tx, proc, reason); err != nil {
				return err
			}
			settled = proc
			return nil
		}

		now := t.now()
		proc.Pending = false
		proc.Finished = true
		proc.FinishedAt = &now
		proc.Result = result
		if err := tx.UpdateProcess(ctx, proc); err != nil {
			return err
		}
		if err := mergeResult(ctx, tx, proc); err != nil {
			return err
		}
		if err := syncAwaiting(ctx, tx, proc.OwnerKind, proc.OwnerID); err != nil {
			return err
		}
		settled = proc
		return nil
	})
	if err != nil {
		return err
	}
	if settled != nil {
		if settled.Failed {
			t.logger.Warn("async process failed", "key", key, "label", settled.Label,
				"reason", settled.FailedReason, "error", runErr)
		} else {
			t.logger.Debug("async process finished", "key", key, "label", settled.Label,
				"took", settled.TimeTaken())
		}
		t.notify(ctx, settled)
	}
	return nil
}

// fail marks proc failed with reason and fails its owner.
func (t *Tracker) fail(ctx context.Context, tx *sqlite.Tx, proc *domain.AsyncProcess, reason string) error {
	now := t.now()
	proc.Pending = false
	proc.Failed = true
	proc.FailedReason = reason
	proc.FinishedAt = &now
	if err := tx.UpdateProcess(ctx, proc); err != nil {
		return err
	}

	switch proc.OwnerKind {
	case domain.OwnerTrial:
		tr, err := tx.GetTrial(ctx, proc.OwnerID)
		if err != nil {
			return err
		}
		failed, err := tx.FailTrial(ctx, tr, reason)
		if err != nil {
			return err
		}
		if failed {
			metrics.TrialsFailed.WithLabelValues(tr.TrialMakerID, reason).Inc()
		}
	case domain.OwnerNode:
		n, err := tx.GetNode(ctx, proc.OwnerID)
		if err != nil {
			return err
		}
		if !n.Failed {
			n.Failed = true
			n.FailedReason = reason
			if err := tx.UpdateNode(ctx, n); err != nil {
				return err
			}
		}
	case domain.OwnerNetwork:
		net, err := tx.GetNetwork(ctx, proc.OwnerID)
		if err != nil {
			return err
		}
		if !net.Failed {
			net.Failed = true
			net.FailedReason = reason
			if err := tx.UpdateNetwork(ctx, net); err != nil {
				return err
			}
		}
	}
	return syncAwaiting(ctx, tx, proc.OwnerKind, proc.OwnerID)
}

// mergeResult folds a finished process's result into its owner.
func mergeResult(ctx context.Context, tx *sqlite.Tx, proc *domain.AsyncProcess) error {
	if len(proc.Result) == 0 {
		return nil
	}
	switch proc.OwnerKind {
	case domain.OwnerTrial:
		tr, err := tx.GetTrial(ctx, proc.OwnerID)
		if err != nil {
			return err
		}
		if tr.Analysis == nil {
			tr.Analysis = map[string]any{}
		}
		maps.Copy(tr.Analysis, proc.Result)
		return tx.UpdateTrial(ctx, tr)
	case domain.OwnerNode:
		n, err := tx.GetNode(ctx, proc.OwnerID)
		if err != nil {
			return err
		}
		if n.Definition == nil {
			n.Definition = map[string]any{}
		}
		maps.Copy(n.Definition, proc.Result)
		return tx.UpdateNode(ctx, n)
	}
	return nil
}

// syncAwaiting recomputes an owner's awaiting flag and earliest start from
// its pending processes.
func syncAwaiting(ctx context.Context, tx *sqlite.Tx, kind domain.OwnerKind, ownerID int64) error {
	pending, err := tx.PendingProcesses(ctx, kind, ownerID)
	if err != nil {
		return err
	}
	var earliest *time.Time
	for _, p := range pending {
		if earliest == nil || p.StartedAt.Before(*earliest) {
			s := p.StartedAt
			earliest = &s
		}
	}
	return tx.SetAwaiting(ctx, kind, ownerID, len(pending) > 0, earliest)
}

func (t *Tracker) notify(ctx context.Context, proc *domain.AsyncProcess) {
	t.mu.Lock()
	ls := append([]Listener(nil), t.listeners...)
	t.mu.Unlock()
	for _, l := range ls {
		l(ctx, proc)
	}
}

// IsPending reports whether owner has any pending process.
func (t *Tracker) IsPending(ctx context.Context, owner Owner) (bool, error) {
	var pending []*domain.AsyncProcess
	err := t.db.View(ctx, func(tx *sqlite.Tx) error {
		var err error
		pending, err = tx.PendingProcesses(ctx, owner.Kind, owner.ID)
		return err
	})
	return len(pending) > 0, err
}

// AwaitOrTimeout blocks until the process settles or timeout elapses. On
// timeout the process and its owner are failed and ErrAsyncTimeout is
// returned. A process that failed returns ErrAsyncFailed.
func (t *Tracker) AwaitOrTimeout(ctx context.Context, h Handle, timeout time.Duration) (*domain.AsyncProcess, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	t.mu.Lock()
	done, local := t.done[h.Key]
	t.mu.Unlock()

	if local {
		select {
		case <-done:
		case <-deadline.C:
			return t.timeout(ctx, h.Key)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return t.outcome(ctx, h.Key)
	}

	poll := time.NewTicker(t.cfg.PollEvery)
	defer poll.Stop()
	for {
		proc, err := t.get(ctx, h.Key)
		if err != nil {
			return nil, err
		}
		if !proc.Pending {
			return t.outcome(ctx, h.Key)
		}
		select {
		case <-poll.C:
		case <-deadline.C:
			return t.timeout(ctx, h.Key)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (t *Tracker) get(ctx context.Context, key string) (*domain.AsyncProcess, error) {
	var proc *domain.AsyncProcess
	err := t.db.View(ctx, func(tx *sqlite.Tx) error {
		var err error
		proc, err = tx.GetProcess(ctx, key)
		return err
	})
	return proc, err
}

func (t *Tracker) outcome(ctx context.Context, key string) (*domain.AsyncProcess, error) {
	proc, err := t.get(ctx, key)
	if err != nil {
		return nil, err
	}
	switch {
	case proc.Failed && proc.FailedReason == domain.ReasonAsyncTimeout:
		return proc, domain.ErrAsyncTimeout
	case proc.Failed:
		return proc, fmt.Errorf("%w: %s", domain.ErrAsyncFailed, proc.FailedReason)
	}
	return proc, nil
}

func (t *Tracker) timeout(ctx context.Context, key string) (*domain.AsyncProcess, error) {
	if _, err := t.expire(ctx, key); err != nil {
		return nil, err
	}
	return t.outcome(ctx, key)
}

// expire fails a still-pending process with async_timeout.
func (t *Tracker) expire(ctx context.Context, key string) (bool, error) {
	var expired *domain.AsyncProcess
	err := t.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		expired = nil
		proc, err := tx.GetProcess(ctx, key)
		if err != nil {
			return err
		}
		if !proc.Pending {
			return nil
		}
		if proc.NetworkID != 0 {
			if err := tx.LockNetwork(ctx, proc.NetworkID); err != nil {
				return err
			}
		}
		if err := t.fail(ctx, tx, proc, domain.ReasonAsyncTimeout); err != nil {
			return err
		}
		expired = proc
		return nil
	})
	if err != nil {
		return false, err
	}
	if expired == nil {
		return false, nil
	}
	t.logger.Warn("async process timed out", "key", key, "label", expired.Label,
		"owner", expired.OwnerKind, "owner_id", expired.OwnerID)
	t.notify(ctx, expired)
	return true, nil
}

// FailExpired times out every pending process whose own timeout has
// elapsed by now. It returns how many were failed.
func (t *Tracker) FailExpired(ctx context.Context, now time.Time) (int, error) {
	var candidates []*domain.AsyncProcess
	err := t.db.View(ctx, func(tx *sqlite.Tx) error {
		var err error
		candidates, err = tx.ExpiredProcesses(ctx, now)
		return err
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, proc := range candidates {
		timeout := proc.Timeout
		if timeout <= 0 {
			timeout = t.cfg.Timeout
		}
		if now.Sub(proc.StartedAt) < timeout {
			continue
		}
		ok, err := t.expire(ctx, proc.Key)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Wait blocks until every process started by this tracker has returned.
func (t *Tracker) Wait() {
	t.wg.Wait()
}
