package health

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/trialflow/trialflow/internal/domain"
	"github.com/trialflow/trialflow/internal/infra/sqlite"
	"github.com/trialflow/trialflow/internal/trial"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func statusOf(t *testing.T, c *Checker, name string) Status {
	t.Helper()
	for _, s := range c.Statuses() {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("check %q not found in statuses", name)
	return Status{}
}

// ─── Checker Tests ──────────────────────────────────────────────────────────

func TestNewChecker(t *testing.T) {
	db := newTestDB(t)

	c := NewChecker(db, t.TempDir(), nil, DefaultConfig(), nil)
	if c == nil {
		t.Fatal("NewChecker() returned nil")
	}
	if len(c.checks) != 3 {
		t.Errorf("checks = %d, want 3", len(c.checks))
	}

	sw := trial.NewSweeper(nil, nil, time.Minute, nil)
	c = NewChecker(db, t.TempDir(), sw, Config{}, nil)
	if len(c.checks) != 3 {
		t.Errorf("checks = %d, want 3 (sqlite, data_dir, sweep)", len(c.checks))
	}
	if c.interval != DefaultConfig().Interval {
		t.Errorf("interval = %v, want default", c.interval)
	}
}

func TestChecker_RunAllHealthy(t *testing.T) {
	db := newTestDB(t)

	c := NewChecker(db, t.TempDir(), nil, DefaultConfig(), nil)
	c.runAll(context.Background())

	statuses := c.Statuses()
	if len(statuses) != 3 {
		t.Fatalf("Statuses() = %d, want 3", len(statuses))
	}
	for _, s := range statuses {
		if !s.Healthy {
			t.Errorf("check %q should be healthy, got error: %s", s.Name, s.Error)
		}
	}
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true when all checks pass")
	}
}

func TestChecker_IsHealthy_BeforeRun(t *testing.T) {
	c := NewChecker(newTestDB(t), t.TempDir(), nil, DefaultConfig(), nil)

	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true before first run (no statuses)")
	}
}

func TestChecker_DataDirMissing(t *testing.T) {
	db := newTestDB(t)
	c := NewChecker(db, filepath.Join(t.TempDir(), "gone"), nil, DefaultConfig(), nil)
	c.runAll(context.Background())

	if statusOf(t, c, "data_dir").Healthy {
		t.Error("data_dir should fail when the directory is missing")
	}
	if c.IsHealthy() {
		t.Error("IsHealthy() should be false")
	}
}

func TestChecker_DataDirIsFile(t *testing.T) {
	db := newTestDB(t)
	path := filepath.Join(t.TempDir(), "data")
	if err := os.WriteFile(path, []byte("not a dir"), 0644); err != nil {
		t.Fatal(err)
	}

	c := NewChecker(db, path, nil, DefaultConfig(), nil)
	c.runAll(context.Background())

	if statusOf(t, c, "data_dir").Healthy {
		t.Error("data_dir should fail when path is a file")
	}
}

func TestChecker_AsyncBacklog(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	for i := range 3 {
		err := db.WithTx(ctx, func(tx *sqlite.Tx) error {
			return tx.InsertProcess(ctx, &domain.AsyncProcess{
				Key:       "proc-" + string(rune('a'+i)),
				Label:     "synthesize",
				OwnerKind: domain.OwnerNode,
				OwnerID:   int64(i + 1),
				Pending:   true,
				StartedAt: time.Now(),
			})
		})
		if err != nil {
			t.Fatalf("InsertProcess() error: %v", err)
		}
	}

	c := NewChecker(db, t.TempDir(), nil, Config{MaxPendingProcesses: 2}, nil)
	c.runAll(ctx)
	if statusOf(t, c, "async_backlog").Healthy {
		t.Error("async_backlog should fail above the limit")
	}

	c = NewChecker(db, t.TempDir(), nil, Config{MaxPendingProcesses: 3}, nil)
	c.runAll(ctx)
	if !statusOf(t, c, "async_backlog").Healthy {
		t.Error("async_backlog should pass at the limit")
	}
}

func TestChecker_SweepRecovers(t *testing.T) {
	db := newTestDB(t)
	sw := trial.NewSweeper(nil, nil, time.Minute, nil)
	c := NewChecker(db, t.TempDir(), sw, DefaultConfig(), nil)

	c.runAll(context.Background())
	if statusOf(t, c, "sweep").Healthy {
		t.Error("sweep should be unhealthy before the first run")
	}

	// Recovery ran the sweep, so the next pass is healthy.
	c.runAll(context.Background())
	if !statusOf(t, c, "sweep").Healthy {
		t.Errorf("sweep should be healthy after recovery: %s", statusOf(t, c, "sweep").Error)
	}

	c.now = func() time.Time { return time.Now().Add(time.Hour) }
	c.runAll(context.Background())
	if statusOf(t, c, "sweep").Healthy {
		t.Error("sweep should be unhealthy when the last run is stale")
	}
}

func TestChecker_CustomCheck(t *testing.T) {
	c := &Checker{
		checks: []Check{
			{
				Name: "always_pass",
				CheckFn: func(ctx context.Context) error {
					return nil
				},
			},
		},
	}

	c.runAll(context.Background())

	statuses := c.Statuses()
	if len(statuses) != 1 {
		t.Fatalf("statuses = %d, want 1", len(statuses))
	}
	if !statuses[0].Healthy {
		t.Error("always_pass check should be healthy")
	}
}

func TestChecker_FailingCheckRunsRecovery(t *testing.T) {
	recovered := false
	c := &Checker{
		checks: []Check{
			{
				Name: "always_fail",
				CheckFn: func(ctx context.Context) error {
					return os.ErrPermission
				},
				RecoverFn: func(ctx context.Context) error {
					recovered = true
					return nil
				},
			},
		},
	}

	c.runAll(context.Background())

	statuses := c.Statuses()
	if statuses[0].Healthy {
		t.Error("always_fail check should not be healthy")
	}
	if statuses[0].Error == "" {
		t.Error("error message should be populated")
	}
	if !recovered {
		t.Error("RecoverFn should run after a failed check")
	}
}

func TestChecker_StatusesCopy(t *testing.T) {
	db := newTestDB(t)
	c := NewChecker(db, t.TempDir(), nil, DefaultConfig(), nil)
	c.runAll(context.Background())

	s1 := c.Statuses()
	s2 := c.Statuses()

	if len(s1) > 0 {
		s1[0].Healthy = false
		if !s2[0].Healthy {
			t.Error("Statuses() should return a copy, not a reference")
		}
	}
}
