// Package health provides periodic health checks with auto-recovery.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/trialflow/trialflow/internal/infra/metrics"
	"github.com/trialflow/trialflow/internal/infra/sqlite"
	"github.com/trialflow/trialflow/internal/trial"
)

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Config tunes the checker.
type Config struct {
	Interval time.Duration
	// MaxPendingProcesses is the async backlog above which the store is
	// reported unhealthy. Zero disables the check.
	MaxPendingProcesses int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{Interval: 60 * time.Second, MaxPendingProcesses: 1000}
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewChecker creates a health checker over the experiment store. sweeper
// may be nil, in which case sweep liveness is not checked.
func NewChecker(db *sqlite.DB, dataDir string, sweeper *trial.Sweeper, cfg Config, logger *slog.Logger) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Checker{
		interval: cfg.Interval,
		logger:   logger.With("component", "health"),
		now:      time.Now,
	}
	c.checks = []Check{
		{
			Name: "sqlite",
			CheckFn: func(ctx context.Context) error {
				return db.Ping()
			},
		},
		{
			Name: "data_dir",
			CheckFn: func(ctx context.Context) error {
				return checkDataDir(dataDir)
			},
		},
	}
	if cfg.MaxPendingProcesses > 0 {
		c.checks = append(c.checks, Check{
			Name: "async_backlog",
			CheckFn: func(ctx context.Context) error {
				return checkBacklog(ctx, db, cfg.MaxPendingProcesses)
			},
		})
	}
	if sweeper != nil {
		c.checks = append(c.checks, Check{
			Name: "sweep",
			CheckFn: func(ctx context.Context) error {
				return checkSweep(sweeper, c.now())
			},
			RecoverFn: func(ctx context.Context) error {
				_, err := sweeper.RunOnce(ctx)
				return err
			},
		})
	}
	return c
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	c.runAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runAll(ctx)
		}
	}
}

func (c *Checker) runAll(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: time.Now(),
		}
		if err := check.CheckFn(ctx); err != nil {
			s.Error = err.Error()
			if c.logger != nil {
				c.logger.Warn("health check failed", "check", check.Name, "error", err)
			}
			if check.RecoverFn != nil {
				if rerr := check.RecoverFn(ctx); rerr != nil && c.logger != nil {
					c.logger.Error("recovery failed", "check", check.Name, "error", rerr)
				}
			}
		} else {
			s.Healthy = true
		}
		gauge := 0.0
		if s.Healthy {
			gauge = 1
		}
		metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(gauge)
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

func checkDataDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("check data dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

func checkBacklog(ctx context.Context, db *sqlite.DB, limit int) error {
	var n int
	err := db.View(ctx, func(tx *sqlite.Tx) error {
		var err error
		n, err = tx.CountPendingProcesses(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if n > limit {
		return fmt.Errorf("%d async processes pending, limit %d", n, limit)
	}
	return nil
}

// checkSweep fails when the sweeper has not run for three intervals.
func checkSweep(s *trial.Sweeper, now time.Time) error {
	last := s.LastRun().RanAt
	if last.IsZero() {
		return fmt.Errorf("sweep has not run")
	}
	if age := now.Sub(last); age > 3*s.Interval() {
		return fmt.Errorf("last sweep %s ago", age.Round(time.Second))
	}
	return nil
}
