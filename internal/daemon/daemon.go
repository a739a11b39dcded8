package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trialflow/trialflow/internal/api"
	"github.com/trialflow/trialflow/internal/experiment"
	"github.com/trialflow/trialflow/internal/health"
	"github.com/trialflow/trialflow/internal/infra/sqlite"
	"github.com/trialflow/trialflow/internal/process"
	"github.com/trialflow/trialflow/internal/trial"
)

// Daemon is the trialflow runtime. It wires together all services.
type Daemon struct {
	Config     Config
	DB         *sqlite.DB
	Experiment *experiment.Experiment
	Tracker    *process.Tracker
	Sweeper    *trial.Sweeper
	Health     *health.Checker
	Server     *api.Server
	Recruiter  trial.Recruiter
	Logger     *slog.Logger
	cancel     context.CancelFunc
}

// New loads the config from TRIALFLOW_HOME and builds a Daemon.
func New(logger *slog.Logger) (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg, logger)
}

// NewWithConfig opens the store, builds and deploys the experiment, and
// wires the background services.
func NewWithConfig(cfg Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := cfg.Database.Dir
	if dir == "" {
		dir = trialflowHome()
	}
	db, err := sqlite.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	def, err := experiment.LoadDefinition(cfg.Experiment.Definition)
	if err != nil {
		db.Close()
		return nil, err
	}

	trackerCfg := process.DefaultConfig()
	trackerCfg.Timeout = parseDuration(cfg.Scheduler.AsyncTimeout, trackerCfg.Timeout)
	tracker := process.NewTracker(db, trackerCfg, logger)

	exp, err := def.Build(db, tracker, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build experiment: %w", err)
	}
	if err := exp.Deploy(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("deploy experiment: %w", err)
	}

	sweeper := trial.NewSweeper(exp.Makers(), tracker,
		parseDuration(cfg.Scheduler.SweepInterval, 30*time.Second), logger)

	checker := health.NewChecker(db, dir, sweeper, health.Config{
		Interval:            parseDuration(cfg.Scheduler.HealthInterval, 60*time.Second),
		MaxPendingProcesses: cfg.Scheduler.MaxPendingProcesses,
	}, logger)

	srv := api.NewServer(exp, logger)
	srv.SetHealth(checker)
	srv.SetTimeout(parseDuration(cfg.API.RequestTimeout, 30*time.Second))
	if cfg.Telemetry.Prometheus {
		srv.EnableMetrics()
	}

	return &Daemon{
		Config:     cfg,
		DB:         db,
		Experiment: exp,
		Tracker:    tracker,
		Sweeper:    sweeper,
		Health:     checker,
		Server:     srv,
		Recruiter:  trial.LogRecruiter{Logger: logger.With("component", "recruit")},
		Logger:     logger.With("component", "daemon"),
	}, nil
}

// Serve starts the HTTP server and background loops and blocks until
// shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	go d.Health.Run(ctx)
	go d.Sweeper.Run(ctx)
	go d.recruitLoop(ctx, parseDuration(d.Config.Scheduler.RecruitInterval, time.Minute))

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}
		d.Logger.Info("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	d.Logger.Info("serving", "addr", "http://"+addr, "experiment", d.Experiment.Config().ID,
		"metrics", d.Config.Telemetry.Prometheus)

	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		cancel()
		return err
	}
	d.Tracker.Wait()
	return nil
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.Tracker != nil {
		d.Tracker.Wait()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
}

func (d *Daemon) recruitLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.RecruitOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.Logger.Error("recruitment check failed", "error", err)
			}
		}
	}
}

// RecruitOnce asks the recruiter for the participants still wanted and
// returns how many were requested.
func (d *Daemon) RecruitOnce(ctx context.Context) (int, error) {
	want := 0
	for _, m := range d.Experiment.Makers() {
		prog, err := m.Progress(ctx)
		if err != nil {
			return 0, err
		}
		if prog.Target <= 0 || prog.Done() {
			continue
		}
		n := 1
		if prog.Mode == trial.RecruitParticipants {
			n = prog.Target - prog.CompletedParticipants
		}
		want = max(want, n)
	}
	if want == 0 {
		return 0, nil
	}
	return want, d.Recruiter.Recruit(ctx, want)
}
