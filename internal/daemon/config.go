// Package daemon manages the trialflow server lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all daemon configuration.
type Config struct {
	API        APIConfig        `toml:"api"`
	Database   DatabaseConfig   `toml:"database"`
	Experiment ExperimentConfig `toml:"experiment"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Logging    LoggingConfig    `toml:"logging"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	RequestTimeout string `toml:"request_timeout"`
}

// DatabaseConfig locates the experiment store.
type DatabaseConfig struct {
	Dir string `toml:"dir"`
}

// ExperimentConfig names the experiment definition to serve.
type ExperimentConfig struct {
	Definition string `toml:"definition"`
}

// SchedulerConfig controls the background loops.
type SchedulerConfig struct {
	SweepInterval       string `toml:"sweep_interval"`
	HealthInterval      string `toml:"health_interval"`
	RecruitInterval     string `toml:"recruit_interval"`
	AsyncTimeout        string `toml:"async_timeout"`
	MaxPendingProcesses int    `toml:"max_pending_processes"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
	// JSON switches the console handler to JSON lines. The log file is
	// always JSON.
	JSON bool `toml:"json"`
}

// TelemetryConfig controls metrics export.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	homeDir := trialflowHome()
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           8420,
			RequestTimeout: "30s",
		},
		Database: DatabaseConfig{
			Dir: homeDir,
		},
		Experiment: ExperimentConfig{
			Definition: filepath.Join(homeDir, "experiment.yaml"),
		},
		Scheduler: SchedulerConfig{
			SweepInterval:       "30s",
			HealthInterval:      "60s",
			RecruitInterval:     "1m",
			AsyncTimeout:        "5m",
			MaxPendingProcesses: 1000,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(homeDir, "trialflow.log"),
		},
		Telemetry: TelemetryConfig{
			Prometheus: true,
		},
	}
}

// ConfigPath is where LoadConfig and SaveConfig look.
func ConfigPath() string {
	return filepath.Join(trialflowHome(), "config.toml")
}

// LoadConfig reads config from $TRIALFLOW_HOME/config.toml, falling back to
// defaults.
func LoadConfig() (Config, error) {
	return LoadConfigFile(ConfigPath())
}

// LoadConfigFile reads config from path, falling back to defaults when the
// file does not exist.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks values LoadConfig cannot fix silently.
func (c Config) Validate() error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	for name, v := range map[string]string{
		"api.request_timeout":        c.API.RequestTimeout,
		"scheduler.sweep_interval":   c.Scheduler.SweepInterval,
		"scheduler.health_interval":  c.Scheduler.HealthInterval,
		"scheduler.recruit_interval": c.Scheduler.RecruitInterval,
		"scheduler.async_timeout":    c.Scheduler.AsyncTimeout,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// SaveConfig writes the config to $TRIALFLOW_HOME/config.toml.
func SaveConfig(cfg Config) error {
	return SaveConfigFile(ConfigPath(), cfg)
}

// SaveConfigFile writes the config to path.
func SaveConfigFile(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// trialflowHome returns the trialflow data directory.
func trialflowHome() string {
	if env := os.Getenv("TRIALFLOW_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".trialflow")
}

// Home is exported for use by other packages.
func Home() string {
	return trialflowHome()
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
