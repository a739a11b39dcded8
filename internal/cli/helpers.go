package cli

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/trialflow/trialflow/internal/daemon"
)

// loadConfig reads the config file and applies the global flag overrides.
func loadConfig() (daemon.Config, error) {
	var (
		cfg daemon.Config
		err error
	)
	if configPath != "" {
		cfg, err = daemon.LoadConfigFile(configPath)
	} else {
		cfg, err = daemon.LoadConfig()
	}
	if err != nil {
		return cfg, err
	}
	if definitionPath != "" {
		cfg.Experiment.Definition = definitionPath
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// newLogger builds the logger for a command. Only serve writes the log
// file.
func newLogger(cfg daemon.Config, withFile bool) (*slog.Logger, io.Closer, error) {
	lc := cfg.Logging
	if !withFile {
		lc.File = ""
	}
	return daemon.NewLogger(lc, os.Stderr)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
