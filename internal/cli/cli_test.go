package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("TRIALFLOW_HOME", t.TempDir())
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		definitionPath, configPath, logLevel = "", "", ""
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCheck(t *testing.T) {
	out, err := run(t, "check", "../experiment/testdata/demo.yaml")
	if err != nil {
		t.Fatalf("check error: %v", err)
	}
	var got struct {
		ID       string  `yaml:"id"`
		Elements int     `yaml:"elements"`
		MaxTime  float64 `yaml:"max_time"`
		Estimate struct {
			TimeSeconds float64 `yaml:"time_seconds"`
		} `yaml:"estimate"`
	}
	if err := yaml.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not YAML: %v\n%s", err, out)
	}
	if got.ID != "lexical-decision" {
		t.Errorf("id = %q", got.ID)
	}
	if got.Elements == 0 || got.MaxTime <= 0 {
		t.Errorf("estimates missing: %+v", got)
	}
	if got.Estimate.TimeSeconds != got.MaxTime {
		t.Errorf("estimate time_seconds = %v, want %v", got.Estimate.TimeSeconds, got.MaxTime)
	}
}

func TestCheck_BrokenDefinition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	os.WriteFile(path, []byte("timeline:\n  - info: {label: a, content: A}\n"), 0644)

	if _, err := run(t, "check", path); err == nil {
		t.Error("check should fail on a page without a time estimate")
	}
}

func TestSimulate(t *testing.T) {
	out, err := run(t, "simulate", "--bots", "3", "--seed", "5", "../experiment/testdata/demo.yaml")
	if err != nil {
		t.Fatalf("simulate error: %v", err)
	}
	if strings.Count(out, "bot-") != 3 {
		t.Errorf("expected a row per bot:\n%s", out)
	}
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if _, err := run(t, "config", "init", "--config", path); err != nil {
		t.Fatalf("config init error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if _, err := run(t, "config", "init", "--config", path); err == nil {
		t.Error("second init without --force should fail")
	}
}
