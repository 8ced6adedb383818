package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadSeedsExampleAndFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, statErr := os.Stat(path); statErr != nil {
		t.Fatalf("config file not seeded: %v", statErr)
	}
	if cfg.AgentBinary != DefaultAgentBinary {
		t.Fatalf("agent binary = %q", cfg.AgentBinary)
	}
	if cfg.MaxConcurrency != 4 {
		t.Fatalf("max concurrency = %d", cfg.MaxConcurrency)
	}
	if len(cfg.UsageToolCommands) != 3 {
		t.Fatalf("usage tool commands = %v", cfg.UsageToolCommands)
	}
	if len(cfg.WorkingDirectoryWhitelist) == 0 {
		t.Fatal("whitelist should default to the data root")
	}
	if cfg.Logging == nil {
		t.Fatal("logging block should have a default")
	}
	if _, err := cfg.BuildLogger(); err != nil {
		t.Fatalf("compile logger: %v", err)
	}
}

func TestLoadReadsFileValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	content := `
data_root: /srv/pilot
timezone: Asia/Taipei
agent_binary: claude-dev
max_concurrency: 2
monitor_periods:
    critical_seconds: 5
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataRoot != "/srv/pilot" || cfg.AgentBinary != "claude-dev" || cfg.MaxConcurrency != 2 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if loc, err := cfg.Location(); err != nil || loc.String() != "Asia/Taipei" {
		t.Fatalf("location = %v, err=%v", loc, err)
	}
	periods := cfg.Periods()
	if periods.Critical != 5*time.Second {
		t.Fatalf("critical period = %v", periods.Critical)
	}
	if periods.Normal != 10*time.Minute {
		t.Fatalf("normal period should keep default, got %v", periods.Normal)
	}
	if cfg.DatabasePath() != filepath.Join("/srv/pilot", "engine.db") {
		t.Fatalf("db path = %s", cfg.DatabasePath())
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	t.Setenv(EnvPrefix+"DATA_ROOT", "/tmp/override")
	t.Setenv(EnvPrefix+"MAX_CONCURRENCY", "8")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataRoot != "/tmp/override" {
		t.Fatalf("data root = %q", cfg.DataRoot)
	}
	if cfg.MaxConcurrency != 8 {
		t.Fatalf("max concurrency = %d", cfg.MaxConcurrency)
	}
}
