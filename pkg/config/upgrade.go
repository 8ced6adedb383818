package config

import (
	_ "embed"
	"os"
	"path/filepath"

	up "go.mau.fi/util/configupgrade"
)

//go:embed example-config.yaml
var ExampleConfig string

// SpacedBlocks keeps blank lines between the top-level sections when the
// config file is rewritten.
var SpacedBlocks = [][]string{
	{"data_root"},
	{"agent_binary"},
	{"monitor_periods"},
	{"dangerous_patterns"},
	{"usage_tool_commands"},
	{"logging"},
}

func doUpgrade(helper up.Helper) {
	helper.Copy(up.Str|up.Null, "data_root")
	helper.Copy(up.Str|up.Null, "timezone")
	helper.Copy(up.Str, "agent_binary")
	helper.Copy(up.Int, "max_concurrency")
	helper.Copy(up.Int, "default_timeout_sync_seconds")
	helper.Copy(up.Int, "default_timeout_async_seconds")
	helper.Copy(up.Int, "cooldown_default_minutes")
	helper.Copy(up.Int, "monitor_periods", "normal_seconds")
	helper.Copy(up.Int, "monitor_periods", "approaching_seconds")
	helper.Copy(up.Int, "monitor_periods", "imminent_seconds")
	helper.Copy(up.Int, "monitor_periods", "critical_seconds")
	helper.Copy(up.Int, "monitor_periods", "unavailable_seconds")
	helper.Copy(up.Int, "monitor_periods", "unknown_seconds")
	helper.Copy(up.List, "dangerous_patterns")
	helper.Copy(up.List, "working_directory_whitelist")
	helper.Copy(up.List, "usage_tool_commands")
	helper.Copy(up.Int, "retention_result_days")
	helper.Copy(up.Map, "logging")
}

// Upgrader merges an existing config file with the current example.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(doUpgrade),
	Blocks:         SpacedBlocks,
	Base:           ExampleConfig,
}

// upgradeConfig reads the file at path, seeding it from the example when it
// does not exist yet, and returns the upgraded YAML.
func upgradeConfig(path string) ([]byte, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err = os.WriteFile(path, []byte(ExampleConfig), 0o600); err != nil {
			return nil, err
		}
	}
	return up.Do(path, true, Upgrader)
}
