// Package config loads the engine configuration: one YAML file in the data
// directory plus environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/s123104/night-pilot/pkg/monitor"
	"github.com/s123104/night-pilot/pkg/nperrors"
)

// DefaultAgentBinary is the agent name resolved on PATH.
const DefaultAgentBinary = "claude"

// EnvPrefix namespaces the environment overrides.
const EnvPrefix = "NIGHT_PILOT_"

// Config is the engine configuration.
type Config struct {
	// DataRoot holds the database, audit logs, and default agent cwd.
	DataRoot string `yaml:"data_root"`
	// Timezone drives cron expressions and cooldown wall-clock parsing.
	// Empty means the system timezone.
	Timezone    string `yaml:"timezone"`
	AgentBinary string `yaml:"agent_binary"`

	MaxConcurrency      int64 `yaml:"max_concurrency"`
	TimeoutSyncSeconds  int64 `yaml:"default_timeout_sync_seconds"`
	TimeoutAsyncSeconds int64 `yaml:"default_timeout_async_seconds"`

	// CooldownDefaultMinutes is assumed when rate-limit output names no
	// duration.
	CooldownDefaultMinutes int64 `yaml:"cooldown_default_minutes"`

	MonitorPeriods *MonitorPeriodsConfig `yaml:"monitor_periods"`

	// DangerousPatterns are extra regexes that raise the risk level.
	DangerousPatterns []string `yaml:"dangerous_patterns"`
	// WorkingDirectoryWhitelist lists allowed agent cwds besides the data
	// root.
	WorkingDirectoryWhitelist []string `yaml:"working_directory_whitelist"`

	// UsageToolCommands is the resolution order for the usage tool: native,
	// then the package runners.
	UsageToolCommands [][]string `yaml:"usage_tool_commands"`

	// RetentionResultDays caps stored results by age in days; 0 keeps forever.
	RetentionResultDays int64 `yaml:"retention_result_days"`

	Logging *zeroconfig.Config `yaml:"logging"`
}

// MonitorPeriodsConfig overrides the adaptive cadence table, in seconds.
type MonitorPeriodsConfig struct {
	NormalSeconds      int64 `yaml:"normal_seconds"`
	ApproachingSeconds int64 `yaml:"approaching_seconds"`
	ImminentSeconds    int64 `yaml:"imminent_seconds"`
	CriticalSeconds    int64 `yaml:"critical_seconds"`
	UnavailableSeconds int64 `yaml:"unavailable_seconds"`
	UnknownSeconds     int64 `yaml:"unknown_seconds"`
}

// WithDefaults fills unset fields in place and returns the config.
func (c *Config) WithDefaults() *Config {
	if strings.TrimSpace(c.DataRoot) == "" {
		if configDir, err := os.UserConfigDir(); err == nil {
			c.DataRoot = filepath.Join(configDir, "night-pilot")
		} else {
			c.DataRoot = ".night-pilot"
		}
	}
	if strings.TrimSpace(c.AgentBinary) == "" {
		c.AgentBinary = DefaultAgentBinary
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.TimeoutSyncSeconds <= 0 {
		c.TimeoutSyncSeconds = 5 * 60
	}
	if c.TimeoutAsyncSeconds <= 0 {
		c.TimeoutAsyncSeconds = 30 * 60
	}
	if c.CooldownDefaultMinutes <= 0 {
		c.CooldownDefaultMinutes = 60
	}
	if len(c.UsageToolCommands) == 0 {
		c.UsageToolCommands = [][]string{
			{"ccusage", "blocks", "--json"},
			{"npx", "ccusage", "blocks", "--json"},
			{"bunx", "ccusage", "blocks", "--json"},
		}
	}
	if len(c.WorkingDirectoryWhitelist) == 0 {
		c.WorkingDirectoryWhitelist = []string{c.DataRoot}
	}
	if c.Logging == nil {
		c.Logging = &zeroconfig.Config{
			MinLevel: ptr.Ptr(zerolog.InfoLevel),
			Writers: []zeroconfig.WriterConfig{{
				Type:   zeroconfig.WriterTypeStdout,
				Format: zeroconfig.LogFormatPrettyColored,
			}},
		}
	}
	return c
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	if strings.TrimSpace(c.Timezone) == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, nperrors.Validationf("timezone %q: %v", c.Timezone, err)
	}
	return loc, nil
}

// DatabasePath is the engine database file inside the data root.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataRoot, "engine.db")
}

// Periods converts the override table, falling back to the defaults.
func (c *Config) Periods() monitor.Periods {
	periods := monitor.DefaultPeriods()
	if c.MonitorPeriods == nil {
		return periods
	}
	override := func(target *time.Duration, seconds int64) {
		if seconds > 0 {
			*target = time.Duration(seconds) * time.Second
		}
	}
	override(&periods.Normal, c.MonitorPeriods.NormalSeconds)
	override(&periods.Approaching, c.MonitorPeriods.ApproachingSeconds)
	override(&periods.Imminent, c.MonitorPeriods.ImminentSeconds)
	override(&periods.Critical, c.MonitorPeriods.CriticalSeconds)
	override(&periods.Unavailable, c.MonitorPeriods.UnavailableSeconds)
	override(&periods.Unknown, c.MonitorPeriods.UnknownSeconds)
	return periods
}

// BuildLogger compiles the logging block.
func (c *Config) BuildLogger() (*zerolog.Logger, error) {
	return c.Logging.Compile()
}

// Load reads the config file (creating it from the example when missing),
// applies environment overrides, and fills defaults.
func Load(path string) (*Config, error) {
	data, err := upgradeConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, nperrors.Validationf("parse config %s: %v", path, err)
	}
	cfg.applyEnv()
	return cfg.WithDefaults(), nil
}

// applyEnv layers NIGHT_PILOT_* overrides on top of the file.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvPrefix + "DATA_ROOT"); v != "" {
		c.DataRoot = v
	}
	if v := os.Getenv(EnvPrefix + "TIMEZONE"); v != "" {
		c.Timezone = v
	}
	if v := os.Getenv(EnvPrefix + "AGENT_BINARY"); v != "" {
		c.AgentBinary = v
	}
	if v := os.Getenv(EnvPrefix + "MAX_CONCURRENCY"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
			c.MaxConcurrency = parsed
		}
	}
}
