package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// ExecutionMode selects whether a run blocks its caller.
type ExecutionMode string

const (
	ModeSync  ExecutionMode = "sync"
	ModeAsync ExecutionMode = "async"
)

// OutputFormat is passed through to the agent.
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// Default invocation caps.
const (
	DefaultTimeoutSync  = 5 * time.Minute
	DefaultTimeoutAsync = 30 * time.Minute
)

// ExecutionOptions controls one agent invocation. Stored as JSON on the job
// row and digested into the audit record.
type ExecutionOptions struct {
	Mode ExecutionMode `json:"mode,omitempty"`
	// SkipPermissions passes the agent's skip-permission-prompts flag and
	// forces the audit risk to at least High.
	SkipPermissions bool         `json:"skipPermissions,omitempty"`
	OutputFormat    OutputFormat `json:"outputFormat,omitempty"`
	TimeoutSeconds  int64        `json:"timeoutSeconds,omitempty"`
	// WorkingDirectory must resolve inside the data root or the configured
	// whitelist.
	WorkingDirectory  string   `json:"workingDirectory,omitempty"`
	AllowedOperations []string `json:"allowedOperations,omitempty"`
	// DryRun skips the spawn and returns a synthetic success carrying the
	// would-be command line.
	DryRun bool `json:"dryRun,omitempty"`
	// MaxRetries overrides the job's retry policy for this call.
	MaxRetries *int `json:"maxRetries,omitempty"`
}

// EffectiveMode defaults to sync.
func (o ExecutionOptions) EffectiveMode() ExecutionMode {
	if o.Mode == ModeAsync {
		return ModeAsync
	}
	return ModeSync
}

// EffectiveFormat defaults to text.
func (o ExecutionOptions) EffectiveFormat() OutputFormat {
	if o.OutputFormat == FormatJSON {
		return FormatJSON
	}
	return FormatText
}

// Timeout returns the wall-clock cap for this invocation.
func (o ExecutionOptions) Timeout() time.Duration {
	if o.TimeoutSeconds > 0 {
		return time.Duration(o.TimeoutSeconds) * time.Second
	}
	if o.EffectiveMode() == ModeAsync {
		return DefaultTimeoutAsync
	}
	return DefaultTimeoutSync
}

// Digest returns the canonical hash of the options for audit records.
// Identical option sets always digest identically.
func (o ExecutionOptions) Digest() string {
	normalized := o
	normalized.Mode = o.EffectiveMode()
	normalized.OutputFormat = o.EffectiveFormat()
	payload, err := json.Marshal(normalized)
	if err != nil {
		// ExecutionOptions is all plain data; marshal cannot fail in practice.
		payload = []byte(err.Error())
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// HashPrompt returns the audit hash of prompt text.
func HashPrompt(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
