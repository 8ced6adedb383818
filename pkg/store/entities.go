package store

import (
	"time"

	"github.com/s123104/night-pilot/pkg/cooldown"
)

// Prompt is a reusable prompt template. Content may contain @path references;
// those are opaque to the engine and interpreted only by the agent.
type Prompt struct {
	ID        int64
	Title     string
	Content   string
	Tags      []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobMode selects how a job is triggered.
type JobMode string

const (
	JobModeOneShot   JobMode = "one_shot"
	JobModeCron      JobMode = "cron"
	JobModeImmediate JobMode = "immediate"
)

// JobStatus is the job lifecycle state.
type JobStatus string

const (
	JobStatusPending          JobStatus = "pending"
	JobStatusScheduled        JobStatus = "scheduled"
	JobStatusRunning          JobStatus = "running"
	JobStatusCompleted        JobStatus = "completed"
	JobStatusFailed           JobStatus = "failed"
	JobStatusCancelled        JobStatus = "cancelled"
	JobStatusCooldownDeferred JobStatus = "cooldown_deferred"
)

// Terminal reports whether the status ends the job's lifecycle.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// RetryPolicy bounds scheduler retries for a job.
type RetryPolicy struct {
	MaxAttempts int     `json:"maxAttempts"`
	BaseDelayMs int64   `json:"baseDelayMs"`
	BackoffMult float64 `json:"backoffMult"`
}

// DefaultRetryPolicy matches the documented backoff: base 2s, doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelayMs: 2000, BackoffMult: 2}
}

// BaseDelay returns the policy's base delay as a duration.
func (p RetryPolicy) BaseDelay() time.Duration {
	return time.Duration(p.BaseDelayMs) * time.Millisecond
}

// Job binds a prompt to a trigger mode plus execution and retry settings.
type Job struct {
	ID        int64
	PromptID  int64
	Mode      JobMode
	Status    JobStatus
	CronExpr  string
	OneShotAt *time.Time
	NextRunAt *time.Time
	LastRunAt *time.Time
	Attempts  int
	Retry     RetryPolicy
	Options   ExecutionOptions
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ResultStatus classifies a finished invocation.
type ResultStatus string

const (
	ResultSuccess       ResultStatus = "success"
	ResultFailure       ResultStatus = "failure"
	ResultCancelled     ResultStatus = "cancelled"
	ResultCooldownAbort ResultStatus = "cooldown_abort"
)

// TokenUsage is the agent-reported (or estimated) token accounting for a run.
type TokenUsage struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd,omitempty"`
	Estimated    bool    `json:"estimated,omitempty"`
}

// ExecutionResult records one completed (or aborted) invocation.
type ExecutionResult struct {
	ID          int64
	JobID       int64
	Status      ResultStatus
	FailureKind string
	StartedAt   time.Time
	EndedAt     time.Time
	Stdout      string
	StderrTail  string
	ExitCode    int
	Cooldown    *cooldown.State
	TokenUsage  *TokenUsage
}

// RiskLevel orders the safety classification of a prompt+options combination.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	}
	return "unknown"
}

// ParseRiskLevel is the inverse of RiskLevel.String.
func ParseRiskLevel(raw string) RiskLevel {
	switch raw {
	case "medium":
		return RiskMedium
	case "high":
		return RiskHigh
	case "critical":
		return RiskCritical
	}
	return RiskLow
}

// ExecutionAudit is the tamper-evident record written for every invocation
// attempt, including pre-execution aborts (nil ResultID).
type ExecutionAudit struct {
	ID               int64
	ResultID         *int64
	PromptSHA256     string
	OptionsDigest    string
	RiskLevel        RiskLevel
	RiskReasons      []string
	SkipPermissions  bool
	WorkingDirectory string
	CreatedAt        time.Time
}
