package engine

import (
	"context"
	"strings"
	"time"

	"github.com/s123104/night-pilot/pkg/cooldown"
	"github.com/s123104/night-pilot/pkg/executor"
	"github.com/s123104/night-pilot/pkg/nperrors"
	"github.com/s123104/night-pilot/pkg/scheduler"
	"github.com/s123104/night-pilot/pkg/store"
	"github.com/s123104/night-pilot/pkg/usage"
)

// CreatePrompt validates and stores a new prompt template.
func (e *Engine) CreatePrompt(ctx context.Context, title, content string, tags []string) (*store.Prompt, error) {
	if err := validatePromptInput(title, content); err != nil {
		return nil, err
	}
	return e.store.CreatePrompt(ctx, strings.TrimSpace(title), content, tags)
}

// ListPrompts returns stored prompts, newest first.
func (e *Engine) ListPrompts(ctx context.Context, filter store.PromptFilter) ([]*store.Prompt, error) {
	return e.store.ListPrompts(ctx, filter)
}

// DeletePrompt removes a prompt and everything hanging off it. Running jobs
// are cancelled first so no orphan child process survives the cascade.
func (e *Engine) DeletePrompt(ctx context.Context, id int64) error {
	jobs, err := e.store.ListJobs(ctx, nil)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.PromptID != id {
			continue
		}
		e.executor.CancelJob(job.ID)
		e.scheduler.Remove(job.ID)
	}
	return e.store.DeletePrompt(ctx, id)
}

// JobSpec is the facade input for job.create.
type JobSpec struct {
	PromptID int64
	Mode     store.JobMode
	// RunAt is required for one-shot jobs.
	RunAt *time.Time
	// CronExpr is required for cron jobs.
	CronExpr string
	Retry    *store.RetryPolicy
	Options  store.ExecutionOptions
}

// CreateJob persists a job and admits it to the scheduler.
func (e *Engine) CreateJob(ctx context.Context, spec JobSpec) (*store.Job, error) {
	if _, err := e.store.GetPrompt(ctx, spec.PromptID); err != nil {
		return nil, err
	}
	switch spec.Mode {
	case store.JobModeCron:
		if err := scheduler.ValidateCron(spec.CronExpr); err != nil {
			return nil, err
		}
	case store.JobModeOneShot:
		if spec.RunAt == nil {
			return nil, nperrors.Validationf("one-shot job needs a run time")
		}
	case store.JobModeImmediate:
	default:
		return nil, nperrors.Validationf("unknown job mode %q", spec.Mode)
	}
	retry := store.DefaultRetryPolicy()
	if spec.Retry != nil {
		retry = *spec.Retry
	}
	job := &store.Job{
		PromptID:  spec.PromptID,
		Mode:      spec.Mode,
		Status:    store.JobStatusPending,
		CronExpr:  strings.TrimSpace(spec.CronExpr),
		OneShotAt: spec.RunAt,
		Retry:     retry,
		Options:   spec.Options,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	if err := e.scheduler.Schedule(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// CancelJob stops a job: its live invocation (if any) gets the termination
// sequence, its triggers are dropped, and the row is marked cancelled.
func (e *Engine) CancelJob(ctx context.Context, id int64) error {
	if _, err := e.store.GetJob(ctx, id); err != nil {
		return err
	}
	e.executor.CancelJob(id)
	e.scheduler.Remove(id)
	return e.store.CancelJob(ctx, id)
}

// ListJobs returns jobs filtered by status.
func (e *Engine) ListJobs(ctx context.Context, statusIn []store.JobStatus) ([]*store.Job, error) {
	return e.store.ListJobs(ctx, statusIn)
}

// RunNowInput addresses either a stored prompt or ad-hoc text.
type RunNowInput struct {
	PromptID   int64
	PromptText string
	Options    store.ExecutionOptions
}

func (e *Engine) resolveRunText(ctx context.Context, input RunNowInput) (string, error) {
	if input.PromptID != 0 {
		prompt, err := e.store.GetPrompt(ctx, input.PromptID)
		if err != nil {
			return "", err
		}
		return prompt.Content, nil
	}
	if strings.TrimSpace(input.PromptText) == "" {
		return "", nperrors.Validationf("either a prompt id or prompt text is required")
	}
	// Ad-hoc text is not persisted as a prompt; the audit row stands alone.
	return input.PromptText, nil
}

// RunNow executes synchronously and returns the settled result.
func (e *Engine) RunNow(ctx context.Context, input RunNowInput) (*store.ExecutionResult, error) {
	text, err := e.resolveRunText(ctx, input)
	if err != nil {
		return nil, err
	}
	outcome, err := e.executor.Run(ctx, executor.Request{PromptText: text, Options: input.Options})
	if err != nil {
		return nil, err
	}
	if outcome.Cooldown != nil {
		e.monitor.ReportCooldown(*outcome.Cooldown)
	}
	return outcome.Result, nil
}

// RunNowAsync starts an execution and returns its handle id.
func (e *Engine) RunNowAsync(ctx context.Context, input RunNowInput) (string, error) {
	text, err := e.resolveRunText(ctx, input)
	if err != nil {
		return "", err
	}
	options := input.Options
	options.Mode = store.ModeAsync
	handle := e.executor.Start(ctx, executor.Request{PromptText: text, Options: options})
	go func() {
		outcome, _ := handle.Wait(context.Background())
		if outcome != nil && outcome.Cooldown != nil {
			e.monitor.ReportCooldown(*outcome.Cooldown)
		}
	}()
	return handle.ID, nil
}

// WaitRun blocks on an async handle until it settles.
func (e *Engine) WaitRun(ctx context.Context, handleID string) (*store.ExecutionResult, error) {
	handle, ok := e.executor.GetHandle(handleID)
	if !ok {
		return nil, nperrors.NotFoundf("run %s", handleID)
	}
	outcome, err := handle.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return outcome.Result, nil
}

// CancelRun cancels an async handle.
func (e *Engine) CancelRun(handleID string) error {
	if !e.executor.CancelHandle(handleID) {
		return nperrors.NotFoundf("run %s", handleID)
	}
	return nil
}

// CooldownCurrent returns the cached cooldown state.
func (e *Engine) CooldownCurrent() cooldown.State {
	return e.monitor.CooldownState()
}

// UsageCurrent returns the cached usage snapshot, nil when unknown.
func (e *Engine) UsageCurrent() *usage.Snapshot {
	if snapshot := e.tracker.Current(); snapshot != nil {
		return snapshot
	}
	return e.monitor.Usage()
}

// ListResults returns execution history.
func (e *Engine) ListResults(ctx context.Context, filter store.ResultFilter) ([]*store.ExecutionResult, error) {
	return e.store.ListResults(ctx, filter)
}
