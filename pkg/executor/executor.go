// Package executor is the only component allowed to spawn the external agent.
// It wraps every invocation in the safety pipeline and guarantees exactly one
// audit record per call.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/s123104/night-pilot/pkg/cooldown"
	"github.com/s123104/night-pilot/pkg/nperrors"
	"github.com/s123104/night-pilot/pkg/store"
)

// DefaultMaxConcurrency bounds simultaneous agent processes.
const DefaultMaxConcurrency = 4

// Termination grace periods: SIGTERM, wait, SIGKILL, wait.
const (
	DefaultTermGrace = 5 * time.Second
	DefaultKillGrace = 2 * time.Second
)

// ErrNoCapacity is returned by TryAcquireSlot probing when the global
// semaphore is exhausted.
var ErrNoCapacity = errors.New("executor at capacity")

// ResultSink persists a finished run. The store satisfies this.
type ResultSink interface {
	AppendResult(ctx context.Context, result *store.ExecutionResult, audit *store.ExecutionAudit) error
}

// Deps wires the executor to the rest of the engine.
type Deps struct {
	// AgentBinary is the agent's name, resolved on PATH at spawn time.
	AgentBinary string
	// DataRoot is the fallback working directory.
	DataRoot string
	Safety   *SafetyPolicy
	Detector *cooldown.Detector
	Sink     ResultSink

	MaxConcurrency int64
	TermGrace      time.Duration
	KillGrace      time.Duration
	Now            func() time.Time
	Log            zerolog.Logger
}

// Request describes one invocation.
type Request struct {
	// JobID is zero for ad-hoc runs; ad-hoc runs skip the per-job mutex.
	JobID      int64
	PromptText string
	Options    store.ExecutionOptions
}

// Outcome is what a settled run produced. CooldownAbort is a first-class
// outcome (Result.Status), not an error.
type Outcome struct {
	Result    *store.ExecutionResult
	Audit     *store.ExecutionAudit
	Cooldown  *cooldown.State
	SessionID string
	// Command echoes the would-be argv for dry runs.
	Command []string
}

// Executor runs agent invocations under the safety policy.
type Executor struct {
	deps Deps
	sem  *semaphore.Weighted

	jobLocks sync.Map // int64 → *sync.Mutex
	handles  sync.Map // string → *Handle
	byJob    sync.Map // int64 → *Handle
}

// New builds an executor.
func New(deps Deps) *Executor {
	if deps.MaxConcurrency <= 0 {
		deps.MaxConcurrency = DefaultMaxConcurrency
	}
	if deps.TermGrace <= 0 {
		deps.TermGrace = DefaultTermGrace
	}
	if deps.KillGrace <= 0 {
		deps.KillGrace = DefaultKillGrace
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	deps.Log = deps.Log.With().Str("component", "executor").Logger()
	return &Executor{deps: deps, sem: semaphore.NewWeighted(deps.MaxConcurrency)}
}

// TryAcquireSlot probes the global semaphore without running anything. The
// scheduler uses it to defer dispatch instead of piling up blocked runs.
func (e *Executor) TryAcquireSlot() error {
	if !e.sem.TryAcquire(1) {
		return ErrNoCapacity
	}
	e.sem.Release(1)
	return nil
}

// IsRunning reports whether the job currently holds a live invocation.
func (e *Executor) IsRunning(jobID int64) bool {
	_, ok := e.byJob.Load(jobID)
	return ok
}

// CancelJob cancels the job's live invocation, if any.
func (e *Executor) CancelJob(jobID int64) bool {
	raw, ok := e.byJob.Load(jobID)
	if !ok {
		return false
	}
	raw.(*Handle).Cancel()
	return true
}

// CancelHandle cancels an async run by its handle id.
func (e *Executor) CancelHandle(id string) bool {
	raw, ok := e.handles.Load(id)
	if !ok {
		return false
	}
	raw.(*Handle).Cancel()
	return true
}

// GetHandle looks up a live or recently settled async run.
func (e *Executor) GetHandle(id string) (*Handle, bool) {
	raw, ok := e.handles.Load(id)
	if !ok {
		return nil, false
	}
	return raw.(*Handle), true
}

// Run executes synchronously: it blocks until the run settles and its result
// and audit are written.
func (e *Executor) Run(ctx context.Context, req Request) (*Outcome, error) {
	runCtx, cancel := context.WithCancel(ctx)
	handle := newHandle(req.JobID, cancel)
	outcome, err := e.run(runCtx, handle, req)
	handle.settle(outcome, err)
	cancel()
	return outcome, err
}

// Start executes asynchronously and returns immediately with a handle.
func (e *Executor) Start(ctx context.Context, req Request) *Handle {
	// The run must survive the caller's request context; cancellation happens
	// through the handle.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle := newHandle(req.JobID, cancel)
	e.handles.Store(handle.ID, handle)
	go func() {
		defer cancel()
		outcome, err := e.run(runCtx, handle, req)
		handle.settle(outcome, err)
	}()
	return handle
}

// run is the shared invocation path. Every return writes exactly one audit.
func (e *Executor) run(ctx context.Context, handle *Handle, req Request) (*Outcome, error) {
	opts := req.Options
	audit := &store.ExecutionAudit{
		PromptSHA256:    store.HashPrompt(req.PromptText),
		OptionsDigest:   opts.Digest(),
		SkipPermissions: opts.SkipPermissions,
	}

	assessment, err := e.deps.Safety.ScanPrompt(req.PromptText, opts.SkipPermissions)
	if err != nil {
		audit.RiskReasons = []string{"validation"}
		e.writeAudit(ctx, audit)
		return nil, err
	}
	audit.RiskLevel = assessment.Level
	audit.RiskReasons = assessment.Reasons

	workdir, err := e.deps.Safety.ValidateWorkingDirectory(opts.WorkingDirectory)
	if err != nil {
		e.writeAudit(ctx, audit)
		return nil, err
	}
	if workdir == "" {
		workdir = e.deps.DataRoot
	}
	audit.WorkingDirectory = workdir

	if assessment.Level >= store.RiskCritical && !opts.SkipPermissions {
		e.writeAudit(ctx, audit)
		return nil, fmt.Errorf("%w: prompt classified %s (%s)",
			nperrors.ErrSafetyRejected, assessment.Level, strings.Join(assessment.Reasons, ", "))
	}

	argv := e.buildArgv(req.PromptText, opts)

	if opts.DryRun {
		now := e.deps.Now().UTC()
		result := &store.ExecutionResult{
			JobID:     req.JobID,
			Status:    store.ResultSuccess,
			StartedAt: now,
			EndedAt:   now,
			Stdout:    "[dry-run] " + strings.Join(argv, " "),
		}
		if err := e.deps.Sink.AppendResult(ctx, result, audit); err != nil {
			return nil, err
		}
		return &Outcome{Result: result, Audit: audit, Command: argv}, nil
	}

	if req.JobID != 0 {
		lock := e.jobLock(req.JobID)
		if !lock.TryLock() {
			audit.RiskReasons = append(audit.RiskReasons, "already_running")
			e.writeAudit(ctx, audit)
			return nil, fmt.Errorf("%w: job %d", nperrors.ErrAlreadyRunning, req.JobID)
		}
		defer lock.Unlock()
		e.byJob.Store(req.JobID, handle)
		defer e.byJob.Delete(req.JobID)
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		audit.RiskReasons = append(audit.RiskReasons, "cancelled_waiting_for_slot")
		e.writeAudit(ctx, audit)
		return nil, fmt.Errorf("%w: %v", nperrors.ErrCancelled, err)
	}
	defer e.sem.Release(1)

	result, cooldownState, sessionID := e.spawn(ctx, argv, workdir, req, opts)
	// The audit is written with the result even when the process failed;
	// persistence errors surface but the run outcome is already settled.
	if err := e.deps.Sink.AppendResult(context.WithoutCancel(ctx), result, audit); err != nil {
		e.deps.Log.Error().Err(err).Int64("job_id", req.JobID).Msg("Failed to persist execution result")
		return nil, err
	}
	return &Outcome{
		Result:    result,
		Audit:     audit,
		Cooldown:  cooldownState,
		SessionID: sessionID,
	}, nil
}

// buildArgv assembles the agent command line.
func (e *Executor) buildArgv(prompt string, opts store.ExecutionOptions) []string {
	argv := []string{e.deps.AgentBinary}
	argv = append(argv, "--output-format", string(opts.EffectiveFormat()))
	if opts.SkipPermissions {
		argv = append(argv, "--dangerously-skip-permissions")
	}
	if len(opts.AllowedOperations) > 0 {
		argv = append(argv, "--allowedTools", strings.Join(opts.AllowedOperations, ","))
	}
	argv = append(argv, "-p", prompt)
	return argv
}

// spawn runs the agent process and classifies its exit. It never returns a
// nil result.
func (e *Executor) spawn(ctx context.Context, argv []string, workdir string, req Request, opts store.ExecutionOptions) (*store.ExecutionResult, *cooldown.State, string) {
	started := e.deps.Now().UTC()
	result := &store.ExecutionResult{
		JobID:     req.JobID,
		StartedAt: started,
	}
	fail := func(status store.ResultStatus, kind string, exitCode int) *store.ExecutionResult {
		result.Status = status
		result.FailureKind = kind
		result.ExitCode = exitCode
		result.EndedAt = e.deps.Now().UTC()
		return result
	}

	binary, err := exec.LookPath(argv[0])
	if err != nil {
		result.StderrTail = err.Error()
		return fail(store.ResultFailure, "agent_not_found", -1), nil, ""
	}

	stdout := newTailBuffer(maxStdoutBytes)
	stderr := newTailBuffer(maxStderrTailBytes)
	cmd := exec.Command(binary, argv[1:]...)
	cmd.Dir = workdir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Own process group so timeouts and cancellation can kill the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		result.StderrTail = err.Error()
		return fail(store.ResultFailure, "spawn", -1), nil, ""
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timeout := time.NewTimer(opts.Timeout())
	defer timeout.Stop()

	var waitErr error
	var terminated store.ResultStatus
	var terminatedKind string
	select {
	case waitErr = <-waitCh:
	case <-ctx.Done():
		terminated, terminatedKind = store.ResultCancelled, "cancelled"
		waitErr = e.killAndReap(cmd, waitCh)
	case <-timeout.C:
		terminated, terminatedKind = store.ResultFailure, "timeout"
		waitErr = e.killAndReap(cmd, waitCh)
	}

	result.EndedAt = e.deps.Now().UTC()
	result.Stdout = stdout.String()
	result.StderrTail = stderr.String()
	result.ExitCode = exitCodeOf(cmd, waitErr)

	tokens, sessionID := parseAgentStream(result.Stdout)
	if tokens == nil && result.Stdout != "" {
		tokens = estimateTokenUsage(req.PromptText, result.Stdout)
	}
	result.TokenUsage = tokens

	if terminated != "" {
		result.Status = terminated
		result.FailureKind = terminatedKind
		return result, nil, sessionID
	}

	if waitErr == nil {
		result.Status = store.ResultSuccess
		return result, nil, sessionID
	}

	// Non-zero exit: a cooldown signature on stderr turns the failure into a
	// first-class cooldown abort.
	state := e.deps.Detector.Detect(result.StderrTail, result.EndedAt)
	if state.Cooling() {
		result.Status = store.ResultCooldownAbort
		result.Cooldown = &state
		return result, &state, sessionID
	}
	result.Status = store.ResultFailure
	result.FailureKind = "agent_error"
	return result, nil, sessionID
}

// killAndReap sends SIGTERM to the process group, waits the grace period,
// escalates to SIGKILL, and waits for the reaper. The child never outlives
// cancellation by more than TermGrace+KillGrace.
func (e *Executor) killAndReap(cmd *exec.Cmd, waitCh <-chan error) error {
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	select {
	case err := <-waitCh:
		return err
	case <-time.After(e.deps.TermGrace):
	}
	_ = syscall.Kill(pgid, syscall.SIGKILL)
	select {
	case err := <-waitCh:
		return err
	case <-time.After(e.deps.KillGrace):
		e.deps.Log.Error().Int("pid", cmd.Process.Pid).Msg("Agent process survived SIGKILL reap window")
		return fmt.Errorf("process %d did not exit after SIGKILL", cmd.Process.Pid)
	}
}

func (e *Executor) jobLock(jobID int64) *sync.Mutex {
	if raw, ok := e.jobLocks.Load(jobID); ok {
		return raw.(*sync.Mutex)
	}
	raw, _ := e.jobLocks.LoadOrStore(jobID, &sync.Mutex{})
	return raw.(*sync.Mutex)
}

// writeAudit persists a pre-execution audit (no result row). Failures are
// logged: the caller's error is more important than the bookkeeping one.
func (e *Executor) writeAudit(ctx context.Context, audit *store.ExecutionAudit) {
	if err := e.deps.Sink.AppendResult(context.WithoutCancel(ctx), nil, audit); err != nil {
		e.deps.Log.Error().Err(err).Msg("Failed to persist pre-execution audit")
	}
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return exitErr.ExitCode()
		}
		return -1
	}
	return 0
}
