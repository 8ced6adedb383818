// Package scheduler owns the trigger queue: it decides when jobs fire, gates
// dispatch on cooldown and capacity, and applies the retry policy. Retry
// lives here so the executor stays stateless.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/s123104/night-pilot/pkg/cooldown"
	"github.com/s123104/night-pilot/pkg/executor"
	"github.com/s123104/night-pilot/pkg/nperrors"
	"github.com/s123104/night-pilot/pkg/store"
)

// DefaultCooldownGrace pads reschedules past a cooldown deadline.
const DefaultCooldownGrace = 5 * time.Second

// DefaultStagger spaces re-admitted deferred jobs so a clearing cooldown does
// not release a thundering herd.
const DefaultStagger = time.Second

// parkInterval bounds how long the loop sleeps with an empty queue.
const parkInterval = time.Hour

// JobStore is the slice of the store the scheduler needs.
type JobStore interface {
	GetJob(ctx context.Context, id int64) (*store.Job, error)
	GetPrompt(ctx context.Context, id int64) (*store.Prompt, error)
	ListJobs(ctx context.Context, statusIn []store.JobStatus) ([]*store.Job, error)
	DueJobs(ctx context.Context, now time.Time) ([]*store.Job, error)
	MarkJobRunning(ctx context.Context, id int64) error
	FinishJob(ctx context.Context, id int64, status store.JobStatus, lastRunAt time.Time, nextRunAt *time.Time, resetAttempts bool) error
	RescheduleJob(ctx context.Context, id int64, status store.JobStatus, nextRunAt *time.Time) error
}

// Runner is the slice of the executor the scheduler needs.
type Runner interface {
	Run(ctx context.Context, req executor.Request) (*executor.Outcome, error)
	TryAcquireSlot() error
	IsRunning(jobID int64) bool
}

// Event reports job lifecycle transitions to the bus.
type Event struct {
	JobID     int64
	Action    string // scheduled|started|completed|retried|deferred|failed|cancelled
	Status    store.JobStatus
	NextRunAt *time.Time
	Err       string
}

// Deps wires the scheduler.
type Deps struct {
	Store  JobStore
	Runner Runner
	// CooldownState returns the monitor's cached view.
	CooldownState func() cooldown.State
	Timezone      *time.Location
	CooldownGrace time.Duration
	Stagger       time.Duration
	Now           func() time.Time
	OnEvent       func(evt Event)
	Log           zerolog.Logger
}

type command struct {
	trigger *trigger
	dropJob int64
	readmit bool
}

// Scheduler runs the trigger loop.
type Scheduler struct {
	deps  Deps
	cmds  chan command
	queue triggerQueue
	seq   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	startMu sync.Mutex
	running bool
}

// New builds a scheduler.
func New(deps Deps) *Scheduler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Timezone == nil {
		deps.Timezone = time.UTC
	}
	if deps.CooldownGrace <= 0 {
		deps.CooldownGrace = DefaultCooldownGrace
	}
	if deps.Stagger <= 0 {
		deps.Stagger = DefaultStagger
	}
	deps.Log = deps.Log.With().Str("component", "scheduler").Logger()
	return &Scheduler{
		deps: deps,
		cmds: make(chan command, 64),
	}
}

// Start hydrates triggers from the store and launches the loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.running {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	if err := s.hydrate(s.ctx); err != nil {
		s.cancel()
		return err
	}
	s.running = true
	go s.loop()
	return nil
}

// Stop halts the loop and waits for in-flight fires to settle.
func (s *Scheduler) Stop() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	<-s.done
	s.wg.Wait()
	s.running = false
}

// hydrate reloads triggers for every live job.
func (s *Scheduler) hydrate(ctx context.Context) error {
	jobs, err := s.deps.Store.ListJobs(ctx, []store.JobStatus{
		store.JobStatusScheduled, store.JobStatusCooldownDeferred, store.JobStatusPending,
	})
	if err != nil {
		return err
	}
	now := s.deps.Now().UTC()
	for _, job := range jobs {
		fireAt := now
		if job.NextRunAt != nil {
			fireAt = *job.NextRunAt
		} else if job.Mode == store.JobModeCron {
			next, cronErr := NextCronRun(job.CronExpr, s.deps.Timezone, now, now)
			if cronErr != nil {
				s.deps.Log.Warn().Err(cronErr).Int64("job_id", job.ID).Msg("Skipping job with invalid cron expression")
				continue
			}
			fireAt = next
		}
		heap.Push(&s.queue, s.newTrigger(job, fireAt))
	}
	s.deps.Log.Info().Int("triggers", s.queue.Len()).Msg("Scheduler hydrated")
	return nil
}

func (s *Scheduler) newTrigger(job *store.Job, fireAt time.Time) *trigger {
	kind := triggerImmediate
	switch job.Mode {
	case store.JobModeCron:
		kind = triggerCron
	case store.JobModeOneShot:
		kind = triggerOneShot
	}
	return &trigger{jobID: job.ID, kind: kind, fireAt: fireAt.UTC(), seq: s.seq.Add(1)}
}

// Schedule admits a freshly created job: computes its first fire, persists
// the slot, and inserts the trigger.
func (s *Scheduler) Schedule(ctx context.Context, job *store.Job) error {
	now := s.deps.Now().UTC()
	var fireAt time.Time
	switch job.Mode {
	case store.JobModeImmediate:
		fireAt = now
	case store.JobModeOneShot:
		if job.OneShotAt == nil {
			return nperrors.Validationf("one-shot job needs a fire time")
		}
		fireAt = job.OneShotAt.UTC()
	case store.JobModeCron:
		next, err := NextCronRun(job.CronExpr, s.deps.Timezone, now, now)
		if err != nil {
			return err
		}
		fireAt = next
	default:
		return nperrors.Validationf("unknown job mode %q", job.Mode)
	}
	if err := s.deps.Store.RescheduleJob(ctx, job.ID, store.JobStatusScheduled, &fireAt); err != nil {
		return err
	}
	job.Status = store.JobStatusScheduled
	job.NextRunAt = &fireAt
	s.send(command{trigger: s.newTrigger(job, fireAt)})
	s.emit(Event{JobID: job.ID, Action: "scheduled", Status: store.JobStatusScheduled, NextRunAt: &fireAt})
	return nil
}

// Remove drops all pending triggers for a job (after cancel or delete).
func (s *Scheduler) Remove(jobID int64) {
	s.send(command{dropJob: jobID})
}

// ReadmitDeferred wakes cooldown-deferred jobs whose slot has passed. Called
// when the monitor reports the cooldown cleared.
func (s *Scheduler) ReadmitDeferred() {
	s.send(command{readmit: true})
}

func (s *Scheduler) send(cmd command) {
	if s.ctx == nil {
		return
	}
	select {
	case s.cmds <- cmd:
	case <-s.ctx.Done():
	}
}

func (s *Scheduler) loop() {
	defer close(s.done)
	for {
		wait := parkInterval
		if head := s.queue.peek(); head != nil {
			wait = max(0, head.fireAt.Sub(s.deps.Now()))
		}
		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case cmd := <-s.cmds:
			timer.Stop()
			s.apply(cmd)
		case <-timer.C:
			for _, tr := range s.queue.popDue(s.deps.Now().UTC()) {
				s.wg.Add(1)
				go s.fire(tr)
			}
		}
	}
}

func (s *Scheduler) apply(cmd command) {
	switch {
	case cmd.trigger != nil:
		heap.Push(&s.queue, cmd.trigger)
	case cmd.dropJob != 0:
		s.queue.dropJob(cmd.dropJob)
	case cmd.readmit:
		s.readmitDeferredNow()
	}
}

func (s *Scheduler) readmitDeferredNow() {
	now := s.deps.Now().UTC()
	due, err := s.deps.Store.DueJobs(s.ctx, now)
	if err != nil {
		s.deps.Log.Warn().Err(err).Msg("Failed to load deferred jobs for re-admission")
		return
	}
	staggered := 0
	for _, job := range due {
		if job.Status != store.JobStatusCooldownDeferred {
			continue
		}
		fireAt := now.Add(time.Duration(staggered) * s.deps.Stagger)
		heap.Push(&s.queue, s.newTrigger(job, fireAt))
		staggered++
	}
	if staggered > 0 {
		s.deps.Log.Info().Int("jobs", staggered).Msg("Re-admitted cooldown-deferred jobs")
	}
}

// fire runs the documented decision path for one trigger.
func (s *Scheduler) fire(tr *trigger) {
	defer s.wg.Done()
	ctx := s.ctx
	now := s.deps.Now().UTC()

	job, err := s.deps.Store.GetJob(ctx, tr.jobID)
	if err != nil {
		if !errors.Is(err, nperrors.ErrNotFound) {
			s.deps.Log.Warn().Err(err).Int64("job_id", tr.jobID).Msg("Failed to reload job on fire")
		}
		return
	}
	if job.Status.Terminal() {
		return
	}

	// Cooldown gate: push the job out instead of burning an attempt.
	if state := s.deps.CooldownState(); state.Cooling() {
		if until := state.UntilTime(); until.After(now) {
			s.deferForCooldown(ctx, job, until)
			return
		}
	}

	// Per-job exclusivity: cron fires don't queue behind a running instance.
	if s.deps.Runner.IsRunning(job.ID) {
		s.advanceCronAfterSkip(ctx, job, tr, now)
		return
	}

	// Capacity gate: nudge the fire instead of blocking a worker.
	if err := s.deps.Runner.TryAcquireSlot(); err != nil {
		fireAt := now.Add(job.Retry.BaseDelay())
		if rescheduleErr := s.deps.Store.RescheduleJob(ctx, job.ID, job.Status, &fireAt); rescheduleErr != nil {
			s.deps.Log.Warn().Err(rescheduleErr).Int64("job_id", job.ID).Msg("Failed to persist capacity deferral")
		}
		s.send(command{trigger: s.newTrigger(job, fireAt)})
		return
	}

	if err := s.deps.Store.MarkJobRunning(ctx, job.ID); err != nil {
		if errors.Is(err, nperrors.ErrAlreadyRunning) {
			s.advanceCronAfterSkip(ctx, job, tr, now)
			return
		}
		s.deps.Log.Warn().Err(err).Int64("job_id", job.ID).Msg("Failed to mark job running")
		return
	}
	attempt := job.Attempts + 1
	s.emit(Event{JobID: job.ID, Action: "started", Status: store.JobStatusRunning})

	prompt, err := s.deps.Store.GetPrompt(ctx, job.PromptID)
	if err != nil {
		s.finishJob(ctx, job, tr, store.JobStatusFailed, "prompt missing")
		return
	}

	outcome, runErr := s.deps.Runner.Run(ctx, executor.Request{
		JobID:      job.ID,
		PromptText: prompt.Content,
		Options:    job.Options,
	})
	ended := s.deps.Now().UTC()

	if runErr != nil {
		switch {
		case errors.Is(runErr, nperrors.ErrSafetyRejected),
			errors.Is(runErr, nperrors.ErrValidation),
			errors.Is(runErr, nperrors.ErrNotFound):
			s.finishJob(ctx, job, tr, store.JobStatusFailed, runErr.Error())
		case errors.Is(runErr, nperrors.ErrCancelled), errors.Is(runErr, context.Canceled):
			s.finishJob(ctx, job, tr, store.JobStatusCancelled, runErr.Error())
		case errors.Is(runErr, nperrors.ErrAlreadyRunning):
			// Should not happen behind MarkJobRunning; resolve like a skip.
			s.advanceCronAfterSkip(ctx, job, tr, ended)
		default:
			s.retryOrFail(ctx, job, tr, attempt, ended, runErr.Error())
		}
		return
	}

	switch outcome.Result.Status {
	case store.ResultSuccess:
		s.advanceAfterSuccess(ctx, job, tr, ended)
	case store.ResultCooldownAbort:
		next := outcome.Cooldown.UntilTime().Add(s.deps.CooldownGrace)
		if err := s.deps.Store.FinishJob(ctx, job.ID, store.JobStatusCooldownDeferred, ended, &next, false); err != nil {
			s.deps.Log.Warn().Err(err).Int64("job_id", job.ID).Msg("Failed to persist cooldown deferral")
		}
		s.send(command{trigger: s.newTrigger(job, next)})
		s.emit(Event{JobID: job.ID, Action: "deferred", Status: store.JobStatusCooldownDeferred, NextRunAt: &next})
	case store.ResultCancelled:
		s.finishJob(ctx, job, tr, store.JobStatusCancelled, "")
	default:
		s.retryOrFail(ctx, job, tr, attempt, ended, outcome.Result.FailureKind)
	}
}

// deferForCooldown parks a due job until the cached cooldown deadline.
func (s *Scheduler) deferForCooldown(ctx context.Context, job *store.Job, until time.Time) {
	until = until.UTC()
	if err := s.deps.Store.RescheduleJob(ctx, job.ID, store.JobStatusCooldownDeferred, &until); err != nil {
		s.deps.Log.Warn().Err(err).Int64("job_id", job.ID).Msg("Failed to persist cooldown deferral")
	}
	s.send(command{trigger: s.newTrigger(job, until.Add(s.deps.CooldownGrace))})
	s.emit(Event{JobID: job.ID, Action: "deferred", Status: store.JobStatusCooldownDeferred, NextRunAt: &until})
}

// advanceCronAfterSkip keeps a cron series alive when a fire is skipped.
func (s *Scheduler) advanceCronAfterSkip(ctx context.Context, job *store.Job, tr *trigger, now time.Time) {
	if job.Mode != store.JobModeCron {
		return
	}
	next, err := NextCronRun(job.CronExpr, s.deps.Timezone, tr.fireAt, now)
	if err != nil {
		s.deps.Log.Warn().Err(err).Int64("job_id", job.ID).Msg("Failed to advance cron after skip")
		return
	}
	if err := s.deps.Store.RescheduleJob(ctx, job.ID, job.Status, &next); err != nil {
		s.deps.Log.Warn().Err(err).Int64("job_id", job.ID).Msg("Failed to persist cron advance")
	}
	s.send(command{trigger: s.newTrigger(job, next)})
}

// advanceAfterSuccess completes one-shot jobs and advances cron series
// drift-free from the scheduled instant; occurrences already past when the
// run ended are skipped, not back-filled.
func (s *Scheduler) advanceAfterSuccess(ctx context.Context, job *store.Job, tr *trigger, ended time.Time) {
	if job.Mode == store.JobModeCron {
		next, err := NextCronRun(job.CronExpr, s.deps.Timezone, tr.fireAt, ended)
		if err != nil {
			s.finishJob(ctx, job, tr, store.JobStatusFailed, err.Error())
			return
		}
		if err := s.deps.Store.FinishJob(ctx, job.ID, store.JobStatusScheduled, ended, &next, true); err != nil {
			s.deps.Log.Warn().Err(err).Int64("job_id", job.ID).Msg("Failed to persist cron advance")
		}
		s.send(command{trigger: s.newTrigger(job, next)})
		s.emit(Event{JobID: job.ID, Action: "completed", Status: store.JobStatusScheduled, NextRunAt: &next})
		return
	}
	if err := s.deps.Store.FinishJob(ctx, job.ID, store.JobStatusCompleted, ended, nil, true); err != nil {
		s.deps.Log.Warn().Err(err).Int64("job_id", job.ID).Msg("Failed to persist completion")
	}
	s.emit(Event{JobID: job.ID, Action: "completed", Status: store.JobStatusCompleted})
}

// retryOrFail applies the retry policy to a retriable failure.
func (s *Scheduler) retryOrFail(ctx context.Context, job *store.Job, tr *trigger, attempt int, ended time.Time, cause string) {
	maxAttempts := job.Retry.MaxAttempts
	if job.Options.MaxRetries != nil {
		maxAttempts = *job.Options.MaxRetries
	}
	if attempt < maxAttempts {
		next := ended.Add(backoffDelay(job.Retry, attempt))
		if err := s.deps.Store.FinishJob(ctx, job.ID, store.JobStatusPending, ended, &next, false); err != nil {
			s.deps.Log.Warn().Err(err).Int64("job_id", job.ID).Msg("Failed to persist retry")
		}
		s.send(command{trigger: &trigger{jobID: job.ID, kind: triggerOneShot, fireAt: next, seq: s.seq.Add(1)}})
		s.emit(Event{JobID: job.ID, Action: "retried", Status: store.JobStatusPending, NextRunAt: &next, Err: cause})
		return
	}
	s.finishJob(ctx, job, tr, store.JobStatusFailed, cause)
}

func (s *Scheduler) finishJob(ctx context.Context, job *store.Job, _ *trigger, status store.JobStatus, cause string) {
	ended := s.deps.Now().UTC()
	if err := s.deps.Store.FinishJob(ctx, job.ID, status, ended, nil, false); err != nil {
		s.deps.Log.Warn().Err(err).Int64("job_id", job.ID).Msg("Failed to persist job finish")
	}
	action := "failed"
	if status == store.JobStatusCancelled {
		action = "cancelled"
	}
	s.emit(Event{JobID: job.ID, Action: action, Status: status, NextRunAt: nil, Err: cause})
}

func (s *Scheduler) emit(evt Event) {
	if s.deps.OnEvent != nil {
		s.deps.OnEvent(evt)
	}
}
