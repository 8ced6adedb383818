// Package engine is the single entry point front-ends talk to. It owns the
// strong references to every subsystem; the subsystems themselves only share
// the event bus.
package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/s123104/night-pilot/pkg/bus"
	"github.com/s123104/night-pilot/pkg/config"
	"github.com/s123104/night-pilot/pkg/cooldown"
	"github.com/s123104/night-pilot/pkg/executor"
	"github.com/s123104/night-pilot/pkg/monitor"
	"github.com/s123104/night-pilot/pkg/nperrors"
	"github.com/s123104/night-pilot/pkg/scheduler"
	"github.com/s123104/night-pilot/pkg/store"
	"github.com/s123104/night-pilot/pkg/usage"
)

// ShutdownWindow bounds how long Stop waits for tasks to drain.
const ShutdownWindow = 10 * time.Second

// Engine wires the store, detector, tracker, executor, monitor, and
// scheduler into one facade.
type Engine struct {
	cfg      *config.Config
	log      zerolog.Logger
	location *time.Location

	store     *store.Store
	detector  *cooldown.Detector
	tracker   *usage.Tracker
	executor  *executor.Executor
	monitor   *monitor.Monitor
	scheduler *scheduler.Scheduler
	bus       *bus.Bus

	cancel context.CancelFunc
}

// runnerAdapter forwards scheduler dispatches to the executor and reports
// observed cooldowns into the monitor's cache on the way back.
type runnerAdapter struct {
	executor *executor.Executor
	monitor  *monitor.Monitor
}

func (r *runnerAdapter) Run(ctx context.Context, req executor.Request) (*executor.Outcome, error) {
	outcome, err := r.executor.Run(ctx, req)
	if outcome != nil && outcome.Cooldown != nil {
		r.monitor.ReportCooldown(*outcome.Cooldown)
	}
	return outcome, err
}

func (r *runnerAdapter) TryAcquireSlot() error     { return r.executor.TryAcquireSlot() }
func (r *runnerAdapter) IsRunning(jobID int64) bool { return r.executor.IsRunning(jobID) }

// New assembles an engine from config. The database is opened and migrated
// here; background loops start in Start.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Engine, error) {
	location, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}
	db, err := store.New(ctx, cfg.DatabasePath(), log)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		log:      log.With().Str("component", "engine").Logger(),
		location: location,
		store:    db,
		bus:      bus.New(),
	}

	e.detector = cooldown.NewDetector(location, log)
	e.detector.KeywordCooldown = time.Duration(cfg.CooldownDefaultMinutes) * time.Minute

	e.tracker = usage.NewTracker(usage.TrackerDeps{
		Commands: cfg.UsageToolCommands,
		Persist:  db.AppendUsageSnapshot,
		OnEvent:  func(evt usage.Event) { e.bus.Publish(evt) },
		Log:      log,
	})

	safety, err := executor.NewSafetyPolicy(cfg.DangerousPatterns, append([]string{cfg.DataRoot}, cfg.WorkingDirectoryWhitelist...))
	if err != nil {
		return nil, err
	}
	e.executor = executor.New(executor.Deps{
		AgentBinary:    cfg.AgentBinary,
		DataRoot:       cfg.DataRoot,
		Safety:         safety,
		Detector:       e.detector,
		Sink:           db,
		MaxConcurrency: cfg.MaxConcurrency,
		Log:            log,
	})

	e.monitor = monitor.New(monitor.Deps{
		Tracker:  e.tracker,
		Detector: e.detector,
		Probe:    e.probeAgent,
		Publish:  e.onMonitorEvent,
		Periods:  cfg.Periods(),
		Log:      log,
	})

	e.scheduler = scheduler.New(scheduler.Deps{
		Store:         db,
		Runner:        &runnerAdapter{executor: e.executor, monitor: e.monitor},
		CooldownState: e.monitor.CooldownState,
		Timezone:      location,
		OnEvent:       func(evt scheduler.Event) { e.bus.Publish(evt) },
		Log:           log,
	})
	return e, nil
}

// Start launches the monitor, the scheduler, and the retention loop.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.monitor.Start(runCtx)
	if err := e.scheduler.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if e.cfg.RetentionResultDays > 0 {
		go e.retentionLoop(runCtx)
	}
	e.log.Info().Str("data_root", e.cfg.DataRoot).Msg("Engine started")
	return nil
}

// Stop drains everything within the shutdown window.
func (e *Engine) Stop() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.scheduler.Stop()
		e.monitor.Stop()
	}()
	select {
	case <-done:
	case <-time.After(ShutdownWindow):
		e.log.Warn().Msg("Shutdown window elapsed with tasks still draining")
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.bus.Close()
	if err := e.store.Close(); err != nil {
		e.log.Warn().Err(err).Msg("Failed to close store")
	}
	e.log.Info().Msg("Engine stopped")
}

// Events exposes the broadcast stream to front-ends.
func (e *Engine) Events() (<-chan bus.Event, func()) {
	return e.bus.Subscribe()
}

// onMonitorEvent republishes monitor events and re-admits deferred jobs when
// the cooldown clears.
func (e *Engine) onMonitorEvent(evt monitor.Event) {
	e.bus.Publish(evt)
	if evt.Cooldown.Status == cooldown.StatusAvailable {
		e.scheduler.ReadmitDeferred()
	}
}

// probeAgent is the monitor's health probe: cheap presence check, no spawn.
func (e *Engine) probeAgent(context.Context) (string, error) {
	if _, err := exec.LookPath(e.cfg.AgentBinary); err != nil {
		return "", fmt.Errorf("agent binary %q not on PATH: %w", e.cfg.AgentBinary, err)
	}
	return "", nil
}

func (e *Engine) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -int(e.cfg.RetentionResultDays))
			pruned, err := e.store.PruneResults(ctx, cutoff)
			if err != nil {
				e.log.Warn().Err(err).Msg("Result pruning failed")
			} else if pruned > 0 {
				e.log.Info().Int64("pruned", pruned).Msg("Pruned old execution results")
			}
		}
	}
}

func validatePromptInput(title, content string) error {
	trimmedTitle := strings.TrimSpace(title)
	if len(trimmedTitle) == 0 || len(trimmedTitle) > 200 {
		return nperrors.Validationf("title must be 1-200 characters after trimming")
	}
	if len(content) == 0 || len(content) > executor.MaxPromptBytes {
		return nperrors.Validationf("content must be 1-%d bytes", executor.MaxPromptBytes)
	}
	return nil
}
