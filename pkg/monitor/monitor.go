// Package monitor runs the adaptive background loop that keeps the engine's
// cooldown and usage caches fresh. It is strictly read-side: it never starts
// an execution.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"

	"github.com/s123104/night-pilot/pkg/cooldown"
	"github.com/s123104/night-pilot/pkg/usage"
)

// Mode is the monitor's cadence class.
type Mode string

const (
	ModeNormal      Mode = "normal"
	ModeApproaching Mode = "approaching"
	ModeImminent    Mode = "imminent"
	ModeCritical    Mode = "critical"
	ModeUnavailable Mode = "unavailable"
	ModeUnknown     Mode = "unknown"
)

// Periods maps each mode to its refresh interval.
type Periods struct {
	Normal      time.Duration `yaml:"normal"`
	Approaching time.Duration `yaml:"approaching"`
	Imminent    time.Duration `yaml:"imminent"`
	Critical    time.Duration `yaml:"critical"`
	Unavailable time.Duration `yaml:"unavailable"`
	Unknown     time.Duration `yaml:"unknown"`
}

// DefaultPeriods is the documented cadence table.
func DefaultPeriods() Periods {
	return Periods{
		Normal:      10 * time.Minute,
		Approaching: 5 * time.Minute,
		Imminent:    time.Minute,
		Critical:    10 * time.Second,
		Unavailable: 2 * time.Minute,
		Unknown:     30 * time.Second,
	}
}

// Period returns the interval for a mode.
func (p Periods) Period(mode Mode) time.Duration {
	switch mode {
	case ModeNormal:
		return p.Normal
	case ModeApproaching:
		return p.Approaching
	case ModeImminent:
		return p.Imminent
	case ModeCritical:
		return p.Critical
	case ModeUnavailable:
		return p.Unavailable
	}
	return p.Unknown
}

// unknownStreakLimit is how many usage-less cycles it takes to fall into
// unavailable mode.
const unknownStreakLimit = 3

// Event is broadcast when the monitor's view changes.
type Event struct {
	OldMode  Mode
	NewMode  Mode
	Usage    *usage.Snapshot
	Cooldown cooldown.State
	At       jsontime.UnixMilli
}

// Deps wires the monitor.
type Deps struct {
	Tracker *usage.Tracker
	Detector *cooldown.Detector
	// Probe returns agent health output for cooldown refresh. Optional: with
	// no probe, the cache only changes through ReportCooldown.
	Probe func(ctx context.Context) (string, error)
	// Publish broadcasts an event. Optional.
	Publish func(evt Event)

	Periods Periods
	Now     func() time.Time
	Log     zerolog.Logger
}

// Monitor owns the cooldown/usage caches. All writes go through it.
type Monitor struct {
	deps Deps

	mu            sync.RWMutex
	mode          Mode
	cooldownState cooldown.State
	lastUsage     *usage.Snapshot
	unknownStreak int

	stop     chan struct{}
	done     chan struct{}
	startMu  sync.Mutex
	running  bool
}

// New builds a monitor in the initial unknown mode.
func New(deps Deps) *Monitor {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if (deps.Periods == Periods{}) {
		deps.Periods = DefaultPeriods()
	}
	deps.Log = deps.Log.With().Str("component", "monitor").Logger()
	return &Monitor{
		deps:          deps,
		mode:          ModeUnknown,
		cooldownState: cooldown.State{Status: cooldown.StatusUnknown, Source: cooldown.SourceHealthProbe, ObservedAt: jsontime.UM(deps.Now().UTC())},
	}
}

// Start launches the background loop. Stop (or ctx cancellation) ends it.
func (m *Monitor) Start(ctx context.Context) {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop halts the loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if !m.running {
		return
	}
	close(m.stop)
	<-m.done
	m.running = false
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-timer.C:
		}
		m.tick(ctx)
		timer.Reset(m.deps.Periods.Period(m.Mode()))
	}
}

// Mode returns the current cadence class.
func (m *Monitor) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// CooldownState returns the cached cooldown observation.
func (m *Monitor) CooldownState() cooldown.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cooldownState
}

// Usage returns the cached usage snapshot (nil when unknown).
func (m *Monitor) Usage() *usage.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastUsage
}

// ReportCooldown feeds an executor-observed cooldown into the cache. The
// monitor stays the single writer; other components only report.
func (m *Monitor) ReportCooldown(state cooldown.State) {
	m.mu.Lock()
	old := m.mode
	m.cooldownState = state
	newMode := m.classifyLocked()
	changed := newMode != old
	m.mode = newMode
	usageSnapshot := m.lastUsage
	m.mu.Unlock()
	if changed {
		m.publish(old, newMode, usageSnapshot, state)
	}
}

// tick refreshes both caches and broadcasts on change.
func (m *Monitor) tick(ctx context.Context) {
	snapshot, err := m.deps.Tracker.Refresh(ctx)
	if err != nil {
		snapshot = m.deps.Tracker.Current()
	}

	state := m.probeCooldown(ctx)

	m.mu.Lock()
	oldMode := m.mode
	oldCooldown := m.cooldownState
	oldUsage := m.lastUsage

	if snapshot == nil {
		m.unknownStreak++
		m.lastUsage = nil
	} else {
		m.unknownStreak = 0
		m.lastUsage = snapshot
	}
	if state != nil {
		// A shallow probe that can't see the provider's rate-limit state must
		// not clear a live cooldown before its deadline.
		keepCooling := m.cooldownState.Cooling() &&
			m.cooldownState.UntilTime().After(m.deps.Now()) &&
			state.Status != cooldown.StatusCooling
		if !keepCooling {
			m.cooldownState = *state
		}
	}
	newMode := m.classifyLocked()
	m.mode = newMode
	newCooldown := m.cooldownState
	m.mu.Unlock()

	usageChanged := (oldUsage == nil) != (snapshot == nil) ||
		(oldUsage != nil && snapshot != nil && oldUsage.RemainingMinutes != snapshot.RemainingMinutes)
	cooldownChanged := oldCooldown.Status != newCooldown.Status
	if newMode != oldMode || usageChanged || cooldownChanged {
		m.publish(oldMode, newMode, snapshot, newCooldown)
	}
}

func (m *Monitor) probeCooldown(ctx context.Context) *cooldown.State {
	if m.deps.Probe == nil {
		return nil
	}
	now := m.deps.Now().UTC()
	output, err := m.deps.Probe(ctx)
	if err != nil {
		m.deps.Log.Debug().Err(err).Msg("Health probe failed")
		state := cooldown.State{Status: cooldown.StatusUnknown, Source: cooldown.SourceHealthProbe, ObservedAt: jsontime.UM(now)}
		return &state
	}
	state := m.deps.Detector.DetectProbe(output, now)
	return &state
}

// classifyLocked derives the mode from the caches. Callers hold m.mu.
func (m *Monitor) classifyLocked() Mode {
	if m.cooldownState.Cooling() {
		return ModeCritical
	}
	if m.lastUsage == nil {
		if m.unknownStreak >= unknownStreakLimit {
			return ModeUnavailable
		}
		return ModeUnknown
	}
	remaining := m.lastUsage.RemainingMinutes
	switch {
	case remaining <= 10:
		return ModeCritical
	case remaining <= 30:
		return ModeImminent
	case remaining <= 60:
		return ModeApproaching
	}
	return ModeNormal
}

func (m *Monitor) publish(oldMode, newMode Mode, snapshot *usage.Snapshot, state cooldown.State) {
	m.deps.Log.Debug().
		Str("old_mode", string(oldMode)).
		Str("new_mode", string(newMode)).
		Msg("Monitor state changed")
	if m.deps.Publish != nil {
		m.deps.Publish(Event{
			OldMode:  oldMode,
			NewMode:  newMode,
			Usage:    snapshot,
			Cooldown: state,
			At:       jsontime.UM(m.deps.Now().UTC()),
		})
	}
}
