package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/s123104/night-pilot/pkg/cooldown"
	"github.com/s123104/night-pilot/pkg/usage"
	"go.mau.fi/util/jsontime"
)

type stubUsageTool struct {
	mu        sync.Mutex
	remaining int64
	fail      bool
}

func (s *stubUsageTool) run(_ context.Context, _ []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return "", fmt.Errorf("tool unavailable")
	}
	return fmt.Sprintf(`{"remaining_minutes": %d, "total_minutes": 300}`, s.remaining), nil
}

func (s *stubUsageTool) set(remaining int64, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remaining = remaining
	s.fail = fail
}

type testHarness struct {
	monitor *Monitor
	tool    *stubUsageTool
	now     time.Time
	events  []Event
	mu      sync.Mutex
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		tool: &stubUsageTool{remaining: 120},
		now:  time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC),
	}
	tracker := usage.NewTracker(usage.TrackerDeps{
		Commands: [][]string{{"ccusage"}},
		Run:      h.tool.run,
		Now:      func() time.Time { return h.now },
		CacheTTL: time.Nanosecond, // every tick re-polls in tests
		Log:      zerolog.Nop(),
	})
	h.monitor = New(Deps{
		Tracker:  tracker,
		Detector: cooldown.NewDetector(time.UTC, zerolog.Nop()),
		Publish: func(evt Event) {
			h.mu.Lock()
			h.events = append(h.events, evt)
			h.mu.Unlock()
		},
		Now: func() time.Time { return h.now },
		Log: zerolog.Nop(),
	})
	return h
}

func (h *testHarness) lastEvent(t *testing.T) Event {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.events) == 0 {
		t.Fatal("no events recorded")
	}
	return h.events[len(h.events)-1]
}

func (h *testHarness) eventCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func TestModeTable(t *testing.T) {
	tests := []struct {
		remaining int64
		want      Mode
	}{
		{120, ModeNormal},
		{61, ModeNormal},
		{60, ModeApproaching},
		{45, ModeApproaching},
		{31, ModeApproaching},
		{30, ModeImminent},
		{11, ModeImminent},
		{10, ModeCritical},
		{0, ModeCritical},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%d_minutes", tc.remaining), func(t *testing.T) {
			h := newHarness(t)
			h.tool.set(tc.remaining, false)
			h.monitor.tick(context.Background())
			if got := h.monitor.Mode(); got != tc.want {
				t.Fatalf("mode = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestModeTransitionEmitsEvent(t *testing.T) {
	h := newHarness(t)

	h.tool.set(45, false)
	h.monitor.tick(context.Background())
	if got := h.monitor.Mode(); got != ModeApproaching {
		t.Fatalf("mode = %s, want approaching", got)
	}
	if h.monitor.deps.Periods.Period(h.monitor.Mode()) != 5*time.Minute {
		t.Fatalf("approaching period = %v, want 5m", h.monitor.deps.Periods.Period(h.monitor.Mode()))
	}

	before := h.eventCount()
	h.tool.set(8, false)
	h.now = h.now.Add(time.Minute)
	h.monitor.tick(context.Background())
	if got := h.monitor.Mode(); got != ModeCritical {
		t.Fatalf("mode = %s, want critical", got)
	}
	if h.monitor.deps.Periods.Period(h.monitor.Mode()) != 10*time.Second {
		t.Fatalf("critical period = %v, want 10s", h.monitor.deps.Periods.Period(h.monitor.Mode()))
	}
	if h.eventCount() != before+1 {
		t.Fatalf("events = %d, want exactly one more than %d", h.eventCount(), before)
	}
	evt := h.lastEvent(t)
	if evt.OldMode != ModeApproaching || evt.NewMode != ModeCritical {
		t.Fatalf("event = %+v", evt)
	}
	if evt.Usage == nil || evt.Usage.RemainingMinutes != 8 {
		t.Fatalf("event usage = %+v", evt.Usage)
	}
}

func TestUnavailableAfterThreeUnknownCycles(t *testing.T) {
	h := newHarness(t)
	h.tool.set(0, true)

	for i := range 3 {
		h.now = h.now.Add(time.Minute)
		h.monitor.tick(context.Background())
		if i < 2 && h.monitor.Mode() == ModeUnavailable {
			t.Fatalf("unavailable too early at cycle %d", i+1)
		}
	}
	if got := h.monitor.Mode(); got != ModeUnavailable {
		t.Fatalf("mode = %s, want unavailable", got)
	}
}

func TestCoolingForcesCritical(t *testing.T) {
	h := newHarness(t)
	h.tool.set(120, false)
	h.monitor.tick(context.Background())
	if got := h.monitor.Mode(); got != ModeNormal {
		t.Fatalf("mode = %s, want normal", got)
	}

	until := jsontime.UM(h.now.Add(30 * time.Minute))
	h.monitor.ReportCooldown(cooldown.State{
		Status:     cooldown.StatusCooling,
		Until:      &until,
		Source:     cooldown.SourceAgentStderr,
		ObservedAt: jsontime.UM(h.now),
	})
	if got := h.monitor.Mode(); got != ModeCritical {
		t.Fatalf("mode = %s, want critical while cooling", got)
	}
	if !h.monitor.CooldownState().Cooling() {
		t.Fatal("cached cooldown should be cooling")
	}
	evt := h.lastEvent(t)
	if evt.NewMode != ModeCritical {
		t.Fatalf("event = %+v", evt)
	}
}

func TestProbeRefreshesCooldown(t *testing.T) {
	h := newHarness(t)
	h.monitor.deps.Probe = func(context.Context) (string, error) {
		return `{"cooldown": {"seconds_remaining": 90}}`, nil
	}
	h.tool.set(120, false)
	h.monitor.tick(context.Background())
	state := h.monitor.CooldownState()
	if !state.Cooling() || state.Source != cooldown.SourceHealthProbe {
		t.Fatalf("state = %+v", state)
	}
	if got := h.monitor.Mode(); got != ModeCritical {
		t.Fatalf("mode = %s, want critical", got)
	}
}
