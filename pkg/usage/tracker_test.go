package usage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseToolOutput(t *testing.T) {
	tests := []struct {
		name           string
		raw            string
		wantRemaining  int64
		wantTotal      int64
		wantStructured bool
		wantErr        bool
	}{
		{name: "json", raw: `{"remaining_minutes": 45, "total_minutes": 300}`, wantRemaining: 45, wantTotal: 300, wantStructured: true},
		{name: "json short keys", raw: `{"remaining": 10, "total": 60}`, wantRemaining: 10, wantTotal: 60, wantStructured: true},
		{name: "json5 trailing comma", raw: `{"remaining_minutes": 45,}`, wantRemaining: 45, wantStructured: true},
		{name: "clock", raw: "2:30", wantRemaining: 150},
		{name: "minutes", raw: "90 minutes", wantRemaining: 90},
		{name: "minutes short", raw: "5 min", wantRemaining: 5},
		{name: "hms", raw: "1:30:45", wantRemaining: 90},
		{name: "last line wins", raw: "Usage report\n\n0:45", wantRemaining: 45},
		{name: "garbage", raw: "no usage here", wantErr: true},
		{name: "empty", raw: "  ", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			remaining, total, structured, err := parseToolOutput(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %d/%d", remaining, total)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if remaining != tc.wantRemaining || total != tc.wantTotal || structured != tc.wantStructured {
				t.Fatalf("got (%d, %d, %v), want (%d, %d, %v)",
					remaining, total, structured, tc.wantRemaining, tc.wantTotal, tc.wantStructured)
			}
		})
	}
}

type fakeRunner struct {
	mu      sync.Mutex
	outputs map[string]string
	errs    map[string]error
	calls   []string
}

func (f *fakeRunner) run(_ context.Context, argv []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, argv[0])
	if err, ok := f.errs[argv[0]]; ok {
		return "", err
	}
	if out, ok := f.outputs[argv[0]]; ok {
		return out, nil
	}
	return "", fmt.Errorf("unknown command %s", argv[0])
}

func newTestTracker(runner *fakeRunner, now *time.Time) *Tracker {
	return NewTracker(TrackerDeps{
		Commands: [][]string{{"ccusage"}, {"npx", "ccusage"}, {"bunx", "ccusage"}},
		Run:      runner.run,
		Now:      func() time.Time { return *now },
		Log:      zerolog.Nop(),
	})
}

func TestFallbackChain(t *testing.T) {
	now := time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC)
	runner := &fakeRunner{
		errs:    map[string]error{"ccusage": fmt.Errorf("not installed")},
		outputs: map[string]string{"npx": `{"remaining_minutes": 45, "total_minutes": 300}`},
	}
	tracker := newTestTracker(runner, &now)

	snapshot, err := tracker.ForceRefresh(context.Background())
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if snapshot.RemainingMinutes != 45 || snapshot.Source != SourceNpxTool {
		t.Fatalf("snapshot = %+v, want 45 min from npx", snapshot)
	}
	if len(runner.calls) != 2 {
		t.Fatalf("expected 2 attempts, got %v", runner.calls)
	}
}

func TestTextFallbackSource(t *testing.T) {
	now := time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC)
	runner := &fakeRunner{outputs: map[string]string{"ccusage": "1:30"}}
	tracker := newTestTracker(runner, &now)

	snapshot, err := tracker.ForceRefresh(context.Background())
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if snapshot.Source != SourceTextParse || snapshot.RemainingMinutes != 90 {
		t.Fatalf("snapshot = %+v, want 90 min via text parse", snapshot)
	}
}

func TestCacheWindow(t *testing.T) {
	now := time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC)
	runner := &fakeRunner{outputs: map[string]string{"ccusage": `{"remaining_minutes": 45}`}}
	tracker := newTestTracker(runner, &now)

	if _, err := tracker.Refresh(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	now = now.Add(10 * time.Second)
	if _, err := tracker.Refresh(context.Background()); err != nil {
		t.Fatalf("cached refresh: %v", err)
	}
	if got := len(runner.calls); got != 1 {
		t.Fatalf("expected cache hit within TTL, got %d tool runs", got)
	}

	now = now.Add(DefaultCacheTTL)
	if _, err := tracker.Refresh(context.Background()); err != nil {
		t.Fatalf("stale refresh: %v", err)
	}
	if got := len(runner.calls); got != 2 {
		t.Fatalf("expected refetch after TTL, got %d tool runs", got)
	}
}

func TestUnknownAfterThreeFailures(t *testing.T) {
	now := time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC)
	runner := &fakeRunner{errs: map[string]error{
		"ccusage": fmt.Errorf("boom"), "npx": fmt.Errorf("boom"), "bunx": fmt.Errorf("boom"),
	}}
	var events []Event
	tracker := NewTracker(TrackerDeps{
		Commands: [][]string{{"ccusage"}, {"npx"}, {"bunx"}},
		Run:      runner.run,
		Now:      func() time.Time { return now },
		OnEvent:  func(evt Event) { events = append(events, evt) },
		Log:      zerolog.Nop(),
	})

	for i := range 3 {
		if _, err := tracker.ForceRefresh(context.Background()); err == nil {
			t.Fatalf("refresh %d should have failed", i)
		}
	}
	if tracker.Current() != nil {
		t.Fatal("usage should be unknown after three failures")
	}
	if len(events) != 1 || !events[0].Unknown {
		t.Fatalf("expected one unknown event, got %+v", events)
	}

	// Recovery resets the streak and emits the fresh snapshot.
	runner.mu.Lock()
	runner.errs = nil
	runner.outputs = map[string]string{"ccusage": `{"remaining_minutes": 120}`}
	runner.mu.Unlock()
	if _, err := tracker.ForceRefresh(context.Background()); err != nil {
		t.Fatalf("recovery refresh: %v", err)
	}
	if tracker.Current() == nil || tracker.Current().RemainingMinutes != 120 {
		t.Fatalf("current = %+v, want 120 min", tracker.Current())
	}
	if len(events) != 2 || events[1].Snapshot == nil {
		t.Fatalf("expected recovery event, got %+v", events)
	}
}

func TestPersistCalledOnSuccess(t *testing.T) {
	now := time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC)
	runner := &fakeRunner{outputs: map[string]string{"ccusage": `{"remaining_minutes": 45}`}}
	var persisted []Snapshot
	tracker := NewTracker(TrackerDeps{
		Commands: [][]string{{"ccusage"}},
		Run:      runner.run,
		Now:      func() time.Time { return now },
		Persist:  func(_ context.Context, s Snapshot) error { persisted = append(persisted, s); return nil },
		Log:      zerolog.Nop(),
	})
	if _, err := tracker.ForceRefresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(persisted) != 1 || persisted[0].RemainingMinutes != 45 {
		t.Fatalf("persisted = %+v, want one 45-minute snapshot", persisted)
	}
}
