package cooldown

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testDetector(t *testing.T) *Detector {
	t.Helper()
	return NewDetector(time.UTC, zerolog.Nop())
}

func at(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("bad test timestamp %q: %v", value, err)
	}
	return parsed
}

func TestDetectWallClock(t *testing.T) {
	observed := at(t, "2025-01-15T08:15:00Z")
	tests := []struct {
		name      string
		text      string
		wantUntil string
	}{
		{
			name:      "same day",
			text:      "usage limit reached; available at 9:30 AM (UTC)",
			wantUntil: "2025-01-15T09:30:00Z",
		},
		{
			name:      "rolls forward past times",
			text:      "available at 7:00 AM (UTC)",
			wantUntil: "2025-01-16T07:00:00Z",
		},
		{
			name:      "midnight is 12am",
			text:      "available at 12:00 AM (UTC)",
			wantUntil: "2025-01-16T00:00:00Z",
		},
		{
			name:      "noon is 12pm",
			text:      "available at 12:00 PM (UTC)",
			wantUntil: "2025-01-15T12:00:00Z",
		},
		{
			name:      "24h clock without meridiem",
			text:      "available at 21:45",
			wantUntil: "2025-01-15T21:45:00Z",
		},
	}
	d := testDetector(t)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			state := d.Detect(tc.text, observed)
			if state.Status != StatusCooling {
				t.Fatalf("expected cooling, got %s", state.Status)
			}
			want := at(t, tc.wantUntil)
			if state.Until == nil || !state.Until.Equal(want) {
				t.Fatalf("until = %v, want %v", state.Until, want)
			}
		})
	}
}

func TestDetectRetryAfter(t *testing.T) {
	observed := at(t, "2025-01-15T08:00:00Z")
	tests := []struct {
		text string
		want time.Duration
	}{
		{"retry after 90 seconds", 90 * time.Second},
		{"please retry after 5 minutes", 5 * time.Minute},
		{"Retry after 2 hours", 2 * time.Hour},
	}
	d := testDetector(t)
	for _, tc := range tests {
		t.Run(tc.text, func(t *testing.T) {
			state := d.Detect(tc.text, observed)
			if state.Status != StatusCooling {
				t.Fatalf("expected cooling, got %s", state.Status)
			}
			if got := state.Remaining(observed); got != tc.want {
				t.Fatalf("remaining = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDetectKeywordsWithoutDuration(t *testing.T) {
	observed := at(t, "2025-01-15T08:00:00Z")
	d := testDetector(t)
	for _, text := range []string{
		"Error: rate limit exceeded",
		"usage limit reached, try later",
		"quota exhausted",
		"HTTP 429 from upstream",
	} {
		state := d.Detect(text, observed)
		if state.Status != StatusCooling {
			t.Fatalf("%q: expected cooling, got %s", text, state.Status)
		}
		if got := state.Remaining(observed); got != DefaultKeywordCooldown {
			t.Fatalf("%q: remaining = %v, want %v", text, got, DefaultKeywordCooldown)
		}
	}
}

func TestDetectProbeJSON(t *testing.T) {
	observed := at(t, "2025-01-15T08:00:00Z")
	d := testDetector(t)

	state := d.DetectProbe(`{"cooldown": {"seconds_remaining": 120}}`, observed)
	if state.Status != StatusCooling {
		t.Fatalf("expected cooling, got %s", state.Status)
	}
	if got := state.Remaining(observed); got != 2*time.Minute {
		t.Fatalf("remaining = %v, want 2m", got)
	}
	if state.Source != SourceHealthProbe {
		t.Fatalf("source = %s, want health probe", state.Source)
	}

	state = d.DetectProbe(`{"status": "ok"}`, observed)
	if state.Status != StatusAvailable {
		t.Fatalf("healthy probe should be available, got %s", state.Status)
	}

	state = d.DetectProbe(`{"cooldown": {"seconds_remaining": -30}}`, observed)
	if state.Status != StatusAvailable {
		t.Fatalf("negative remaining should be available, got %s", state.Status)
	}
}

func TestDetectFallthrough(t *testing.T) {
	observed := at(t, "2025-01-15T08:00:00Z")
	d := testDetector(t)
	if state := d.Detect("", observed); state.Status != StatusAvailable {
		t.Fatalf("empty input should be available, got %s", state.Status)
	}
	if state := d.Detect("   \n\t ", observed); state.Status != StatusAvailable {
		t.Fatalf("whitespace input should be available, got %s", state.Status)
	}
	if state := d.Detect("segmentation fault", observed); state.Status != StatusUnknown {
		t.Fatalf("unmatched error text should be unknown, got %s", state.Status)
	}
}

func TestDetectClampsLongDurations(t *testing.T) {
	observed := at(t, "2025-01-15T08:00:00Z")
	d := testDetector(t)
	state := d.Detect("retry after 48 hours", observed)
	if got := state.Remaining(observed); got != MaxCooldown {
		t.Fatalf("remaining = %v, want clamp at %v", got, MaxCooldown)
	}
}

func TestDetectIsPure(t *testing.T) {
	observed := at(t, "2025-01-15T08:15:00Z")
	d := testDetector(t)
	text := "usage limit reached; available at 9:30 AM (UTC)"
	first := d.Detect(text, observed)
	for range 10 {
		again := d.Detect(text, observed)
		if again.Status != first.Status || !again.Until.Equal(first.Until.Time) || again.PatternMatched != first.PatternMatched {
			t.Fatalf("detector output changed between identical calls: %+v vs %+v", first, again)
		}
	}
	// Whitespace padding must not change the classification.
	padded := d.Detect("  \n"+text+"\t  ", observed)
	if padded.Status != first.Status || !padded.Until.Equal(first.Until.Time) {
		t.Fatalf("padding changed detection: %+v vs %+v", first, padded)
	}
}

func TestDetectTimezoneFallback(t *testing.T) {
	taipei, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	d := NewDetector(taipei, zerolog.Nop())
	// 08:15 UTC is 16:15 in Taipei, so a bare "available at 9:30 AM" means
	// tomorrow morning Taipei time.
	observed := at(t, "2025-01-15T08:15:00Z")
	state := d.Detect("available at 9:30 AM", observed)
	want := time.Date(2025, 1, 16, 9, 30, 0, 0, taipei)
	if state.Until == nil || !state.Until.Equal(want) {
		t.Fatalf("until = %v, want %v", state.Until, want)
	}
}
