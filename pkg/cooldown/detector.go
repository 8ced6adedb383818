package cooldown

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"go.mau.fi/util/jsontime"
)

// DefaultKeywordCooldown is assumed when output mentions rate limiting
// without naming a duration.
const DefaultKeywordCooldown = 60 * time.Minute

// MaxCooldown caps any parsed duration. Longer values are almost certainly
// parse artifacts, not real provider windows.
const MaxCooldown = 24 * time.Hour

var (
	availableAtPattern = regexp.MustCompile(`(?i)available\s+(?:at|after)\s+(\d{1,2}):(\d{2})\s*(am|pm)?\s*(?:\(([^)]+)\))?`)
	retryAfterPattern  = regexp.MustCompile(`(?i)retry\s+after\s+(\d+)\s*(seconds?|secs?|minutes?|mins?|hours?|hrs?)\b`)
	keywordPattern     = regexp.MustCompile(`(?i)(rate.?limit|usage limit|quota|\b429\b)`)
)

// Detector turns agent output into a cooldown observation. It is stateless:
// the same (text, observedAt) pair always yields the same state.
type Detector struct {
	// Location is the wall-clock timezone used to resolve "available at HH:MM"
	// phrases that don't name their own zone.
	Location *time.Location
	// KeywordCooldown overrides DefaultKeywordCooldown when positive.
	KeywordCooldown time.Duration
	Log             zerolog.Logger
}

// NewDetector builds a detector for the given timezone.
func NewDetector(loc *time.Location, log zerolog.Logger) *Detector {
	return &Detector{Location: loc, Log: log.With().Str("component", "cooldown").Logger()}
}

type probePayload struct {
	Cooldown *struct {
		SecondsRemaining float64 `json:"seconds_remaining"`
	} `json:"cooldown"`
}

// Detect classifies agent stderr (or any free-form error text).
func (d *Detector) Detect(text string, observedAt time.Time) State {
	return d.detect(text, observedAt, SourceAgentStderr)
}

// DetectProbe classifies health-probe output, which is usually JSON but may
// degrade to the same error text the agent prints on stderr.
func (d *Detector) DetectProbe(text string, observedAt time.Time) State {
	return d.detect(text, observedAt, SourceHealthProbe)
}

func (d *Detector) detect(text string, observedAt time.Time, source Source) State {
	trimmed := strings.TrimSpace(text)
	observedAt = observedAt.UTC()
	if trimmed == "" {
		return Available(source, observedAt)
	}

	if m := availableAtPattern.FindStringSubmatch(trimmed); m != nil {
		return d.stateFromWallClock(m, observedAt, source)
	}
	if m := retryAfterPattern.FindStringSubmatch(trimmed); m != nil {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err == nil {
			return d.cooling(observedAt, time.Duration(n)*unitDuration(m[2]), source, m[0])
		}
	}
	if m := keywordPattern.FindString(trimmed); m != "" {
		return d.cooling(observedAt, d.keywordCooldown(), source, m)
	}
	var probe probePayload
	if err := json5.Unmarshal([]byte(trimmed), &probe); err == nil {
		if probe.Cooldown != nil {
			secs := time.Duration(probe.Cooldown.SecondsRemaining * float64(time.Second))
			return d.cooling(observedAt, secs, source, "probe:seconds_remaining")
		}
		// Parseable probe output with no cooldown block means the agent is up.
		return Available(source, observedAt)
	}
	return State{Status: StatusUnknown, Source: source, ObservedAt: jsontime.UM(observedAt)}
}

// stateFromWallClock resolves "available at HH:MM[am|pm] (tz)". A target at
// or before the observed local time rolls forward one day.
func (d *Detector) stateFromWallClock(m []string, observedAt time.Time, source Source) State {
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	meridiem := strings.ToLower(m[3])
	switch meridiem {
	case "am":
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour != 12 {
			hour += 12
		}
	}
	if hour > 23 || minute > 59 {
		return State{Status: StatusUnknown, Source: source, ObservedAt: jsontime.UM(observedAt)}
	}
	loc := d.location()
	if zone := strings.TrimSpace(m[4]); zone != "" {
		if parsed, err := time.LoadLocation(zone); err == nil {
			loc = parsed
		}
	}
	local := observedAt.In(loc)
	target := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !target.After(local) {
		target = target.AddDate(0, 0, 1)
	}
	return d.cooling(observedAt, target.Sub(observedAt), source, m[0])
}

func (d *Detector) cooling(observedAt time.Time, duration time.Duration, source Source, pattern string) State {
	if duration <= 0 {
		return State{Status: StatusAvailable, Source: source, ObservedAt: jsontime.UM(observedAt), PatternMatched: pattern}
	}
	if duration > MaxCooldown {
		d.Log.Warn().
			Dur("parsed", duration).
			Str("pattern", pattern).
			Msg("Suspiciously long cooldown, clamping to 24h")
		duration = MaxCooldown
	}
	until := jsontime.UM(observedAt.Add(duration))
	return State{
		Status:         StatusCooling,
		Until:          &until,
		Source:         source,
		ObservedAt:     jsontime.UM(observedAt),
		PatternMatched: pattern,
	}
}

func (d *Detector) keywordCooldown() time.Duration {
	if d.KeywordCooldown > 0 {
		return d.KeywordCooldown
	}
	return DefaultKeywordCooldown
}

func (d *Detector) location() *time.Location {
	if d.Location != nil {
		return d.Location
	}
	return time.UTC
}

func unitDuration(unit string) time.Duration {
	switch strings.ToLower(strings.TrimSuffix(unit, "s")) {
	case "sec", "second":
		return time.Second
	case "min", "minute":
		return time.Minute
	case "hour", "hr":
		return time.Hour
	}
	return time.Second
}
