package cooldown

import (
	"time"

	"go.mau.fi/util/jsontime"
)

// Status describes whether the agent is accepting work.
type Status string

const (
	StatusAvailable Status = "available"
	StatusCooling   Status = "cooling"
	StatusUnknown   Status = "unknown"
)

// Source describes where a cooldown observation came from.
type Source string

const (
	SourceAgentStderr Source = "agent-stderr"
	SourceHealthProbe Source = "health-probe"
	SourceMock        Source = "mock"
)

// State is one cooldown observation. It is cached in memory by the monitor
// and persisted only as part of an execution result.
type State struct {
	Status         Status               `json:"status"`
	Until          *jsontime.UnixMilli  `json:"until,omitempty"`
	Source         Source               `json:"source"`
	ObservedAt     jsontime.UnixMilli   `json:"observedAt"`
	PatternMatched string               `json:"patternMatched,omitempty"`
}

// Cooling reports whether the state blocks execution.
func (s State) Cooling() bool {
	return s.Status == StatusCooling
}

// UntilTime returns the cooldown deadline, or the zero time if none is known.
func (s State) UntilTime() time.Time {
	if s.Until == nil {
		return time.Time{}
	}
	return s.Until.Time
}

// Remaining returns how much cooldown is left at the given instant.
func (s State) Remaining(now time.Time) time.Duration {
	if s.Status != StatusCooling || s.Until == nil {
		return 0
	}
	return max(0, s.Until.Sub(now))
}

// Available is a convenience constructor for a clean observation.
func Available(source Source, observedAt time.Time) State {
	return State{Status: StatusAvailable, Source: source, ObservedAt: jsontime.UM(observedAt.UTC())}
}
