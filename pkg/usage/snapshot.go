package usage

import (
	"time"

	"go.mau.fi/util/jsontime"
)

// Source identifies how a snapshot was obtained.
type Source string

const (
	SourceNativeTool Source = "native"
	SourceNpxTool    Source = "npx"
	SourceBunxTool   Source = "bunx"
	SourceTextParse  Source = "text-parse"
)

// Snapshot is one observation of the remaining usage budget.
type Snapshot struct {
	RemainingMinutes int64              `json:"remainingMinutes"`
	TotalMinutes     int64              `json:"totalMinutes"`
	Source           Source             `json:"source"`
	FetchedAt        jsontime.UnixMilli `json:"fetchedAt"`
	Raw              string             `json:"raw,omitempty"`
}

// Event is broadcast whenever the tracker's view of usage changes.
type Event struct {
	// Snapshot is nil when the tracker has lost track of usage entirely.
	Snapshot *Snapshot
	// Unknown is set after the failure streak exhausts the tracker's patience.
	Unknown bool
}

// Age returns how stale the snapshot is at the given instant.
func (s *Snapshot) Age(now time.Time) time.Duration {
	if s == nil {
		return 0
	}
	return now.Sub(s.FetchedAt.Time)
}
