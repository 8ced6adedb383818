package usage

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
)

var (
	clockPattern   = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)
	hmsPattern     = regexp.MustCompile(`^(\d{1,3}):(\d{1,2}):(\d{1,2})$`)
	minutesPattern = regexp.MustCompile(`^(\d+)\s*min(?:ute)?s?$`)
)

type toolPayload struct {
	RemainingMinutes *int64 `json:"remaining_minutes"`
	TotalMinutes     *int64 `json:"total_minutes"`
	Remaining        *int64 `json:"remaining"`
	Total            *int64 `json:"total"`
}

// parseToolOutput interprets the usage tool's stdout. Structured output wins;
// the plain-text forms ("HH:MM", "n minutes", "h:m:s") are the fallback.
// Returns the parsed minutes and whether structured parsing was used.
func parseToolOutput(raw string) (remaining, total int64, structured bool, err error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, 0, false, fmt.Errorf("empty tool output")
	}

	var payload toolPayload
	if jsonErr := json5.Unmarshal([]byte(trimmed), &payload); jsonErr == nil {
		switch {
		case payload.RemainingMinutes != nil:
			return *payload.RemainingMinutes, valueOrZero(payload.TotalMinutes), true, nil
		case payload.Remaining != nil:
			return *payload.Remaining, valueOrZero(payload.Total), true, nil
		}
	}

	remaining, err = parseTextForm(trimmed)
	if err != nil {
		return 0, 0, false, err
	}
	return remaining, 0, false, nil
}

// parseTextForm handles the bare time formats various tool versions print.
func parseTextForm(trimmed string) (int64, error) {
	// Multi-line output: the remaining budget is on the last non-empty line.
	lines := strings.Split(trimmed, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.ToLower(strings.TrimSpace(lines[i]))
		if line == "" {
			continue
		}
		if m := hmsPattern.FindStringSubmatch(line); m != nil {
			hours, _ := strconv.ParseInt(m[1], 10, 64)
			minutes, _ := strconv.ParseInt(m[2], 10, 64)
			seconds, _ := strconv.ParseInt(m[3], 10, 64)
			return hours*60 + minutes + seconds/60, nil
		}
		if m := clockPattern.FindStringSubmatch(line); m != nil {
			hours, _ := strconv.ParseInt(m[1], 10, 64)
			minutes, _ := strconv.ParseInt(m[2], 10, 64)
			return hours*60 + minutes, nil
		}
		if m := minutesPattern.FindStringSubmatch(line); m != nil {
			minutes, _ := strconv.ParseInt(m[1], 10, 64)
			return minutes, nil
		}
		return 0, fmt.Errorf("unrecognized usage output: %q", line)
	}
	return 0, fmt.Errorf("empty tool output")
}

func valueOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
