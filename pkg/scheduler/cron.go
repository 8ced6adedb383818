package scheduler

import (
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/s123104/night-pilot/pkg/nperrors"
)

// cronParser accepts standard five-field expressions plus @-descriptors.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ValidateCron parses an expression, surfacing a validation error the facade
// can return as-is.
func ValidateCron(expr string) error {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nperrors.Validationf("cron expression is empty")
	}
	if _, err := cronParser.Parse(trimmed); err != nil {
		return nperrors.Validationf("cron expression %q: %v", expr, err)
	}
	return nil
}

// NextCronRun computes the occurrence after `after` in the given timezone.
// Drift-free series come from passing the previous scheduled instant as
// `after`; `floor` guards against back-filling missed occurrences after
// downtime: the result is always strictly in the future of it.
func NextCronRun(expr string, loc *time.Location, after, floor time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return time.Time{}, nperrors.Validationf("cron expression %q: %v", expr, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	if after.Before(floor) {
		// Downtime skipped occurrences; resume from the present.
		after = floor
	}
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, nperrors.Validationf("cron expression %q never fires", expr)
	}
	return next.UTC(), nil
}
