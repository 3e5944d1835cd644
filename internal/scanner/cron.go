package scanner

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// effectivePollInterval resolves a Target to the millisecond interval
// the scanner should actually be started with: PollIntervalMillis
// directly, or -- when CronExpr is set -- the time until that
// expression's next scheduled firing from now.
func effectivePollInterval(target Target) (int64, error) {
	if target.CronExpr == "" {
		return target.PollIntervalMillis, nil
	}

	schedule, err := cron.ParseStandard(target.CronExpr)
	if err != nil {
		return 0, fmt.Errorf("parse cron expression %q: %w", target.CronExpr, err)
	}

	now := time.Now()
	next := schedule.Next(now)
	return next.Sub(now).Milliseconds(), nil
}
