package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration returns the duration from now until expr next fires.
// Returns 0 on parse error.
func nextCronDuration(expr string, now time.Time) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	d := sched.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// RunScheduled calls fn every time expr fires until ctx is done. It
// returns an error only if expr does not parse.
func RunScheduled(ctx context.Context, expr string, fn func(context.Context)) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("worker: schedule %q: %w", expr, err)
	}
	timer := time.NewTimer(nextCronDuration(expr, time.Now()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			fn(ctx)
			timer.Reset(nextCronDuration(expr, time.Now()))
		}
	}
}
