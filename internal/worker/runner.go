package worker

import (
	"context"
	"errors"
	"time"

	"github.com/zulandar/cfq/internal/logger"
)

// DefaultWorkDelay is the pause after a unit of work before looking for
// the next one.
const DefaultWorkDelay = time.Second

// Stage is one claim queue: ProcessOne claims and handles at most one file
// and reports whether it found any. Only infrastructure failures are
// returned as errors.
type Stage interface {
	Name() string
	ProcessOne(ctx context.Context) (bool, error)
}

// Runner drives stages either once or in a loop.
type Runner struct {
	Stages    []Stage
	WorkDelay time.Duration
	IdleSleep time.Duration
	// Deadline stops RunLoop once passed. Zero means run until cancelled.
	Deadline time.Time
	// Wake cuts an idle sleep short. Optional.
	Wake <-chan struct{}
	Log  *logger.Logger

	now func() time.Time
}

func (r *Runner) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// RunOnce gives each stage one chance to process a file. A stage error is
// logged and does not stop later stages; all errors are returned joined.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	log := logger.OrNop(r.Log)
	// An in-flight unit completes even if ctx is cancelled meanwhile.
	unitCtx := context.WithoutCancel(ctx)

	var found bool
	var errs []error
	for _, s := range r.Stages {
		ok, err := s.ProcessOne(unitCtx)
		if err != nil {
			log.Error("stage failed", "stage", s.Name(), "error", err)
			errs = append(errs, err)
			continue
		}
		found = found || ok
	}
	return found, errors.Join(errs...)
}

// RunLoop processes until ctx is cancelled or the deadline passes. After
// finding work it waits WorkDelay; when idle (or after an error) it waits
// IdleSleep, unless woken early.
func (r *Runner) RunLoop(ctx context.Context) error {
	log := logger.OrNop(r.Log)
	workDelay := r.WorkDelay
	if workDelay <= 0 {
		workDelay = DefaultWorkDelay
	}
	idle := r.IdleSleep
	if idle <= 0 {
		idle = 10 * time.Second
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		if r.expired() {
			log.Info("run deadline reached")
			return nil
		}

		found, err := r.RunOnce(ctx)
		delay := idle
		if err == nil && found {
			delay = workDelay
		}
		if !r.Deadline.IsZero() {
			if left := r.Deadline.Sub(r.clock()); left < delay {
				delay = left
			}
		}
		if delay > 0 && !sleep(ctx, delay, r.wakeFor(found)) {
			return nil
		}
	}
}

func (r *Runner) expired() bool {
	return !r.Deadline.IsZero() && !r.clock().Before(r.Deadline)
}

// wakeFor returns the wake channel for idle sleeps only.
func (r *Runner) wakeFor(found bool) <-chan struct{} {
	if found {
		return nil
	}
	return r.Wake
}

// sleep waits for d, a wake-up, or cancellation. It reports false when ctx
// was cancelled.
func sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	case <-wake:
	}
	return true
}
