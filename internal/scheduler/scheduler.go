package scheduler

import (
	"context"
	"time"

	"tradeflow/internal/logger"
)

// IntervalScheduler fires a task on a fixed wall-clock interval.
// The task runs on the scheduler goroutine; anything slow must fan out to its
// own goroutines so one tick cannot delay the next component's ticks.
type IntervalScheduler struct {
	Name           string
	Interval       time.Duration
	RunImmediately bool

	nowFn func() time.Time
}

func NewIntervalScheduler(name string, interval time.Duration) *IntervalScheduler {
	return &IntervalScheduler{
		Name:     name,
		Interval: interval,
		nowFn:    time.Now,
	}
}

// Start blocks until ctx is canceled, invoking task once per interval.
// Tick timestamps are truncated to the interval so a retried tick observes
// the same timestamp as the original.
func (s *IntervalScheduler) Start(ctx context.Context, task func(ctx context.Context, tick time.Time)) {
	if s == nil || task == nil {
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("scheduler %s: invalid interval=%s, exit", s.Name, s.Interval)
		return
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	logger.Infof("scheduler %s: started interval=%s run_immediately=%v", s.Name, s.Interval, s.RunImmediately)

	if s.RunImmediately {
		task(ctx, s.nowFn().UTC().Truncate(s.Interval))
	}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Infof("scheduler %s: ctx done, exit", s.Name)
			return
		case now := <-ticker.C:
			task(ctx, now.UTC().Truncate(s.Interval))
		}
	}
}
