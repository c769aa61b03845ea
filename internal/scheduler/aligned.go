package scheduler

import (
	"context"
	"time"

	"arena/internal/logger"
)

// alignedLoop 在 interval 的整数倍（加 offset）处唤醒，而不是从启动时刻起算。
type alignedLoop struct {
	interval       time.Duration
	offset         time.Duration
	runImmediately bool
	nowFn          func() time.Time
}

func (l alignedLoop) run(ctx context.Context, task func(at time.Time)) {
	if l.interval <= 0 {
		logger.Warnf("scheduler: invalid interval=%s, exit", l.interval)
		return
	}
	if l.offset < 0 || l.offset >= l.interval {
		l.offset = 0
	}
	startAt := l.nowFn().UTC()
	logger.Infof("scheduler: started interval=%s offset=%s run_immediately=%v at=%s",
		l.interval, l.offset, l.runImmediately, startAt.Format(time.RFC3339))

	if l.runImmediately {
		task(startAt)
	}
	for {
		now := l.nowFn().UTC()
		wakeAt, wait := l.next(now)
		logger.Debugf("scheduler: next cycle at %s (in %s) uptime=%s",
			wakeAt.Format(time.RFC3339), wait.Truncate(time.Second), now.Sub(startAt).Truncate(time.Second))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Infof("scheduler: ctx done, exit")
			return
		case <-timer.C:
		}
		task(wakeAt)
	}
}

func (l alignedLoop) next(now time.Time) (wakeAt time.Time, wait time.Duration) {
	wakeAt = now.Truncate(l.interval).Add(l.offset)
	if !wakeAt.After(now) {
		wakeAt = wakeAt.Add(l.interval)
	}
	return wakeAt, wakeAt.Sub(now)
}
