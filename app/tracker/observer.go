package tracker

import (
	"context"
	"time"

	"github.com/umputun/imggen/app/store"
)

// default observation settings
const (
	DefaultFailedGrace  = 30 * time.Second
	DefaultPollInterval = 2 * time.Second
)

// Observer decides when a job's state is final. Completed is final right away. Failed is advisory
// at first, a worker may still be about to rename its artifact in place, so it becomes final only
// after FailedGrace since job creation.
type Observer struct {
	*Resolver
	FailedGrace time.Duration
	Interval    time.Duration
	now         func() time.Time
}

// NewObserver makes observer with resolver and default grace and poll interval
func NewObserver(resolver *Resolver) *Observer {
	return &Observer{Resolver: resolver, FailedGrace: DefaultFailedGrace, Interval: DefaultPollInterval, now: time.Now}
}

// Terminal reports if observation of the job may stop
func (o *Observer) Terminal(job store.Job, res Resolution) bool {
	switch res.State {
	case StateCompleted:
		return true
	case StateFailed:
		return o.timeNow().Sub(job.CreatedAt) >= o.FailedGrace
	default:
		return false
	}
}

// Await polls the job until its state is terminal or ctx is done. On ctx done it returns the last
// resolution along with ctx error.
func (o *Observer) Await(ctx context.Context, job store.Job) (Resolution, error) {
	interval := o.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	res := o.Resolve(job)
	if o.Terminal(job, res) {
		return res, nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
			res = o.Resolve(job)
			if o.Terminal(job, res) {
				return res, nil
			}
		}
	}
}

func (o *Observer) timeNow() time.Time {
	if o.now == nil {
		return time.Now()
	}
	return o.now()
}
