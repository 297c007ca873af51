package crlcache

import (
	"context"
	"time"

	"github.com/effective-security/xcrl/pkg/tasks"
)

// Refresher keeps the disk tier warm: on a fixed schedule it re-downloads
// every CRL the cache has served that is expired or expires before the
// next sweep. Without it, an expired CRL costs the first handshake after
// expiry a synchronous fetch.
type Refresher struct {
	cache     *Cache
	interval  time.Duration
	scheduler tasks.Scheduler
}

// NewRefresher schedules a sweep every intervalMinutes.
func NewRefresher(cache *Cache, intervalMinutes uint64) *Refresher {
	r := &Refresher{
		cache:     cache,
		interval:  time.Duration(intervalMinutes) * time.Minute,
		scheduler: tasks.NewScheduler(),
	}
	t := tasks.NewTaskAtIntervals(intervalMinutes, tasks.Minutes).
		Do("crl_refresh", r.refresh)
	r.scheduler.Add(t)
	return r
}

// Start begins the background sweeps.
func (r *Refresher) Start() error {
	return r.scheduler.Start()
}

// Stop halts the sweeps. A sweep already in flight finishes.
func (r *Refresher) Stop() error {
	return r.scheduler.Stop()
}

func (r *Refresher) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()
	r.cache.Refresh(ctx, r.interval)
}
