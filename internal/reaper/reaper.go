// Package reaper evicts tenant sessions that have been idle longer than the
// configured TTL.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/sitechat/internal/tenant"
)

const (
	DefaultTTL      = 24 * time.Hour
	DefaultInterval = time.Hour
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Registry is the part of the tenant registry the reaper drives.
type Registry interface {
	Snapshot() []tenant.Entry
	Evict(ctx context.Context, tenantID string, cutoff time.Time) (bool, error)
}

// Opts configures a Reaper.
type Opts struct {
	Registry Registry         // required
	TTL      time.Duration    // idle threshold; defaults to 24h
	Interval time.Duration    // time between sweeps; defaults to 1h
	Schedule string           // optional cron expression, replaces Interval
	Now      func() time.Time // defaults to time.Now
}

// Reaper periodically sweeps the registry.
type Reaper struct {
	registry Registry
	ttl      time.Duration
	interval time.Duration
	schedule cron.Schedule
	now      func() time.Time
}

// Result summarizes one sweep.
type Result struct {
	Scanned int
	Evicted int
	Failed  int
}

// New creates a Reaper.
func New(opts Opts) (*Reaper, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("reaper: registry is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Reaper{
		registry: opts.Registry,
		ttl:      opts.TTL,
		interval: opts.Interval,
		now:      opts.Now,
	}
	if opts.Schedule != "" {
		sched, err := cronParser.Parse(opts.Schedule)
		if err != nil {
			return nil, fmt.Errorf("reaper: parse schedule %q: %w", opts.Schedule, err)
		}
		r.schedule = sched
	}
	return r, nil
}

// Sweep evicts every session whose last access is older than the TTL.
// Failures are logged per tenant and never stop the sweep.
func (r *Reaper) Sweep(ctx context.Context) Result {
	cutoff := r.now().Add(-r.ttl)
	var res Result
	for _, e := range r.registry.Snapshot() {
		res.Scanned++
		if !e.LastAccess.Before(cutoff) {
			continue
		}
		removed, err := r.registry.Evict(ctx, e.TenantID, cutoff)
		if removed {
			res.Evicted++
			log.Printf("reaper: evicted tenant %s (idle since %s)", e.TenantID, e.LastAccess.Format(time.RFC3339))
		}
		if err != nil {
			res.Failed++
			if errors.Is(err, tenant.ErrStorageCleanup) {
				log.Printf("reaper: tenant %s removed but storage cleanup failed: %v", e.TenantID, err)
			} else {
				log.Printf("reaper: evict tenant %s: %v", e.TenantID, err)
			}
		}
	}
	return res
}

// Run sweeps until ctx is cancelled. With an interval the first sweep runs
// immediately; with a cron schedule sweeps run at each fire time.
func (r *Reaper) Run(ctx context.Context) error {
	if r.schedule == nil {
		r.Sweep(ctx)
	}
	for {
		timer := time.NewTimer(r.wait())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			res := r.Sweep(ctx)
			if res.Evicted > 0 || res.Failed > 0 {
				log.Printf("reaper: sweep scanned %d, evicted %d, failed %d", res.Scanned, res.Evicted, res.Failed)
			}
		}
	}
}

// wait returns the delay before the next sweep.
func (r *Reaper) wait() time.Duration {
	if r.schedule == nil {
		return r.interval
	}
	now := time.Now()
	d := r.schedule.Next(now).Sub(now)
	if d <= 0 {
		return time.Second
	}
	return d
}
