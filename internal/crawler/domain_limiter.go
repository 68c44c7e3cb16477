package crawler

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// RateLimiterSettings configures token-bucket style rate limiting per host.
type RateLimiterSettings struct {
	Requests int
	Window   time.Duration
}

// DomainLimiter is the per-host gate every fetch passes through: a cap on
// concurrent requests, a minimum delay between request starts and an
// optional token bucket.
type DomainLimiter struct {
	delay       time.Duration
	rate        RateLimiterSettings
	rateEnabled bool
	perHost     int64

	mu       sync.Mutex
	last     map[string]time.Time
	limiters map[string]*rate.Limiter
	slots    map[string]*semaphore.Weighted
}

// NewDomainLimiter creates a limiter. perHost <= 0 disables the concurrency cap.
func NewDomainLimiter(delay time.Duration, rateCfg RateLimiterSettings, perHost int) *DomainLimiter {
	limiter := &DomainLimiter{
		delay:   delay,
		perHost: int64(perHost),
		last:    make(map[string]time.Time),
		slots:   make(map[string]*semaphore.Weighted),
	}
	if rateCfg.Requests > 0 && rateCfg.Window > 0 {
		limiter.rateEnabled = true
		limiter.rate = rateCfg
		limiter.limiters = make(map[string]*rate.Limiter)
	}
	return limiter
}

// Acquire blocks until a request to host may start. The returned release
// function must be called once the request completes.
func (d *DomainLimiter) Acquire(ctx context.Context, host string) (func(), error) {
	if d == nil || host == "" {
		return func() {}, nil
	}
	host = strings.ToLower(host)

	release := func() {}
	if d.perHost > 0 {
		sem := d.slot(host)
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		release = func() { sem.Release(1) }
	}

	if err := d.Wait(ctx, host); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

func (d *DomainLimiter) slot(host string) *semaphore.Weighted {
	d.mu.Lock()
	defer d.mu.Unlock()
	sem, ok := d.slots[host]
	if !ok {
		sem = semaphore.NewWeighted(d.perHost)
		d.slots[host] = sem
	}
	return sem
}

// Wait blocks until politeness constraints for the host are satisfied.
func (d *DomainLimiter) Wait(ctx context.Context, host string) error {
	if d == nil || host == "" {
		return nil
	}
	host = strings.ToLower(host)

	if d.delay <= 0 && !d.rateEnabled {
		return nil
	}

	for {
		var sleep time.Duration
		var limiter *rate.Limiter
		now := time.Now()

		d.mu.Lock()
		if d.delay > 0 {
			if last, ok := d.last[host]; ok {
				sleep = last.Add(d.delay).Sub(now)
			}
		}
		if sleep <= 0 {
			// Reserve the slot before releasing the lock so that concurrent
			// waiters on the same host stay spaced apart.
			d.last[host] = now
			if d.rateEnabled {
				limiter = d.ensureLimiterLocked(host)
			}
		}
		d.mu.Unlock()

		if sleep <= 0 {
			if limiter != nil {
				return limiter.Wait(ctx)
			}
			return nil
		}

		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (d *DomainLimiter) ensureLimiterLocked(host string) *rate.Limiter {
	limiter, ok := d.limiters[host]
	if ok {
		return limiter
	}
	interval := d.rate.Window / time.Duration(d.rate.Requests)
	if interval <= 0 {
		interval = time.Millisecond
	}
	burst := d.rate.Requests
	if burst <= 0 {
		burst = 1
	}
	limiter = rate.NewLimiter(rate.Every(interval), burst)
	d.limiters[host] = limiter
	return limiter
}
