package crawler

import (
	"context"
	"sync"
	"time"

	"github.com/andywarduk/mirrorurl/internal/urlnorm"
	"github.com/andywarduk/mirrorurl/pkg/types"
)

// PushOutcome reports what Offer did with a target.
type PushOutcome int

const (
	Added PushOutcome = iota
	AlreadyVisited
	FrontierFull
	FrontierClosed
)

// Frontier is the run's work queue and visited set. Targets come out
// breadth-first: lowest depth first, FIFO within a depth. Every URL is
// admitted at most once.
type Frontier struct {
	mu   sync.Mutex
	cond *sync.Cond

	buckets  [][]types.CrawlTarget
	queued   int
	inFlight int
	delayed  map[*time.Timer]types.CrawlTarget

	visited  map[string]struct{}
	admitted int
	maxPages int

	state   types.RunState
	stopped bool
}

// NewFrontier creates an empty frontier. maxPages <= 0 means unbounded.
func NewFrontier(maxPages int) *Frontier {
	f := &Frontier{
		delayed:  make(map[*time.Timer]types.CrawlTarget),
		visited:  make(map[string]struct{}),
		maxPages: maxPages,
		state:    types.StateIdle,
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Push admits target unless its URL was already visited.
func (f *Frontier) Push(target types.CrawlTarget) bool {
	return f.Offer(target) == Added
}

// Offer checks the visited set and enqueues in one step.
func (f *Frontier) Offer(target types.CrawlTarget) PushOutcome {
	key := urlnorm.Key(target.URL)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped || f.state == types.StateDone {
		return FrontierClosed
	}
	if _, seen := f.visited[key]; seen {
		return AlreadyVisited
	}
	if f.maxPages > 0 && f.admitted >= f.maxPages {
		return FrontierFull
	}
	f.visited[key] = struct{}{}
	f.admitted++
	if target.EnqueuedAt.IsZero() {
		target.EnqueuedAt = time.Now()
	}
	f.enqueueLocked(target)
	if f.state == types.StateIdle {
		f.state = types.StateRunning
	}
	return Added
}

// MarkVisited adds a URL to the visited set without queueing it, for
// redirect targets served under another URL. It reports whether the URL
// was new.
func (f *Frontier) MarkVisited(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, seen := f.visited[key]; seen {
		return false
	}
	f.visited[key] = struct{}{}
	return true
}

func (f *Frontier) enqueueLocked(target types.CrawlTarget) {
	for len(f.buckets) <= target.Depth {
		f.buckets = append(f.buckets, nil)
	}
	f.buckets[target.Depth] = append(f.buckets[target.Depth], target)
	f.queued++
	f.cond.Signal()
}

// Next blocks until a target is available. It returns false once nothing is
// queued, in flight or awaiting retry, or when ctx is cancelled.
func (f *Frontier) Next(ctx context.Context) (types.CrawlTarget, bool) {
	stop := context.AfterFunc(ctx, func() {
		f.mu.Lock()
		f.cond.Broadcast()
		f.mu.Unlock()
	})
	defer stop()

	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		if ctx.Err() != nil || f.stopped {
			return types.CrawlTarget{}, false
		}
		if f.queued > 0 {
			return f.popLocked(), true
		}
		if f.inFlight == 0 && len(f.delayed) == 0 {
			if f.state == types.StateRunning || f.state == types.StateIdle {
				f.state = types.StateDraining
			}
			f.cond.Broadcast()
			return types.CrawlTarget{}, false
		}
		f.cond.Wait()
	}
}

func (f *Frontier) popLocked() types.CrawlTarget {
	for depth, bucket := range f.buckets {
		if len(bucket) == 0 {
			continue
		}
		target := bucket[0]
		bucket[0] = types.CrawlTarget{}
		f.buckets[depth] = bucket[1:]
		f.queued--
		f.inFlight++
		return target
	}
	panic("frontier: queued count out of sync")
}

// Done marks a target returned by Next as finished.
func (f *Frontier) Done(types.CrawlTarget) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	if f.inFlight == 0 && f.queued == 0 && len(f.delayed) == 0 {
		f.cond.Broadcast()
	}
}

// Retry hands a target returned by Next back to the frontier; it becomes
// available again at the given time. It keeps counting as pending work.
func (f *Frontier) Retry(target types.CrawlTarget, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	target.NotBefore = at
	if f.stopped {
		f.cond.Broadcast()
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(time.Until(at), func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.delayed[timer]; !ok {
			return
		}
		delete(f.delayed, timer)
		f.enqueueLocked(target)
	})
	f.delayed[timer] = target
}

// Stop ends the run early. It returns every target that was queued or
// waiting for a retry and will now never be fetched.
func (f *Frontier) Stop() []types.CrawlTarget {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true

	var dropped []types.CrawlTarget
	for timer, target := range f.delayed {
		timer.Stop()
		dropped = append(dropped, target)
	}
	clear(f.delayed)
	for depth, bucket := range f.buckets {
		dropped = append(dropped, bucket...)
		f.buckets[depth] = nil
	}
	f.queued = 0
	if f.state != types.StateDone {
		f.state = types.StateDraining
	}
	f.cond.Broadcast()
	return dropped
}

// Close moves the frontier to its terminal state.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = types.StateDone
	f.cond.Broadcast()
}

// State returns the lifecycle stage.
func (f *Frontier) State() types.RunState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Stats returns the queued, in-flight and delayed counts and the size of
// the visited set.
func (f *Frontier) Stats() (queued, inFlight, delayed, visited int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queued, f.inFlight, len(f.delayed), len(f.visited)
}
