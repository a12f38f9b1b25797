// Package ratelimit implements a fixed-window request counter keyed by client
// identity.
//
// Windows start on the first request of an identity and reset wholesale once
// they elapse, so a client can spend two full quotas around a window boundary.
// That burst is accepted in exchange for one counter per identity.
package ratelimit

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"fileforge/logger"
)

const shardCount = 32

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// entry is the counter of one identity. count is meaningless once
// now >= resetAt.
type entry struct {
	count   int
	resetAt time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Limiter holds the counters of every identity seen in the current windows.
// Counters are spread over shards by identity hash; a check only locks the
// shard owning that identity.
type Limiter struct {
	shards [shardCount]shard
	now    func() time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter and starts its expiry sweep. A sweepInterval <= 0
// disables the background sweep; expired entries are then only reset lazily.
func New(sweepInterval time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		now:  time.Now,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i].entries = make(map[string]*entry)
	}
	for _, opt := range opts {
		opt(l)
	}

	if sweepInterval > 0 {
		go l.sweepLoop(sweepInterval)
	} else {
		close(l.done)
	}
	return l
}

func (l *Limiter) shardFor(identity string) *shard {
	return &l.shards[xxhash.Sum64String(identity)%shardCount]
}

// Check counts one request from identity against a quota of maxRequests per
// window and reports whether it may proceed. Denied requests are not counted.
func (l *Limiter) Check(identity string, maxRequests int, window time.Duration) Decision {
	now := l.now()
	s := l.shardFor(identity)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[identity]
	if !ok || !now.Before(e.resetAt) {
		e = &entry{count: 1, resetAt: now.Add(window)}
		s.entries[identity] = e
		return Decision{
			Allowed:   maxRequests > 0,
			Remaining: max(maxRequests-1, 0),
			ResetAt:   e.resetAt,
		}
	}

	if e.count >= maxRequests {
		return Decision{Allowed: false, Remaining: 0, ResetAt: e.resetAt}
	}

	e.count++
	return Decision{Allowed: true, Remaining: maxRequests - e.count, ResetAt: e.resetAt}
}

// Len returns the number of tracked identities, expired or not.
func (l *Limiter) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Sweep removes every entry whose window has elapsed and returns how many
// were dropped.
func (l *Limiter) Sweep() int {
	now := l.now()
	removed := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for id, e := range s.entries {
			if !now.Before(e.resetAt) {
				delete(s.entries, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (l *Limiter) sweepLoop(interval time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				logger.Debugf("Rate limiter sweep removed %d expired windows", n)
			}
		}
	}
}

// Stop ends the background sweep and waits for it to exit. Safe to call
// more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}
