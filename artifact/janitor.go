package artifact

import (
	"context"
	"sync"
	"time"

	"fileforge/logger"
)

const deleteTimeout = 30 * time.Second

// Janitor deletes fetched artifacts after a grace delay. A job has at most one
// pending cleanup; scheduling it again while pending keeps the first deadline.
type Janitor struct {
	store Store
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*cleanup
	stopped bool
	wg      sync.WaitGroup
}

type cleanup struct {
	timer *time.Timer
	once  sync.Once
	run   func()
}

// NewJanitor creates a janitor deleting from store after delay.
func NewJanitor(store Store, delay time.Duration) *Janitor {
	return &Janitor{
		store:   store,
		delay:   delay,
		pending: make(map[string]*cleanup),
	}
}

// Delay returns the grace delay between Schedule and deletion.
func (j *Janitor) Delay() time.Duration { return j.delay }

// Schedule arranges for refs to be deleted after the grace delay. onDone (may
// be nil) runs first, so whatever indexes the artifacts stops pointing at them
// before they disappear. It reports false when a cleanup for id is already
// pending. After Stop the cleanup runs immediately.
func (j *Janitor) Schedule(id string, refs []Ref, onDone func()) bool {
	refs = append([]Ref(nil), refs...)
	c := &cleanup{}
	c.run = func() {
		c.once.Do(func() {
			defer j.wg.Done()
			if onDone != nil {
				onDone()
			}
			j.deleteAll(id, refs)
		})
	}

	j.mu.Lock()
	if _, ok := j.pending[id]; ok {
		j.mu.Unlock()
		return false
	}
	j.wg.Add(1)
	if j.stopped {
		j.mu.Unlock()
		c.run()
		return true
	}
	j.pending[id] = c
	c.timer = time.AfterFunc(j.delay, func() {
		j.mu.Lock()
		if j.pending[id] == c {
			delete(j.pending, id)
		}
		j.mu.Unlock()
		c.run()
	})
	j.mu.Unlock()

	logger.Debugf("Scheduled cleanup of job %s in %v", id, j.delay)
	return true
}

// Pending returns the number of cleanups waiting for their deadline.
func (j *Janitor) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}

// Stop runs every pending cleanup now and waits for in-flight ones.
func (j *Janitor) Stop() {
	j.mu.Lock()
	j.stopped = true
	flush := make([]*cleanup, 0, len(j.pending))
	for id, c := range j.pending {
		flush = append(flush, c)
		delete(j.pending, id)
	}
	j.mu.Unlock()

	for _, c := range flush {
		c.timer.Stop()
		c.run()
	}
	j.wg.Wait()
}

func (j *Janitor) deleteAll(id string, refs []Ref) {
	ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
	defer cancel()

	for _, ref := range refs {
		if err := j.store.Delete(ctx, ref.Key); err != nil {
			logger.Warnf("Failed to delete artifact %s of job %s: %v", ref.Key, id, err)
		}
	}
	logger.Debugf("Cleaned up %d artifacts of job %s", len(refs), id)
}
