package job

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"fileforge/artifact"
	"fileforge/logger"
)

var (
	ErrJobExists      = errors.New("job already exists")
	ErrNotFound       = errors.New("job not found")
	ErrInvalidPatch   = errors.New("invalid job update")
	ErrJobFinished    = errors.New("job already finished")
	ErrRegistryClosed = errors.New("job registry is closed")
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is a snapshot of one asynchronous conversion.
type Job struct {
	ID              string
	Tool            string
	Status          Status
	Progress        int
	Message         string
	ResultArtifacts []artifact.Ref // set only when Completed
	ErrorDetail     string         // set only when Failed
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

func (j Job) clone() Job {
	if j.ResultArtifacts != nil {
		j.ResultArtifacts = append([]artifact.Ref(nil), j.ResultArtifacts...)
	}
	return j
}

// Patch is a partial update. Zero fields are left untouched.
type Patch struct {
	Status          Status
	Progress        *int
	Message         *string
	ResultArtifacts []artifact.Ref
	ErrorDetail     string
}

// Progress is a helper for Patch.Progress.
func Progress(p int) *int { return &p }

// Message is a helper for Patch.Message.
func Message(m string) *string { return &m }

func (p Patch) validate() error {
	switch p.Status {
	case "", StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidPatch, p.Status)
	}
	if p.Status == StatusCompleted && len(p.ResultArtifacts) == 0 {
		return fmt.Errorf("%w: completed job needs at least one artifact", ErrInvalidPatch)
	}
	if p.ResultArtifacts != nil && p.Status != StatusCompleted {
		return fmt.Errorf("%w: artifacts can only be set when completing", ErrInvalidPatch)
	}
	if p.Status == StatusFailed && p.ErrorDetail == "" {
		return fmt.Errorf("%w: failed job needs an error detail", ErrInvalidPatch)
	}
	if p.ErrorDetail != "" && p.Status != StatusFailed {
		return fmt.Errorf("%w: error detail can only be set when failing", ErrInvalidPatch)
	}
	return nil
}

const shardCount = 32

type shard struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// Registry is the in-memory table of live jobs. Records expire at their
// ExpiresAt and are dropped by the sweep or on the next read. Each job is
// expected to have a single writer.
type Registry struct {
	shards   [shardCount]shard
	now      func() time.Time
	onExpire func(Job)
	closed   atomic.Bool

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithExpireHook registers fn to be called, outside any lock, for every job
// removed because it expired.
func WithExpireHook(fn func(Job)) RegistryOption {
	return func(r *Registry) { r.onExpire = fn }
}

// NewRegistry creates a registry and starts its sweep. A sweepInterval <= 0
// disables the background sweep; expired jobs are then only dropped on read.
func NewRegistry(sweepInterval time.Duration, opts ...RegistryOption) *Registry {
	r := &Registry{
		now:  time.Now,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	for i := range r.shards {
		r.shards[i].jobs = make(map[string]*Job)
	}
	for _, opt := range opts {
		opt(r)
	}

	if sweepInterval > 0 {
		go r.sweepLoop(sweepInterval)
	} else {
		close(r.done)
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	return &r.shards[xxhash.Sum64String(id)%shardCount]
}

// CreateOption sets descriptive fields of a new job.
type CreateOption func(*Job)

// WithTool records the tool name on the job.
func WithTool(name string) CreateOption {
	return func(j *Job) { j.Tool = name }
}

// Create inserts a Pending job with progress 0 that expires after ttl. An id
// that is already live is rejected with ErrJobExists.
func (r *Registry) Create(id string, ttl time.Duration, opts ...CreateOption) error {
	if r.closed.Load() {
		return ErrRegistryClosed
	}
	now := r.now()
	j := &Job{
		ID:        id,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	for _, opt := range opts {
		opt(j)
	}

	s := r.shardFor(id)
	s.mu.Lock()
	// Destroy may have emptied this shard since the check above
	if r.closed.Load() {
		s.mu.Unlock()
		return ErrRegistryClosed
	}
	if existing, ok := s.jobs[id]; ok && now.Before(existing.ExpiresAt) {
		s.mu.Unlock()
		return ErrJobExists
	}
	s.jobs[id] = j
	s.mu.Unlock()
	return nil
}

// Update applies p to job id as a whole or not at all.
func (r *Registry) Update(id string, p Patch) error {
	if r.closed.Load() {
		return ErrRegistryClosed
	}
	if err := p.validate(); err != nil {
		return err
	}
	now := r.now()
	s := r.shardFor(id)

	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if !now.Before(j.ExpiresAt) {
		delete(s.jobs, id)
		s.mu.Unlock()
		r.expired(*j)
		return ErrNotFound
	}
	if j.Status.Terminal() {
		s.mu.Unlock()
		return ErrJobFinished
	}

	if p.Status != "" {
		j.Status = p.Status
	}
	if p.Progress != nil {
		j.Progress = min(max(*p.Progress, 0), 100)
	}
	if p.Message != nil {
		j.Message = *p.Message
	}
	switch p.Status {
	case StatusCompleted:
		j.ResultArtifacts = append([]artifact.Ref(nil), p.ResultArtifacts...)
		j.ErrorDetail = ""
	case StatusFailed:
		j.ErrorDetail = p.ErrorDetail
		j.ResultArtifacts = nil
	}
	j.UpdatedAt = now
	s.mu.Unlock()
	return nil
}

// Extend keeps job id alive for at least d from now. It never shortens the
// expiry and works on finished jobs too.
func (r *Registry) Extend(id string, d time.Duration) error {
	if r.closed.Load() {
		return ErrRegistryClosed
	}
	now := r.now()
	s := r.shardFor(id)

	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if !now.Before(j.ExpiresAt) {
		delete(s.jobs, id)
		s.mu.Unlock()
		r.expired(*j)
		return ErrNotFound
	}
	if until := now.Add(d); until.After(j.ExpiresAt) {
		j.ExpiresAt = until
	}
	s.mu.Unlock()
	return nil
}

// Get returns a snapshot of job id if it exists and has not expired.
func (r *Registry) Get(id string) (Job, bool) {
	if r.closed.Load() {
		return Job{}, false
	}
	now := r.now()
	s := r.shardFor(id)

	s.mu.RLock()
	j, ok := s.jobs[id]
	if ok && now.Before(j.ExpiresAt) {
		snap := j.clone()
		s.mu.RUnlock()
		return snap, true
	}
	s.mu.RUnlock()
	if !ok {
		return Job{}, false
	}

	// expired: drop it unless it was replaced meanwhile
	s.mu.Lock()
	j, ok = s.jobs[id]
	if !ok || now.Before(j.ExpiresAt) {
		var snap Job
		if ok {
			snap = j.clone()
		}
		s.mu.Unlock()
		return snap, ok
	}
	delete(s.jobs, id)
	s.mu.Unlock()
	r.expired(*j)
	return Job{}, false
}

// Delete removes job id and reports whether it was present.
func (r *Registry) Delete(id string) bool {
	s := r.shardFor(id)
	s.mu.Lock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()
	return ok
}

// Len returns the number of records held, including expired ones not yet swept.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.jobs)
		s.mu.RUnlock()
	}
	return n
}

// Sweep removes every expired job and returns how many were dropped.
func (r *Registry) Sweep() int {
	now := r.now()
	var removed []Job
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for id, j := range s.jobs {
			if !now.Before(j.ExpiresAt) {
				delete(s.jobs, id)
				removed = append(removed, *j)
			}
		}
		s.mu.Unlock()
	}
	for _, j := range removed {
		r.expired(j)
	}
	return len(removed)
}

func (r *Registry) expired(j Job) {
	logger.Debugf("Job %s expired in state %s", j.ID, j.Status)
	if r.onExpire != nil {
		r.onExpire(j)
	}
}

func (r *Registry) sweepLoop(interval time.Duration) {
	defer close(r.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				logger.Infof("Job sweep removed %d expired jobs", n)
			}
		}
	}
}

// Destroy stops the sweep and drops every record. Safe to call more than once.
func (r *Registry) Destroy() {
	r.closed.Store(true)
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done

	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		s.jobs = make(map[string]*Job)
		s.mu.Unlock()
	}
}
