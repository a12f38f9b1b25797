// Package history keeps an audit ledger of finished conversions in Pebble.
// Entries are informational only; jobs are never resumed from them.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	pebble "github.com/cockroachdb/pebble"
)

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Entry is the outcome of one conversion.
type Entry struct {
	JobID         string    `json:"jobId"`
	Tool          string    `json:"tool"`
	Mode          string    `json:"mode"` // "sync" or "async"
	Status        string    `json:"status"`
	Error         string    `json:"error,omitempty"`
	ArtifactCount int       `json:"artifactCount"`
	Duration      float64   `json:"durationSeconds"`
	Timestamp     time.Time `json:"timestamp"`
}

// Store is the history database.
type Store struct {
	db  *pebble.DB
	now func() time.Time
}

// Open opens (or creates) the history database at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores e under its job id, replacing an earlier entry. A zero
// timestamp is set to now.
func (s *Store) Record(e Entry) error {
	if e.JobID == "" {
		return fmt.Errorf("history entry without job id")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}
	return s.db.Set([]byte(e.JobID), data, pebble.Sync)
}

// Get returns the entry of jobID, or nil if there is none.
func (s *Store) Get(jobID string) (*Entry, error) {
	data, closer, err := s.db.Get([]byte(jobID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history entry: %w", err)
	}
	return &e, nil
}

// List returns up to limit entries, newest first. limit <= 0 returns all.
func (s *Store) List(limit int) ([]Entry, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	entries := []Entry{}
	for iter.First(); iter.Valid(); iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue // skip corrupt entries
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.After(entries[j].Timestamp) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// CleanupOlderThan removes entries older than maxAge and returns how many
// were deleted.
func (s *Store) CleanupOlderThan(maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}

	var keysToDelete [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		if e.Timestamp.Before(cutoff) {
			key := make([]byte, len(iter.Key()))
			copy(key, iter.Key())
			keysToDelete = append(keysToDelete, key)
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for _, key := range keysToDelete {
		if err := batch.Delete(key, nil); err != nil {
			return 0, err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to delete old history entries: %w", err)
	}
	return len(keysToDelete), nil
}

// CheckHealth verifies the database answers reads.
func (s *Store) CheckHealth() error {
	_, closer, err := s.db.Get([]byte("__health_check__"))
	if err != nil && !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("history health check failed: %w", err)
	}
	if closer != nil {
		closer.Close()
	}
	return nil
}
