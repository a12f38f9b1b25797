package taskqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunsSubmittedTasks(t *testing.T) {
	q := New(3, 10)
	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		if err := q.Submit(func(ctx context.Context) { ran.Add(1) }); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}
	if err := q.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if ran.Load() != 10 {
		t.Errorf("Expected 10 tasks run, got %d", ran.Load())
	}
}

func TestSubmitWhenFull(t *testing.T) {
	q := New(1, 1)
	release := make(chan struct{})
	started := make(chan struct{})

	q.Submit(func(ctx context.Context) {
		close(started)
		<-release
	})
	<-started
	if err := q.Submit(func(ctx context.Context) {}); err != nil {
		t.Fatalf("Expected the buffered slot to accept, got %v", err)
	}
	if err := q.Submit(func(ctx context.Context) {}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
	if q.Active() != 1 || q.Len() != 1 {
		t.Errorf("Expected 1 active and 1 queued, got %d/%d", q.Active(), q.Len())
	}

	close(release)
	q.Stop(context.Background())
}

func TestSubmitAfterStop(t *testing.T) {
	q := New(1, 1)
	q.Stop(context.Background())
	if err := q.Submit(func(ctx context.Context) {}); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
	// second stop is harmless
	if err := q.Stop(context.Background()); err != nil {
		t.Errorf("Expected repeat Stop to succeed, got %v", err)
	}
}

func TestStopTimeoutCancelsRunningTasks(t *testing.T) {
	q := New(1, 1)
	cancelled := make(chan struct{})
	started := make(chan struct{})
	q.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error, got %v", err)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Error("Running task was not cancelled")
	}
}

func TestPanickingTaskDoesNotKillWorker(t *testing.T) {
	q := New(1, 2)
	var ran atomic.Bool
	q.Submit(func(ctx context.Context) { panic("boom") })
	q.Submit(func(ctx context.Context) { ran.Store(true) })
	q.Stop(context.Background())
	if !ran.Load() {
		t.Error("Expected task after panic to run")
	}
}
