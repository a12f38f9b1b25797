package ratelimit

import (
	"fmt"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCheckSequential(t *testing.T) {
	clock := newFakeClock()
	l := New(0, WithClock(clock.Now))
	defer l.Stop()

	want := []bool{true, true, false}
	for i, allowed := range want {
		d := l.Check("clientA", 2, 60*time.Second)
		if d.Allowed != allowed {
			t.Errorf("call %d: allowed = %v, want %v", i+1, d.Allowed, allowed)
		}
	}
}

func TestCheckRemainingAndReset(t *testing.T) {
	clock := newFakeClock()
	l := New(0, WithClock(clock.Now))
	defer l.Stop()

	start := clock.Now()
	d := l.Check("clientA", 3, time.Minute)
	if d.Remaining != 2 {
		t.Errorf("Expected remaining 2 after first call, got %d", d.Remaining)
	}
	if !d.ResetAt.Equal(start.Add(time.Minute)) {
		t.Errorf("Expected reset at %v, got %v", start.Add(time.Minute), d.ResetAt)
	}

	clock.Advance(10 * time.Second)
	l.Check("clientA", 3, time.Minute)
	d = l.Check("clientA", 3, time.Minute)
	if !d.Allowed || d.Remaining != 0 {
		t.Errorf("Expected third call allowed with 0 remaining, got %+v", d)
	}

	d = l.Check("clientA", 3, time.Minute)
	if d.Allowed {
		t.Error("Expected fourth call to be denied")
	}
	if !d.ResetAt.Equal(start.Add(time.Minute)) {
		t.Errorf("Denied call should report the current window reset, got %v", d.ResetAt)
	}
}

func TestExactQuotaThenDenied(t *testing.T) {
	clock := newFakeClock()
	l := New(0, WithClock(clock.Now))
	defer l.Stop()

	for _, quota := range []int{1, 5, 17} {
		identity := fmt.Sprintf("quota-%d", quota)
		for i := 0; i < quota; i++ {
			if !l.Check(identity, quota, time.Minute).Allowed {
				t.Fatalf("quota=%d: call %d denied", quota, i+1)
			}
		}
		if l.Check(identity, quota, time.Minute).Allowed {
			t.Errorf("quota=%d: call %d should be denied", quota, quota+1)
		}
	}
}

func TestWindowReset(t *testing.T) {
	clock := newFakeClock()
	l := New(0, WithClock(clock.Now))
	defer l.Stop()

	l.Check("clientA", 1, time.Minute)
	if l.Check("clientA", 1, time.Minute).Allowed {
		t.Fatal("Expected second call in window to be denied")
	}

	clock.Advance(time.Minute)
	d := l.Check("clientA", 1, time.Minute)
	if !d.Allowed {
		t.Fatal("Expected call after window elapsed to be allowed")
	}
	if d.Remaining != 0 {
		t.Errorf("Expected fresh window with 0 remaining, got %d", d.Remaining)
	}
}

func TestIdentitiesAreIndependent(t *testing.T) {
	l := New(0)
	defer l.Stop()

	l.Check("a", 1, time.Minute)
	if l.Check("a", 1, time.Minute).Allowed {
		t.Error("Expected a to be throttled")
	}
	if !l.Check("b", 1, time.Minute).Allowed {
		t.Error("Expected b to have its own quota")
	}
}

func TestConcurrentChecksNeverExceedQuota(t *testing.T) {
	l := New(0)
	defer l.Stop()

	const quota = 50
	const attempts = 500
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("hot-client", quota, time.Hour).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != quota {
		t.Errorf("Expected exactly %d allowed, got %d", quota, got)
	}
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	clock := newFakeClock()
	l := New(0, WithClock(clock.Now))
	defer l.Stop()

	l.Check("old", 5, time.Second)
	l.Check("fresh", 5, time.Hour)
	clock.Advance(2 * time.Second)

	if removed := l.Sweep(); removed != 1 {
		t.Errorf("Expected 1 entry swept, got %d", removed)
	}
	if l.Len() != 1 {
		t.Errorf("Expected 1 entry left, got %d", l.Len())
	}
}

func TestBackgroundSweep(t *testing.T) {
	l := New(5 * time.Millisecond)
	defer l.Stop()

	l.Check("short", 5, time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for l.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Background sweep did not remove the expired entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	l := New(time.Millisecond)
	l.Stop()
	l.Stop()
}

func TestClientIdentity(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.9:5123"
	if got := ClientIdentity(r); got != "10.0.0.9" {
		t.Errorf("Expected connection host, got %s", got)
	}

	r.Header.Set("X-Real-IP", "198.51.100.4")
	if got := ClientIdentity(r); got != "198.51.100.4" {
		t.Errorf("Expected X-Real-IP, got %s", got)
	}

	r.Header.Set("X-Forwarded-For", " 203.0.113.7 , 10.0.0.1")
	if got := ClientIdentity(r); got != "203.0.113.7" {
		t.Errorf("Expected first forwarded address, got %s", got)
	}

	bare := httptest.NewRequest("GET", "/", nil)
	bare.RemoteAddr = ""
	if got := ClientIdentity(bare); got != UnknownIdentity {
		t.Errorf("Expected unknown bucket, got %s", got)
	}
}
