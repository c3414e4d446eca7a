package exchange

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLimiterMinIntervalConcurrent(t *testing.T) {
	l := NewLimiter(LimiterConfig{MinInterval: 50 * time.Millisecond})

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		times []time.Time
	)
	start := time.Now()
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background()); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			times = append(times, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	if elapsed := time.Since(start); elapsed < 450*time.Millisecond {
		t.Fatalf("10 acquisitions finished in %v, want >= 450ms", elapsed)
	}
	if len(times) != 10 {
		t.Fatalf("expected 10 grants, got %d", len(times))
	}
}

func TestLimiterSignalBackoffDoubles(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := NewLimiter(LimiterConfig{BaseBackoff: time.Second, MaxBackoff: 5 * time.Second})
	l.now = func() time.Time { return now }

	l.Signal(time.Time{})
	st := l.State()
	if !st.Exceeded || st.Backoff != 2*time.Second {
		t.Fatalf("after first signal: %+v", st)
	}
	if !st.ResetAt.Equal(now.Add(2 * time.Second)) {
		t.Fatalf("resetAt = %v", st.ResetAt)
	}

	l.Signal(time.Time{})
	l.Signal(time.Time{})
	if got := l.State().Backoff; got != 5*time.Second {
		t.Fatalf("backoff should cap at 5s, got %v", got)
	}
	if l.Mode() != LimiterThrottled {
		t.Fatalf("expected throttled")
	}

	// resetAt 之前不会恢复
	now = now.Add(4 * time.Second)
	if l.Refresh() != LimiterThrottled {
		t.Fatalf("should still be throttled before resetAt")
	}
	now = now.Add(2 * time.Second)
	if l.Refresh() != LimiterOpen {
		t.Fatalf("should reopen at resetAt")
	}
	st = l.State()
	if st.Exceeded || st.Backoff != time.Second {
		t.Fatalf("backoff should reset to base: %+v", st)
	}
}

func TestLimiterSignalHonorsExchangeReset(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := NewLimiter(LimiterConfig{BaseBackoff: time.Second, MaxBackoff: 4 * time.Second})
	l.now = func() time.Time { return now }

	reset := now.Add(30 * time.Second)
	l.Signal(reset)
	if got := l.State().ResetAt; !got.Equal(reset) {
		t.Fatalf("resetAt should follow exchange header, got %v", got)
	}
}

func TestLimiterThrottledFailsFastOnDeadline(t *testing.T) {
	l := NewLimiter(LimiterConfig{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second})
	l.Signal(time.Now().Add(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := l.Acquire(ctx)
	if KindOf(err) != KindRateLimited {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if time.Since(start) > 15*time.Millisecond {
		t.Fatalf("acquire should fail immediately, took %v", time.Since(start))
	}
}

func TestLimiterWaitsOutShortThrottle(t *testing.T) {
	l := NewLimiter(LimiterConfig{BaseBackoff: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond})
	l.Signal(time.Time{})
	start := time.Now()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatalf("acquire returned before resetAt")
	}
	if l.Mode() != LimiterOpen {
		t.Fatalf("limiter should be open after reset")
	}
}

func TestLimiterObserveLowRemaining(t *testing.T) {
	l := NewLimiter(LimiterConfig{LowWatermark: 5, BaseBackoff: time.Second, MaxBackoff: 2 * time.Second})
	l.Observe(50, time.Time{})
	if l.Mode() != LimiterOpen || l.State().Remaining != 50 {
		t.Fatalf("unexpected state %+v", l.State())
	}
	l.Observe(-3, time.Now().Add(time.Second))
	st := l.State()
	if st.Remaining < 0 {
		t.Fatalf("remaining went negative: %d", st.Remaining)
	}
	if !st.Exceeded {
		t.Fatalf("low remaining should throttle")
	}
}

func TestLimiterCancelledWaitReleasesSlot(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	now := t0
	l := NewLimiter(LimiterConfig{MinInterval: 200 * time.Millisecond})
	l.now = func() time.Time { return now }

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if err := l.Acquire(ctx); KindOf(err) != KindRateLimited {
		t.Fatalf("cancelled acquire should fail as rate limited, got %v", err)
	}
	l.mu.Lock()
	last := l.last
	l.mu.Unlock()
	if !last.Equal(t0) {
		t.Fatalf("abandoned slot kept: last = %v, want %v", last, t0)
	}

	now = t0.Add(200 * time.Millisecond)
	start := time.Now()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("third acquire: %v", err)
	}
	if waited := time.Since(start); waited > 100*time.Millisecond {
		t.Fatalf("next caller delayed by abandoned slot: waited %v", waited)
	}
}

func TestLimiterObserveReportsSignal(t *testing.T) {
	l := NewLimiter(LimiterConfig{LowWatermark: 5})
	if l.Observe(100, time.Time{}) {
		t.Fatalf("healthy quota should not signal")
	}
	if !l.Observe(5, time.Time{}) {
		t.Fatalf("quota at watermark should signal")
	}
}
