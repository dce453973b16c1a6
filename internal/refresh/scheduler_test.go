package refresh_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/codex-relay/internal/refresh"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestNewScheduler_EmptyScheduleDisabled(t *testing.T) {
	s, err := refresh.NewScheduler(refresh.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != nil {
		t.Fatal("expected nil scheduler for empty schedule")
	}
}

func TestNewScheduler_InvalidSchedule(t *testing.T) {
	_, err := refresh.NewScheduler(refresh.Config{
		Schedule:  "not a cron",
		Refresher: refresh.RefresherFunc(func(context.Context) (int, error) { return 0, nil }),
	})
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNewScheduler_RequiresRefresher(t *testing.T) {
	if _, err := refresh.NewScheduler(refresh.Config{Schedule: "*/5 * * * *"}); err == nil {
		t.Fatal("expected error without refresher")
	}
}

func TestScheduler_RefreshesWhenDue(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)}
	var calls atomic.Int32
	s, err := refresh.NewScheduler(refresh.Config{
		Schedule: "*/5 * * * *",
		Interval: 10 * time.Millisecond,
		Clock:    clock.Now,
		Refresher: refresh.RefresherFunc(func(context.Context) (int, error) {
			calls.Add(1)
			return 3, nil
		}),
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop()

	next, _, _ := s.State()
	want := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next run = %v, want %v", next, want)
	}

	// Not due yet: ticks must not refresh.
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("refreshed before due: %d", calls.Load())
	}

	clock.Advance(5 * time.Minute)
	waitFor(t, 2*time.Second, func() bool { return calls.Load() == 1 })

	// The next run moved forward, so further ticks stay quiet.
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
	next, last, lastErr := s.State()
	if lastErr != nil {
		t.Fatalf("last error: %v", lastErr)
	}
	if !last.Equal(time.Date(2026, 3, 1, 10, 5, 30, 0, time.UTC)) {
		t.Fatalf("last run = %v", last)
	}
	if !next.Equal(time.Date(2026, 3, 1, 10, 10, 0, 0, time.UTC)) {
		t.Fatalf("next run = %v", next)
	}
}

func TestScheduler_RecordsFailure(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	boom := errors.New("worker exited")
	var calls atomic.Int32
	s, err := refresh.NewScheduler(refresh.Config{
		Schedule: "* * * * *",
		Interval: 10 * time.Millisecond,
		Clock:    clock.Now,
		Refresher: refresh.RefresherFunc(func(context.Context) (int, error) {
			calls.Add(1)
			return 0, boom
		}),
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop()

	clock.Advance(time.Minute)
	waitFor(t, 2*time.Second, func() bool {
		_, _, lastErr := s.State()
		return errors.Is(lastErr, boom)
	})
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestScheduler_TimeoutBoundsRefresh(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	s, err := refresh.NewScheduler(refresh.Config{
		Schedule: "* * * * *",
		Interval: 10 * time.Millisecond,
		Timeout:  20 * time.Millisecond,
		Clock:    clock.Now,
		Refresher: refresh.RefresherFunc(func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		}),
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop()

	clock.Advance(time.Minute)
	waitFor(t, 2*time.Second, func() bool {
		_, _, lastErr := s.State()
		return errors.Is(lastErr, context.DeadlineExceeded)
	})
}

func TestNewScheduler_RejectsDescriptors(t *testing.T) {
	_, err := refresh.NewScheduler(refresh.Config{
		Schedule:  "@every 1m",
		Refresher: refresh.RefresherFunc(func(context.Context) (int, error) { return 0, nil }),
	})
	if err == nil {
		t.Fatal("expected descriptor to be rejected")
	}
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		expr string
		want time.Time
	}{
		{"*/5 * * * *", base.Add(5 * time.Minute)},
		{"0 * * * *", base.Add(time.Hour)},
		{"30 12 * * *", base.Add(30 * time.Minute)},
	}
	for _, tc := range tests {
		got, err := refresh.NextRunTime(tc.expr, base)
		if err != nil {
			t.Fatalf("NextRunTime(%q): %v", tc.expr, err)
		}
		if !got.Equal(tc.want) {
			t.Errorf("NextRunTime(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}
	if _, err := refresh.NextRunTime("bogus", base); err == nil {
		t.Fatal("expected error for invalid expression")
	}
}
