// Package refresh force-refreshes the MCP server status cache on a cron
// schedule so reads rarely pay for a directory walk.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Refresher force-refreshes the status cache and reports the number of
// servers now cached. *relay.Gateway implements it.
type Refresher interface {
	RefreshStatus(ctx context.Context) (int, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context) (int, error)

func (f RefresherFunc) RefreshStatus(ctx context.Context) (int, error) {
	return f(ctx)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Schedule  string // 5-field cron expression; empty disables the scheduler
	Refresher Refresher
	Logger    *slog.Logger
	Interval  time.Duration // tick interval; defaults to 1 minute if zero
	Timeout   time.Duration // per-refresh deadline; zero means none
	Clock     func() time.Time
}

// Scheduler checks on every tick whether the schedule is due and, if so,
// force-refreshes the status cache.
type Scheduler struct {
	refresher Refresher
	logger    *slog.Logger
	interval  time.Duration
	timeout   time.Duration
	clock     func() time.Time
	schedule  cronlib.Schedule
	expr      string

	mu      sync.Mutex
	nextRun time.Time
	lastRun time.Time
	lastErr error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the cron expression and builds a Scheduler. It
// returns nil, nil when cfg.Schedule is empty.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Schedule == "" {
		return nil, nil
	}
	if cfg.Refresher == nil {
		return nil, fmt.Errorf("refresh: refresher is required")
	}
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("refresh: parse schedule %q: %w", cfg.Schedule, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		refresher: cfg.Refresher,
		logger:    logger,
		interval:  interval,
		timeout:   cfg.Timeout,
		clock:     clock,
		schedule:  sched,
		expr:      cfg.Schedule,
	}, nil
}

// Start begins the scheduler loop in a background goroutine. The first run
// happens at the first scheduled time after Start.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.nextRun = s.schedule.Next(s.clock())
	next := s.nextRun
	s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("status refresh scheduler started", "schedule", s.expr, "interval", s.interval, "next_run_at", next)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("status refresh scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick refreshes when the next run time has passed and schedules the one
// after it. Missed runs collapse into a single refresh.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock()

	s.mu.Lock()
	due := !s.nextRun.After(now)
	s.mu.Unlock()
	if !due {
		return
	}

	err := s.run(ctx)

	s.mu.Lock()
	s.lastRun = now
	s.lastErr = err
	s.nextRun = s.schedule.Next(now)
	next := s.nextRun
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("refresh: status refresh failed", "error", err, "next_run_at", next)
	}
}

func (s *Scheduler) run(ctx context.Context) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	start := s.clock()
	servers, err := s.refresher.RefreshStatus(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("refresh: status refreshed", "servers", servers, "elapsed", s.clock().Sub(start))
	return nil
}

// State reports the scheduler's bookkeeping.
func (s *Scheduler) State() (nextRun, lastRun time.Time, lastErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun, s.lastRun, s.lastErr
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
