// Package scheduler runs the process-wide polling loop: every tick it picks
// users due for polling and spawns their poll tasks under a global
// concurrency cap, with at most one in-flight poll per user.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"boxpilot/internal/clock"
	"boxpilot/internal/observability"
	"boxpilot/internal/poller"
	"boxpilot/internal/registry"
)

// DefaultTickInterval is how often due users are re-selected.
const DefaultTickInterval = 30 * time.Second

// DefaultCap is the default process-wide concurrent poll limit.
const DefaultCap = 7

// Runner executes one poll cycle. Implemented by poller.UserPoller; tests
// substitute fakes.
type Runner interface {
	RunCycle(ctx context.Context) (poller.Outcome, error)
}

// Factory builds the Runner for one registry entry. Called once per spawned
// task so the factory can cache per-user resources (storage handles, API
// clients) behind it.
type Factory func(entry registry.Entry) (Runner, error)

// ErrBusy is returned by Kick when the user already has a poll in flight or
// the global cap is saturated.
var ErrBusy = errors.New("poll slot unavailable")

// Scheduler owns the tick loop and the concurrency bookkeeping.
type Scheduler struct {
	reg          *registry.Registry
	factory      Factory
	logger       *slog.Logger
	tickInterval time.Duration
	cap          int
	pollTimeout  time.Duration

	mu       sync.Mutex
	inflight map[string]bool // per-user exclusivity flags
	running  int             // global in-flight count
	ticking  bool            // a running tick defers the next

	wg sync.WaitGroup
}

// Options configure a scheduler; zero values take defaults.
type Options struct {
	TickInterval time.Duration
	Cap          int
	PollTimeout  time.Duration
	Intervals    clock.Intervals
}

// New creates a scheduler. The tick interval is scaled by the interval
// multiplier so tests can run wall-clock fast.
func New(reg *registry.Registry, factory Factory, logger *slog.Logger, opts Options) *Scheduler {
	tick := opts.TickInterval
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	if opts.Intervals.Multiplier > 0 && opts.Intervals.Multiplier < 1.0 {
		tick = opts.Intervals.Scale(tick)
	}
	cap := opts.Cap
	if cap <= 0 {
		cap = DefaultCap
	}
	return &Scheduler{
		reg:          reg,
		factory:      factory,
		logger:       logger,
		tickInterval: tick,
		cap:          cap,
		pollTimeout:  opts.PollTimeout,
		inflight:     make(map[string]bool),
	}
}

// Run blocks, ticking until ctx is cancelled, then waits up to grace for
// in-flight polls to finish. Abandoned polls leave next_poll_at as-is, so
// the next startup re-selects those users.
func (s *Scheduler) Run(ctx context.Context, grace time.Duration) {
	s.logger.Info("scheduler started", "tick", s.tickInterval.String(), "cap", s.cap)
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	// Immediate first tick so a restart does not wait a full interval.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping", "grace", grace.String())
			s.waitWithGrace(grace)
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) waitWithGrace(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("all polls finished")
	case <-time.After(grace):
		s.mu.Lock()
		remaining := s.running
		s.mu.Unlock()
		s.logger.Warn("grace period expired, abandoning polls", "remaining", remaining)
	}
}

// tick selects due users and spawns poll tasks. Ticks never overlap: if the
// previous one is still selecting, this one is skipped.
func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	if s.ticking {
		s.mu.Unlock()
		observability.SchedulerTicks.WithLabelValues("overlapped").Inc()
		return
	}
	s.ticking = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.ticking = false
		s.mu.Unlock()
	}()
	observability.SchedulerTicks.WithLabelValues("ran").Inc()

	due, err := s.reg.DueUsers()
	if err != nil {
		s.logger.Error("failed to select due users", "error", err)
		return
	}
	observability.DueUsers.Set(float64(len(due)))

	for _, entry := range due {
		if ctx.Err() != nil {
			return
		}
		if !s.acquire(entry.AuthID) {
			continue // already running or cap saturated; next tick retries
		}
		s.spawn(ctx, entry)
	}
}

// acquire takes the per-user flag and a global slot, or neither.
func (s *Scheduler) acquire(authID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[authID] || s.running >= s.cap {
		return false
	}
	s.inflight[authID] = true
	s.running++
	return true
}

// release clears the per-user flag and the global slot on every exit path.
func (s *Scheduler) release(authID string) {
	s.mu.Lock()
	delete(s.inflight, authID)
	s.running--
	s.mu.Unlock()
}

func (s *Scheduler) spawn(ctx context.Context, entry registry.Entry) {
	s.wg.Add(1)
	observability.InflightPolls.Inc()
	go func() {
		defer s.wg.Done()
		defer observability.InflightPolls.Dec()
		defer s.release(entry.AuthID)

		runCtx := ctx
		var cancel context.CancelFunc
		if s.pollTimeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, s.pollTimeout)
			defer cancel()
		}

		runner, err := s.factory(entry)
		if err != nil {
			s.logger.Error("failed to build poller", "auth_id", entry.AuthID, "error", err)
			return
		}

		outcome, err := runner.RunCycle(runCtx)
		if err != nil {
			s.logger.Error("poll cycle failed", "auth_id", entry.AuthID, "outcome", string(outcome), "error", err)
		}
	}()
}

// Kick schedules an immediate poll for one user, bypassing next_poll_at but
// honoring the exclusivity flag and the global cap.
func (s *Scheduler) Kick(ctx context.Context, authID string) error {
	entry, err := s.reg.Entry(authID)
	if err != nil {
		return fmt.Errorf("unknown user %s: %w", authID, err)
	}
	if !s.acquire(authID) {
		return ErrBusy
	}
	// The caller is usually an HTTP handler whose context dies with the
	// request; the poll must outlive it.
	s.spawn(context.WithoutCancel(ctx), entry)
	return nil
}

// Snapshot reports scheduler state for the admin surface.
func (s *Scheduler) Snapshot() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.inflight))
	for id := range s.inflight {
		users = append(users, id)
	}
	return map[string]interface{}{
		"running":        s.running,
		"cap":            s.cap,
		"tick_interval":  s.tickInterval.String(),
		"inflight_users": users,
	}
}
