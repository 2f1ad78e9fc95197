// boxpilotd is the automation daemon: it polls the external download service
// for every registered user, diffs state, evaluates automation rules, and
// dispatches their actions.
package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"boxpilot/internal/api"
	"boxpilot/internal/clock"
	"boxpilot/internal/config"
	"boxpilot/internal/logger"
	"boxpilot/internal/poller"
	"boxpilot/internal/registry"
	"boxpilot/internal/scheduler"
	"boxpilot/internal/security"
	"boxpilot/internal/storage"
	"boxpilot/internal/torbox"
)

const shutdownGrace = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "boxpilotd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.DataDir, os.Stdout)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	clk := clock.System{}
	iv := clock.NewIntervals(cfg.IntervalMultiplier)
	if iv.Multiplier < 1.0 {
		log.Warn("running with reduced intervals", "multiplier", iv.Multiplier)
	}

	reg, err := registry.Open(filepath.Join(cfg.DataDir, "registry.db"), clk)
	if err != nil {
		return err
	}
	defer reg.Close()

	factory := newPollerFactory(cfg, reg, clk, iv, log)
	defer factory.Close()

	sched := scheduler.New(reg, factory.Build, log, scheduler.Options{
		Cap:         cfg.MaxConcurrentPolls,
		PollTimeout: cfg.PollTimeout,
		Intervals:   iv,
	})

	audit := security.NewAuditLogger(cfg.DataDir, log)
	defer audit.Close()

	admin := api.NewControlServer(sched, reg, audit, log, cfg.DataDir)
	if err := admin.Start(cfg.AdminPort); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched.Run(ctx, shutdownGrace)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		log.Warn("admin server shutdown failed", "error", err)
	}
	log.Info("daemon stopped")
	return nil
}

// pollerFactory builds per-user pollers, caching the expensive parts (storage
// handles) across cycles. API keys are read fresh from the entry each time so
// key rotation takes effect on the next cycle.
type pollerFactory struct {
	cfg config.Config
	reg *registry.Registry
	clk clock.Clock
	iv  clock.Intervals
	log *slog.Logger

	mu     sync.Mutex
	stores map[string]*storage.Store
}

func newPollerFactory(cfg config.Config, reg *registry.Registry, clk clock.Clock, iv clock.Intervals, log *slog.Logger) *pollerFactory {
	return &pollerFactory{
		cfg:    cfg,
		reg:    reg,
		clk:    clk,
		iv:     iv,
		log:    log,
		stores: make(map[string]*storage.Store),
	}
}

// Build satisfies scheduler.Factory.
func (f *pollerFactory) Build(entry registry.Entry) (scheduler.Runner, error) {
	store, err := f.storeFor(entry)
	if err != nil {
		return nil, err
	}

	client := torbox.NewClient(f.cfg.APIBase, f.cfg.APIVersion, entry.APIKey, f.log)

	return poller.New(entry.AuthID, f.reg, store, client, f.clk, f.iv, f.log, poller.Options{
		Stagger: f.stagger(entry.AuthID),
	}), nil
}

func (f *pollerFactory) storeFor(entry registry.Entry) (*storage.Store, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.stores[entry.AuthID]; ok {
		return s, nil
	}
	path := entry.DBPath
	if path == "" {
		path = filepath.Join(f.cfg.DataDir, "users", entry.AuthID+".db")
	}
	s, err := storage.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open user db for %s: %w", entry.AuthID, err)
	}
	f.stores[entry.AuthID] = s
	return s, nil
}

// stagger derives a stable per-user offset (0-10s, scaled) so users whose
// schedules collide do not all fire on the same tick forever.
func (f *pollerFactory) stagger(authID string) time.Duration {
	h := fnv.New32a()
	h.Write([]byte(authID))
	return f.iv.Scale(time.Duration(h.Sum32()%10000) * time.Millisecond)
}

// Close releases all cached storage handles.
func (f *pollerFactory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, s := range f.stores {
		if err := s.Close(); err != nil {
			f.log.Warn("failed to close user db", "auth_id", id, "error", err)
		}
	}
	f.stores = make(map[string]*storage.Store)
}
