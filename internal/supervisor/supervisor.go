// Package supervisor owns the set of running bot workers and keeps the
// persisted bot status in line with what is actually running.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kuleshov01/new-max-bot/internal/bot"
	"github.com/kuleshov01/new-max-bot/internal/botlog"
	"github.com/kuleshov01/new-max-bot/internal/flow"
	"github.com/kuleshov01/new-max-bot/internal/lock"
	"github.com/kuleshov01/new-max-bot/internal/messaging"
	"github.com/kuleshov01/new-max-bot/internal/metrics"
	"github.com/kuleshov01/new-max-bot/internal/models"
	"github.com/kuleshov01/new-max-bot/internal/recovery"
	"github.com/kuleshov01/new-max-bot/internal/store"
	"github.com/kuleshov01/new-max-bot/internal/util"
)

// ErrLeaseHeld is returned by Start when another replica runs the bot.
var ErrLeaseHeld = errors.New("bot is running on another instance")

const (
	// DefaultStopGrace bounds how long Stop waits for a worker to exit.
	DefaultStopGrace = 5 * time.Second
	// DefaultRestartPause separates the stop and start halves of Restart.
	DefaultRestartPause = time.Second
)

// PlatformFactory builds the transport for a bot.
type PlatformFactory func(b models.Bot) (messaging.Platform, error)

// Config holds the supervisor's tunables.
type Config struct {
	StopGrace    time.Duration
	RestartPause time.Duration
	// LogLevel is the minimum level copied into the store's bot log.
	LogLevel    slog.Level
	Worker      bot.Config
	Restriction *flow.TextRestriction
	MaxHops     int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		StopGrace:    DefaultStopGrace,
		RestartPause: DefaultRestartPause,
		LogLevel:     slog.LevelInfo,
		Worker:       bot.DefaultConfig(),
		MaxHops:      flow.DefaultMaxHops,
	}
}

// Supervisor starts, stops and monitors bot workers. At most one worker per
// bot id is registered at any time.
type Supervisor struct {
	store    store.Store
	platform PlatformFactory
	locker   lock.Locker
	metrics  *metrics.Collector
	handler  slog.Handler
	cfg      Config

	// base outlives API requests; workers derive their context from it.
	base context.Context

	mu      sync.Mutex
	workers map[int64]*bot.Worker
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLocker requires a distributed lease before a bot is started.
func WithLocker(l lock.Locker) Option {
	return func(s *Supervisor) { s.locker = l }
}

// WithMetrics records worker counts and crashes.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Supervisor) { s.metrics = c }
}

// WithLogHandler sets the process handler wrapped by every bot logger.
func WithLogHandler(h slog.Handler) Option {
	return func(s *Supervisor) {
		if h != nil {
			s.handler = h
		}
	}
}

// WithConfig overrides DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(s *Supervisor) { s.cfg = cfg }
}

// New creates a supervisor with no workers. Workers are bound to ctx and end
// when it is cancelled.
func New(ctx context.Context, st store.Store, platform PlatformFactory, opts ...Option) *Supervisor {
	s := &Supervisor{
		store:    st,
		platform: platform,
		handler:  slog.Default().Handler(),
		cfg:      DefaultConfig(),
		base:     ctx,
		workers:  make(map[int64]*bot.Worker),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the bot's worker. Starting a bot that is already running
// is a no-op.
func (s *Supervisor) Start(ctx context.Context, botID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.workers[botID]; ok {
		if w.Alive() && w.Running() {
			slog.Debug("Supervisor.Start: already running", "bot_id", botID)
			return nil
		}
		delete(s.workers, botID)
	}

	b, err := s.store.GetBot(ctx, botID)
	if err != nil {
		return fmt.Errorf("failed to load bot %d: %w", botID, err)
	}
	f, err := s.store.GetFlow(ctx, botID)
	if errors.Is(err, models.ErrFlowNotFound) {
		return fmt.Errorf("bot %d has no flow: %w", botID, models.ErrEmptyFlow)
	}
	if err != nil {
		return fmt.Errorf("failed to load flow of bot %d: %w", botID, err)
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("flow of bot %d: %w", botID, err)
	}

	platform, err := s.platform(b)
	if err != nil {
		return fmt.Errorf("failed to build platform for bot %d: %w", botID, err)
	}

	var lease lock.Lease
	if s.locker != nil {
		lease, err = s.locker.Acquire(ctx, lock.BotKey(botID))
		if errors.Is(err, lock.ErrNotAcquired) {
			slog.Warn("Supervisor.Start: lease held elsewhere", "bot_id", botID)
			return fmt.Errorf("bot %d: %w", botID, ErrLeaseHeld)
		}
		if err != nil {
			return fmt.Errorf("failed to acquire lease for bot %d: %w", botID, err)
		}
	}

	logger := botlog.NewLogger(s.handler, s.store, botID, s.cfg.LogLevel).With("run_id", util.GenerateRunID())
	flowOpts := []flow.Option{flow.WithMaxHops(s.cfg.MaxHops)}
	if s.cfg.Restriction != nil {
		flowOpts = append(flowOpts, flow.WithTextRestriction(s.cfg.Restriction))
	}
	w, err := bot.New(b, f, platform,
		bot.WithLogger(logger),
		bot.WithMetrics(s.metrics),
		bot.WithLease(lease),
		bot.WithConfig(s.cfg.Worker),
		bot.WithFlowOptions(flowOpts...),
	)
	if err != nil {
		if lease != nil {
			lease.Release(context.WithoutCancel(ctx))
		}
		return fmt.Errorf("failed to create worker for bot %d: %w", botID, err)
	}

	w.Start(s.base)
	s.workers[botID] = w
	s.metrics.SetWorkersRunning(len(s.workers))

	if err := s.store.UpdateBotStatus(ctx, botID, models.BotStatusRunning); err != nil {
		slog.Error("Supervisor.Start: failed to persist status", "bot_id", botID, "error", err)
	}
	slog.Info("Supervisor.Start: bot started", "bot_id", botID, "name", b.Name, "nodes", len(f.Nodes))
	return nil
}

// Stop stops the bot's worker, if any, and persists the stopped status.
// Stopping a bot that is not running is not an error.
func (s *Supervisor) Stop(ctx context.Context, botID int64) error {
	s.mu.Lock()
	w, ok := s.workers[botID]
	if ok {
		delete(s.workers, botID)
		s.metrics.SetWorkersRunning(len(s.workers))
	}
	s.mu.Unlock()

	if ok && !w.Stop(s.cfg.StopGrace) {
		slog.Warn("Supervisor.Stop: worker did not exit in time", "bot_id", botID, "grace", s.cfg.StopGrace)
	}

	err := s.store.UpdateBotStatus(ctx, botID, models.BotStatusStopped)
	if err != nil && !errors.Is(err, models.ErrBotNotFound) {
		return fmt.Errorf("failed to persist status of bot %d: %w", botID, err)
	}
	slog.Info("Supervisor.Stop: bot stopped", "bot_id", botID, "was_running", ok)
	return nil
}

// Restart stops the bot, pauses briefly and starts it again.
func (s *Supervisor) Restart(ctx context.Context, botID int64) error {
	if err := s.Stop(ctx, botID); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.cfg.RestartPause):
	}
	return s.Start(ctx, botID)
}

// Status reports whether the bot is running. A worker that died without
// being stopped is unregistered here and its persisted status corrected.
func (s *Supervisor) Status(ctx context.Context, botID int64) (models.BotStatus, error) {
	s.mu.Lock()
	w, ok := s.workers[botID]
	if ok && w.Alive() {
		running := w.Running()
		s.mu.Unlock()
		if running {
			return models.BotStatusRunning, nil
		}
		return models.BotStatusStopped, nil
	}
	crashed := false
	if ok {
		delete(s.workers, botID)
		s.metrics.SetWorkersRunning(len(s.workers))
		crashed = w.Running()
	}
	s.mu.Unlock()

	if ok {
		if crashed {
			slog.Warn("Supervisor.Status: worker died unexpectedly", "bot_id", botID)
			s.metrics.Crash(botID)
			if err := s.store.UpdateBotStatus(ctx, botID, models.BotStatusStopped); err != nil {
				slog.Error("Supervisor.Status: failed to persist status", "bot_id", botID, "error", err)
			}
		}
		return models.BotStatusStopped, nil
	}

	b, err := s.store.GetBot(ctx, botID)
	if err != nil {
		return "", err
	}
	if b.Status == "" {
		return models.BotStatusStopped, nil
	}
	return b.Status, nil
}

// Running lists the ids of registered workers.
func (s *Supervisor) Running() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Reconcile runs the Status check for every registered worker so silent
// crashes are noticed without anyone asking.
func (s *Supervisor) Reconcile(ctx context.Context) {
	ids := s.Running()
	for _, id := range ids {
		if _, err := s.Status(ctx, id); err != nil {
			slog.Error("Supervisor.Reconcile: status check failed", "bot_id", id, "error", err)
		}
	}
	slog.Debug("Supervisor.Reconcile: done", "checked", len(ids), "running", len(s.Running()))
}

// Shutdown stops every worker without touching persisted status, so the
// bots come back on the next start.
func (s *Supervisor) Shutdown(grace time.Duration) {
	s.mu.Lock()
	workers := s.workers
	s.workers = make(map[int64]*bot.Worker)
	s.mu.Unlock()
	s.metrics.SetWorkersRunning(0)

	var wg sync.WaitGroup
	for id, w := range workers {
		wg.Add(1)
		go func(id int64, w *bot.Worker) {
			defer wg.Done()
			if !w.Stop(grace) {
				slog.Warn("Supervisor.Shutdown: worker did not exit in time", "bot_id", id)
			}
		}(id, w)
	}
	wg.Wait()
	slog.Info("Supervisor.Shutdown: all workers stopped", "count", len(workers))
}

// RecoverState starts every bot persisted as running. A bot that cannot be
// started is marked stopped.
func (s *Supervisor) RecoverState(ctx context.Context, registry *recovery.RecoveryRegistry) error {
	st := registry.GetStore()
	bots, err := st.ListBots(ctx)
	if err != nil {
		return fmt.Errorf("failed to list bots: %w", err)
	}

	started, failed := 0, 0
	for _, b := range bots {
		if b.Status != models.BotStatusRunning {
			continue
		}
		err := s.Start(ctx, b.ID)
		if errors.Is(err, ErrLeaseHeld) {
			slog.Info("Supervisor.RecoverState: bot owned by another instance", "bot_id", b.ID)
			continue
		}
		if err != nil {
			failed++
			slog.Error("Supervisor.RecoverState: could not restart bot", "bot_id", b.ID, "name", b.Name, "error", err)
			if err := st.UpdateBotStatus(ctx, b.ID, models.BotStatusStopped); err != nil {
				slog.Error("Supervisor.RecoverState: failed to persist status", "bot_id", b.ID, "error", err)
			}
			continue
		}
		started++
	}
	slog.Info("Supervisor.RecoverState: recovered bots", "started", started, "failed", failed)
	return nil
}

var _ recovery.Recoverable = (*Supervisor)(nil)
