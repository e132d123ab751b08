// Package bot runs one configured bot: a long-polling transport loop feeding
// the flow interpreter and relaying its replies.
package bot

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kuleshov01/new-max-bot/internal/flow"
	"github.com/kuleshov01/new-max-bot/internal/lock"
	"github.com/kuleshov01/new-max-bot/internal/messaging"
	"github.com/kuleshov01/new-max-bot/internal/metrics"
	"github.com/kuleshov01/new-max-bot/internal/models"
)

// DefaultCallbackNotification is shown to the user when a button press is acknowledged.
const DefaultCallbackNotification = "Ответ получен"

// Config tunes the transport loop.
type Config struct {
	// IdleDelay is the pause after a successful fetch.
	IdleDelay time.Duration
	// ErrorDelay is the first backoff step after a failed fetch.
	ErrorDelay time.Duration
	// MaxErrorDelay caps the backoff.
	MaxErrorDelay time.Duration
	// CallbackNotification is sent with every callback answer; empty sends none.
	CallbackNotification string
}

// DefaultConfig returns the loop timings used in production.
func DefaultConfig() Config {
	return Config{
		IdleDelay:            time.Second,
		ErrorDelay:           5 * time.Second,
		MaxErrorDelay:        time.Minute,
		CallbackNotification: DefaultCallbackNotification,
	}
}

// LeaseTTL returns a lease lifetime that outlasts the longest gap between two
// refreshes: a fetch bounded by fetchTimeout, or the longest sleep after one.
func LeaseTTL(cfg Config, fetchTimeout time.Duration) time.Duration {
	gap := fetchTimeout
	if cfg.MaxErrorDelay > gap {
		gap = cfg.MaxErrorDelay
	}
	if cfg.IdleDelay > gap {
		gap = cfg.IdleDelay
	}
	ttl := 2 * gap
	if ttl < lock.DefaultTTL {
		ttl = lock.DefaultTTL
	}
	return ttl
}

// Worker binds a bot's flow, its session table and its platform connection.
//
// The running flag is cleared only by Stop. A worker whose goroutine has ended
// while the flag is still set has died unexpectedly.
type Worker struct {
	bot      models.Bot
	platform messaging.Platform
	interp   *flow.Interpreter
	logger   *slog.Logger
	metrics  *metrics.Collector
	lease    lock.Lease
	cfg      Config
	flowOpts []flow.Option

	running   atomic.Bool
	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the worker's logger; the interpreter logs through it too.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithMetrics records loop activity in c.
func WithMetrics(c *metrics.Collector) Option {
	return func(w *Worker) { w.metrics = c }
}

// WithLease makes the worker refresh l every iteration and release it on exit.
func WithLease(l lock.Lease) Option {
	return func(w *Worker) { w.lease = l }
}

// WithConfig overrides DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(w *Worker) { w.cfg = cfg }
}

// WithFlowOptions passes options through to the interpreter.
func WithFlowOptions(opts ...flow.Option) Option {
	return func(w *Worker) { w.flowOpts = append(w.flowOpts, opts...) }
}

// New creates a stopped worker. It fails if f cannot be run.
func New(b models.Bot, f *models.Flow, platform messaging.Platform, opts ...Option) (*Worker, error) {
	w := &Worker{
		bot:      b,
		platform: platform,
		logger:   slog.Default(),
		cfg:      DefaultConfig(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	interp, err := flow.NewInterpreter(f, append([]flow.Option{flow.WithLogger(w.logger)}, w.flowOpts...)...)
	if err != nil {
		return nil, err
	}
	w.interp = interp
	return w, nil
}

// ID returns the bot id.
func (w *Worker) ID() int64 { return w.bot.ID }

// Interpreter exposes the worker's interpreter.
func (w *Worker) Interpreter() *flow.Interpreter { return w.interp }

// Start launches the transport loop. Calling it again has no effect.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		ctx, w.cancel = context.WithCancel(ctx)
		w.running.Store(true)
		go w.run(ctx)
	})
}

// Stop clears the running flag, interrupts a pending fetch and waits up to
// grace for the loop to exit. It reports whether the loop exited in time.
func (w *Worker) Stop(grace time.Duration) bool {
	w.running.Store(false)
	started := false
	w.startOnce.Do(func() { close(w.done) })
	if w.cancel != nil {
		started = true
		w.cancel()
	}
	if !started {
		return true
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-w.done:
		return true
	case <-t.C:
		return false
	}
}

// Running reports the running flag.
func (w *Worker) Running() bool { return w.running.Load() }

// Alive reports whether the loop goroutine is still executing.
func (w *Worker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return w.cancel != nil
	}
}

// Done is closed when the loop goroutine exits.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.releaseLease()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Worker.run: panic, worker died", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	w.logger.Info("Worker.run: started", "name", w.bot.Name)
	w.greet(ctx)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.ErrorDelay
	bo.MaxInterval = w.cfg.MaxErrorDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	var marker *int64
	for w.running.Load() && ctx.Err() == nil {
		if !w.refreshLease(ctx) {
			return
		}

		batch, err := w.platform.FetchUpdates(ctx, marker)
		// renew after the long poll so the following sleep starts a full TTL
		if !w.refreshLease(ctx) {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.metrics.PollError(w.bot.ID)
			delay := bo.NextBackOff()
			w.logger.Error("Worker.run: fetch updates failed", "error", err, "retry_in", delay)
			if !sleep(ctx, delay) {
				break
			}
			continue
		}
		bo.Reset()

		if n := len(batch.Updates); n > 0 {
			w.logger.Debug("Worker.run: received updates", "count", n)
		}
		for _, raw := range batch.Updates {
			w.process(ctx, raw)
		}
		if batch.Marker != nil {
			marker = batch.Marker
		}
		if !sleep(ctx, w.cfg.IdleDelay) {
			break
		}
	}
	w.logger.Info("Worker.run: stopped")
}

func (w *Worker) greet(ctx context.Context) {
	info, err := w.platform.Me(ctx)
	if err != nil {
		w.logger.Warn("Worker.greet: could not fetch bot info", "error", err)
		return
	}
	w.logger.Info("Worker.greet: connected", "bot_name", info.DisplayName(), "username", info.Username)
}

// process handles one update. A panic here is contained to the update so the
// other chats of the bot keep working.
func (w *Worker) process(ctx context.Context, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Worker.process: panic while handling update", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	in, err := messaging.Normalize(raw)
	if err != nil {
		w.logger.Warn("Worker.process: unusable update", "error", err)
		return
	}
	if in.Event == nil {
		w.logger.Debug("Worker.process: nothing to do", "type", in.Type)
		return
	}
	w.metrics.Update(w.bot.ID, string(in.Event.Kind()))

	if in.CallbackID != "" {
		if err := w.platform.AnswerCallback(ctx, in.CallbackID, w.cfg.CallbackNotification); err != nil {
			w.metrics.SendError(w.bot.ID)
			w.logger.Warn("Worker.process: callback answer failed", "chat_id", in.ChatID, "error", err)
		}
	}

	for _, out := range w.interp.OnEvent(in.ChatID, in.Event) {
		if err := w.platform.SendMessage(ctx, out); err != nil {
			w.metrics.SendError(w.bot.ID)
			w.logger.Error("Worker.process: send failed", "chat_id", out.ChatID, "error", err)
			continue
		}
		w.logger.Debug("Worker.process: sent", "message", out.String())
	}
}

// refreshLease reports false when the lease is gone and the loop must end.
func (w *Worker) refreshLease(ctx context.Context) bool {
	if w.lease == nil {
		return true
	}
	err := w.lease.Refresh(ctx)
	switch {
	case err == nil:
		return true
	case ctx.Err() != nil:
		return false
	case errors.Is(err, lock.ErrLost):
		w.logger.Error("Worker.refreshLease: lease lost, stopping poll loop", "key", w.lease.Key(), "error", err)
		return false
	default:
		// Redis hiccup; the lease TTL outlives a few failed refreshes.
		w.logger.Warn("Worker.refreshLease: refresh failed", "key", w.lease.Key(), "error", err)
		return true
	}
}

func (w *Worker) releaseLease() {
	if w.lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.lease.Release(ctx); err != nil {
		w.logger.Warn("Worker.releaseLease: release failed", "key", w.lease.Key(), "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
