package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuleshov01/new-max-bot/internal/bot"
	"github.com/kuleshov01/new-max-bot/internal/lock"
	"github.com/kuleshov01/new-max-bot/internal/messaging"
	"github.com/kuleshov01/new-max-bot/internal/metrics"
	"github.com/kuleshov01/new-max-bot/internal/models"
	"github.com/kuleshov01/new-max-bot/internal/recovery"
	"github.com/kuleshov01/new-max-bot/internal/store"
	"github.com/kuleshov01/new-max-bot/internal/testutil"
)

type harness struct {
	sup       *Supervisor
	store     *store.InMemoryStore
	reg       *prometheus.Registry
	mu        sync.Mutex
	platforms []*testutil.FakePlatform
	built     atomic.Int32
	prepare   func(*testutil.FakePlatform)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.StopGrace = time.Second
	cfg.RestartPause = 10 * time.Millisecond
	cfg.Worker = bot.Config{
		IdleDelay:     time.Millisecond,
		ErrorDelay:    time.Millisecond,
		MaxErrorDelay: 5 * time.Millisecond,
	}
	return cfg
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{store: store.NewInMemoryStore(), reg: prometheus.NewRegistry()}
	m, err := metrics.New(h.reg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	quiet := slog.NewTextHandler(io.Discard, nil)
	factory := func(b models.Bot) (messaging.Platform, error) {
		h.built.Add(1)
		p := testutil.NewFakePlatform()
		if h.prepare != nil {
			h.prepare(p)
		}
		h.mu.Lock()
		h.platforms = append(h.platforms, p)
		h.mu.Unlock()
		return p, nil
	}
	base := []Option{WithConfig(testConfig()), WithMetrics(m), WithLogHandler(quiet)}
	h.sup = New(ctx, h.store, factory, append(base, opts...)...)
	t.Cleanup(func() {
		h.sup.Shutdown(time.Second)
		cancel()
	})
	return h
}

func (h *harness) createBot(t *testing.T, withFlow bool) models.Bot {
	t.Helper()
	b, err := h.store.CreateBot(context.Background(), models.Bot{Name: "bot", Token: "tok"})
	require.NoError(t, err)
	if withFlow {
		require.NoError(t, h.store.SaveFlow(context.Background(), b.ID, testutil.MenuFlow()))
	}
	return b
}

func (h *harness) persisted(t *testing.T, id int64) models.BotStatus {
	t.Helper()
	b, err := h.store.GetBot(context.Background(), id)
	require.NoError(t, err)
	return b.Status
}

func (h *harness) lastPlatform() *testutil.FakePlatform {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.platforms[len(h.platforms)-1]
}

func TestStartRunsBot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.createBot(t, true)

	require.NoError(t, h.sup.Start(ctx, b.ID))
	assert.Equal(t, models.BotStatusRunning, h.persisted(t, b.ID))
	status, err := h.sup.Status(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BotStatusRunning, status)

	p := h.lastPlatform()
	p.Push(testutil.BotStarted(42))
	require.Eventually(t, func() bool { return len(p.Sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "Welcome", p.Sent()[0].Text)
}

func TestStartTwiceKeepsOneWorker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.createBot(t, true)

	require.NoError(t, h.sup.Start(ctx, b.ID))
	require.NoError(t, h.sup.Start(ctx, b.ID))
	assert.Equal(t, []int64{b.ID}, h.sup.Running())
	assert.Equal(t, int32(1), h.built.Load())
}

func TestConcurrentStartsCreateOneWorker(t *testing.T) {
	h := newHarness(t)
	b := h.createBot(t, true)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.sup.Start(context.Background(), b.ID))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), h.built.Load())
	assert.Len(t, h.sup.Running(), 1)
}

func TestStartRefusesBadInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.ErrorIs(t, h.sup.Start(ctx, 99), models.ErrBotNotFound)

	noFlow := h.createBot(t, false)
	require.ErrorIs(t, h.sup.Start(ctx, noFlow.ID), models.ErrEmptyFlow)
	assert.Empty(t, h.sup.Running())
	assert.Equal(t, models.BotStatusStopped, h.persisted(t, noFlow.ID))
	assert.Zero(t, h.built.Load())
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.createBot(t, true)

	require.NoError(t, h.sup.Start(ctx, b.ID))
	require.NoError(t, h.sup.Stop(ctx, b.ID))
	require.NoError(t, h.sup.Stop(ctx, b.ID))
	require.NoError(t, h.sup.Stop(ctx, 12345))

	assert.Empty(t, h.sup.Running())
	assert.Equal(t, models.BotStatusStopped, h.persisted(t, b.ID))
	status, err := h.sup.Status(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BotStatusStopped, status)
}

func TestRestartBuildsFreshWorker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.createBot(t, true)

	require.NoError(t, h.sup.Start(ctx, b.ID))
	first := h.lastPlatform()
	first.Push(testutil.BotStarted(1))
	require.Eventually(t, func() bool { return len(first.Sent()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.sup.Restart(ctx, b.ID))
	assert.Equal(t, int32(2), h.built.Load())
	assert.Equal(t, models.BotStatusRunning, h.persisted(t, b.ID))
	assert.Len(t, h.sup.Running(), 1)
}

func TestStatusDetectsCrashOnce(t *testing.T) {
	h := newHarness(t)
	h.prepare = func(p *testutil.FakePlatform) { p.PanicOnNextFetch() }
	ctx := context.Background()
	b := h.createBot(t, true)

	require.NoError(t, h.sup.Start(ctx, b.ID))
	require.Eventually(t, func() bool {
		s, err := h.sup.Status(ctx, b.ID)
		return err == nil && s == models.BotStatusStopped
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, models.BotStatusStopped, h.persisted(t, b.ID))
	assert.Empty(t, h.sup.Running())

	// a second look falls back to the store and does not count again
	s, err := h.sup.Status(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BotStatusStopped, s)

	expected := `
# HELP maxbot_worker_crashes_total Workers found dead while still flagged as running
# TYPE maxbot_worker_crashes_total counter
maxbot_worker_crashes_total{bot_id="1"} 1
`
	assert.NoError(t, promtest.GatherAndCompare(h.reg, strings.NewReader(expected), "maxbot_worker_crashes_total"))

	// a crashed bot can be started again
	h.prepare = nil
	require.NoError(t, h.sup.Start(ctx, b.ID))
	assert.Equal(t, models.BotStatusRunning, h.persisted(t, b.ID))
}

func TestReconcileClearsDeadWorkers(t *testing.T) {
	h := newHarness(t)
	h.prepare = func(p *testutil.FakePlatform) { p.PanicOnNextFetch() }
	ctx := context.Background()
	b := h.createBot(t, true)

	require.NoError(t, h.sup.Start(ctx, b.ID))
	require.Eventually(t, func() bool {
		h.sup.Reconcile(ctx)
		return len(h.sup.Running()) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, models.BotStatusStopped, h.persisted(t, b.ID))
}

func TestStatusOfUnregisteredBotUsesStore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.createBot(t, true)
	require.NoError(t, h.store.UpdateBotStatus(ctx, b.ID, models.BotStatusRunning))

	s, err := h.sup.Status(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BotStatusRunning, s)

	_, err = h.sup.Status(ctx, 404)
	require.ErrorIs(t, err, models.ErrBotNotFound)
}

func TestShutdownKeepsPersistedStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.createBot(t, true)

	require.NoError(t, h.sup.Start(ctx, b.ID))
	h.sup.Shutdown(time.Second)
	assert.Empty(t, h.sup.Running())
	assert.Equal(t, models.BotStatusRunning, h.persisted(t, b.ID))
}

func TestRecoverStateStartsRunningBots(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	good := h.createBot(t, true)
	broken := h.createBot(t, false)
	idle := h.createBot(t, true)
	require.NoError(t, h.store.UpdateBotStatus(ctx, good.ID, models.BotStatusRunning))
	require.NoError(t, h.store.UpdateBotStatus(ctx, broken.ID, models.BotStatusRunning))

	rm := recovery.NewRecoveryManager(h.store)
	rm.RegisterRecoverable(h.sup)
	require.NoError(t, rm.RecoverAll(ctx))

	assert.Equal(t, []int64{good.ID}, h.sup.Running())
	assert.Equal(t, models.BotStatusStopped, h.persisted(t, broken.ID))
	assert.Equal(t, models.BotStatusStopped, h.persisted(t, idle.ID))
}

func TestWorkerLogsReachStore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.createBot(t, true)

	require.NoError(t, h.sup.Start(ctx, b.ID))
	require.Eventually(t, func() bool {
		logs, err := h.store.GetLogs(ctx, b.ID, 50)
		if err != nil {
			return false
		}
		for _, l := range logs {
			if strings.Contains(l.Message, "started") {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLeaseHeldElsewhere(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	locker := lock.NewRedisLocker(client, "maxbot:", time.Minute)

	h := newHarness(t, WithLocker(locker))
	ctx := context.Background()
	b := h.createBot(t, true)

	other, err := locker.Acquire(ctx, lock.BotKey(b.ID))
	require.NoError(t, err)

	err = h.sup.Start(ctx, b.ID)
	require.True(t, errors.Is(err, ErrLeaseHeld), "got %v", err)
	assert.Empty(t, h.sup.Running())

	require.NoError(t, other.Release(ctx))
	require.NoError(t, h.sup.Start(ctx, b.ID))
	assert.True(t, mr.Exists("maxbot:lock:"+lock.BotKey(b.ID)))

	require.NoError(t, h.sup.Stop(ctx, b.ID))
	assert.False(t, mr.Exists("maxbot:lock:"+lock.BotKey(b.ID)), "stop releases the lease")
}
