package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kuleshov01/new-max-bot/internal/api"
	"github.com/kuleshov01/new-max-bot/internal/bot"
	"github.com/kuleshov01/new-max-bot/internal/lock"
	"github.com/kuleshov01/new-max-bot/internal/lockfile"
	"github.com/kuleshov01/new-max-bot/internal/messaging"
	"github.com/kuleshov01/new-max-bot/internal/metrics"
	"github.com/kuleshov01/new-max-bot/internal/models"
	"github.com/kuleshov01/new-max-bot/internal/recovery"
	"github.com/kuleshov01/new-max-bot/internal/scheduler"
	"github.com/kuleshov01/new-max-bot/internal/store"
	"github.com/kuleshov01/new-max-bot/internal/supervisor"
)

const leasePrefix = "maxbot:"

func newServeCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot supervisor and the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "admin API address (overrides $API_ADDR)")
	f.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis URL for per-bot leases (overrides $REDIS_URL)")
	f.StringVar(&cfg.DefaultBaseURL, "base-url", cfg.DefaultBaseURL, "MAX Bot API base URL (overrides $MAXBOT_DEFAULT_BASE_URL)")
	f.StringVar(&cfg.ReconcileSpec, "reconcile-cron", cfg.ReconcileSpec, "schedule of the worker liveness sweep (overrides $MAXBOT_RECONCILE_CRON)")
	f.DurationVar(&cfg.LogRetention, "log-retention", cfg.LogRetention, "prune bot logs older than this; 0 keeps them (overrides $MAXBOT_LOG_RETENTION)")
	f.BoolVar(&cfg.TextRestriction, "text-restriction", cfg.TextRestriction, "warn users who type where buttons are expected (overrides $MAXBOT_TEXT_RESTRICTION)")
	return cmd
}

// runServe wires the store, supervisor, maintenance jobs and admin API, and
// blocks until ctx is cancelled.
func runServe(ctx context.Context, cfg Config) error {
	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	guard, err := lockfile.AcquireLock(cfg.StateDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := guard.Release(); err != nil {
			slog.Warn("runServe: failed to release state lock", "error", err)
		}
	}()

	st, err := store.Open(cfg.dsn())
	if err != nil {
		return err
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.New(reg)
	if err != nil {
		return err
	}

	opts := []supervisor.Option{
		supervisor.WithMetrics(collector),
		supervisor.WithLogHandler(slog.Default().Handler()),
		supervisor.WithConfig(cfg.supervisorConfig()),
	}
	if cfg.RedisURL != "" {
		client, err := newRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		ttl := bot.LeaseTTL(cfg.supervisorConfig().Worker, cfg.PollTimeout+messaging.DefaultRequestTimeout)
		slog.Debug("runServe: per-bot leases enabled", "ttl", ttl)
		opts = append(opts, supervisor.WithLocker(lock.NewRedisLocker(client, leasePrefix, ttl)))
	}

	sup := supervisor.New(ctx, st, platformFactory(cfg), opts...)

	rm := recovery.NewRecoveryManager(st)
	rm.RegisterRecoverable(sup)
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Error("runServe: recovery finished with errors", "error", err)
	}

	sched := scheduler.NewScheduler(ctx)
	if err := scheduler.RegisterMaintenance(sched, sup, st, scheduler.MaintenanceConfig{
		ReconcileSpec: cfg.ReconcileSpec,
		Retention:     cfg.LogRetention,
	}); err != nil {
		sched.Stop()
		sup.Shutdown(cfg.StopGrace)
		return err
	}

	server := api.NewServer(st, sup, api.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	serveErr := server.ListenAndServe(ctx, cfg.APIAddr)

	slog.Info("runServe: shutting down", "workers", len(sup.Running()))
	sched.Stop()
	sup.Shutdown(cfg.StopGrace)
	return serveErr
}

func platformFactory(cfg Config) supervisor.PlatformFactory {
	return func(b models.Bot) (messaging.Platform, error) {
		return messaging.NewPlatformForBot(b, cfg.DefaultBaseURL, messaging.WithPollTimeout(cfg.PollTimeout)), nil
	}
}

func newRedisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", opt.Addr, err)
	}
	slog.Info("newRedisClient: lease backend connected", "addr", opt.Addr)
	return client, nil
}

func newImportCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Create bots and their flows from a YAML or JSON bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			st, err := store.Open(cfg.dsn())
			if err != nil {
				return err
			}
			defer st.Close()

			bots, err := store.ImportBundle(cmd.Context(), st, f)
			if err != nil {
				return err
			}
			for _, b := range bots {
				fmt.Fprintf(cmd.OutOrStdout(), "created bot %d %q\n", b.ID, b.Name)
			}
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a flow file for structural problems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := readFlowFile(args[0])
			if err != nil {
				return err
			}
			return reportFlow(cmd.OutOrStdout(), f)
		},
	}
}

func readFlowFile(path string) (*models.Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f models.Flow
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	default:
		err = json.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &f, nil
}

// reportFlow prints every problem found in f. Any problem fails validation.
func reportFlow(w io.Writer, f *models.Flow) error {
	if err := f.Validate(); err != nil {
		fmt.Fprintf(w, "invalid: %v\n", err)
		return err
	}
	problems := f.Lint()
	for _, p := range problems {
		fmt.Fprintf(w, "warning: %s\n", p)
	}
	if len(problems) > 0 {
		return fmt.Errorf("flow has %d problem(s)", len(problems))
	}
	fmt.Fprintf(w, "ok: %d nodes, %d connections\n", len(f.Nodes), len(f.Connections))
	return nil
}
