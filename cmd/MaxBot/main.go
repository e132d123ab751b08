package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kuleshov01/new-max-bot/internal/bot"
	"github.com/kuleshov01/new-max-bot/internal/flow"
	"github.com/kuleshov01/new-max-bot/internal/models"
	"github.com/kuleshov01/new-max-bot/internal/scheduler"
	"github.com/kuleshov01/new-max-bot/internal/supervisor"
	"github.com/kuleshov01/new-max-bot/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for MaxBot state data
	DefaultStateDir = "/var/lib/maxbot"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "maxbot.db"
	// DefaultAPIAddr is where the admin API listens by default
	DefaultAPIAddr = ":8080"
	// DefaultPollTimeout is the long-poll window requested from the platform
	DefaultPollTimeout = 30 * time.Second
)

// Config holds environment configuration
type Config struct {
	StateDir        string
	DBDSN           string
	APIAddr         string
	RedisURL        string
	DefaultBaseURL  string
	PollTimeout     time.Duration
	IdleDelay       time.Duration
	ErrorDelay      time.Duration
	StopGrace       time.Duration
	RestartPause    time.Duration
	ReconcileSpec   string
	LogRetention    time.Duration
	TextRestriction bool
	TextWarning     string
	LogLevel        string
	LogFormat       string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := loadEnvironmentConfig()

	root := &cobra.Command{
		Use:           "MaxBot",
		Short:         "Runs MAX messenger bots driven by visual flows",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			h, err := newLogHandler(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(slog.New(h))
			slog.Debug("Final configuration",
				"state_dir", cfg.StateDir,
				"dsn_set", cfg.DBDSN != "",
				"api_addr", cfg.APIAddr,
				"redis_set", cfg.RedisURL != "",
				"default_base_url", cfg.DefaultBaseURL)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory for MaxBot data (overrides $MAXBOT_STATE_DIR)")
	pf.StringVar(&cfg.DBDSN, "db-dsn", cfg.DBDSN, "postgres DSN or sqlite path (overrides $MAXBOT_DB_DSN or $DATABASE_URL)")
	pf.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (overrides $MAXBOT_LOG_LEVEL)")
	pf.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json (overrides $MAXBOT_LOG_FORMAT)")

	root.AddCommand(newServeCmd(&cfg), newImportCmd(&cfg), newValidateCmd())
	return root
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	dsn := util.GetEnv("MAXBOT_DB_DSN", os.Getenv("DATABASE_URL"))

	return Config{
		StateDir:        util.GetEnv("MAXBOT_STATE_DIR", DefaultStateDir),
		DBDSN:           dsn,
		APIAddr:         util.GetEnv("API_ADDR", DefaultAPIAddr),
		RedisURL:        os.Getenv("REDIS_URL"),
		DefaultBaseURL:  util.GetEnv("MAXBOT_DEFAULT_BASE_URL", models.DefaultBaseURL),
		PollTimeout:     util.ParseDurationEnv("MAXBOT_POLL_TIMEOUT", DefaultPollTimeout),
		IdleDelay:       util.ParseDurationEnv("MAXBOT_IDLE_DELAY", bot.DefaultConfig().IdleDelay),
		ErrorDelay:      util.ParseDurationEnv("MAXBOT_ERROR_DELAY", bot.DefaultConfig().ErrorDelay),
		StopGrace:       util.ParseDurationEnv("MAXBOT_STOP_GRACE", supervisor.DefaultStopGrace),
		RestartPause:    util.ParseDurationEnv("MAXBOT_RESTART_PAUSE", supervisor.DefaultRestartPause),
		ReconcileSpec:   util.GetEnv("MAXBOT_RECONCILE_CRON", scheduler.DefaultReconcileSpec),
		LogRetention:    util.ParseDurationEnv("MAXBOT_LOG_RETENTION", 0),
		TextRestriction: util.ParseBoolEnv("MAXBOT_TEXT_RESTRICTION", false),
		TextWarning:     util.GetEnv("MAXBOT_TEXT_WARNING", flow.DefaultRestrictionWarning),
		LogLevel:        util.GetEnv("MAXBOT_LOG_LEVEL", "debug"),
		LogFormat:       util.GetEnv("MAXBOT_LOG_FORMAT", "text"),
	}
}

// dsn returns the configured DSN, defaulting to a SQLite file in the state directory.
func (c Config) dsn() string {
	if c.DBDSN != "" {
		return c.DBDSN
	}
	return filepath.Join(c.StateDir, DefaultDBFileName)
}

func (c Config) supervisorConfig() supervisor.Config {
	sc := supervisor.DefaultConfig()
	sc.StopGrace = c.StopGrace
	sc.RestartPause = c.RestartPause
	sc.Worker.IdleDelay = c.IdleDelay
	sc.Worker.ErrorDelay = c.ErrorDelay
	if sc.Worker.MaxErrorDelay < c.ErrorDelay {
		sc.Worker.MaxErrorDelay = c.ErrorDelay
	}
	if c.TextRestriction {
		r := flow.NewTextRestriction()
		r.WarningMessage = c.TextWarning
		sc.Restriction = r
	}
	return sc
}

// newLogHandler builds the process log handler.
func newLogHandler(w io.Writer, level, format string) (slog.Handler, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (want text or json)", format)
	}
}
