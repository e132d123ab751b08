// Package store persists bots, their flows and their log lines.
//
// Three backends implement Store: an in-memory one for tests and embedding,
// SQLite for single-node deployments and PostgreSQL for everything else.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kuleshov01/new-max-bot/internal/models"
)

// DefaultLogLimit is used by GetLogs when the caller passes no limit.
const DefaultLogLimit = 100

// BotUpdate carries the bot fields to change; nil fields are left untouched.
type BotUpdate struct {
	Name    *string `json:"name,omitempty"`
	Token   *string `json:"token,omitempty"`
	BaseURL *string `json:"base_url,omitempty"`
}

// Store is the read/write contract the runtime and the admin API depend on.
type Store interface {
	CreateBot(ctx context.Context, b models.Bot) (models.Bot, error)
	GetBot(ctx context.Context, id int64) (models.Bot, error)
	ListBots(ctx context.Context) ([]models.Bot, error)
	UpdateBot(ctx context.Context, id int64, u BotUpdate) (models.Bot, error)
	// DeleteBot removes the bot together with its flow and logs.
	DeleteBot(ctx context.Context, id int64) error
	UpdateBotStatus(ctx context.Context, id int64, status models.BotStatus) error

	// GetFlow returns models.ErrFlowNotFound when the bot has no flow yet.
	GetFlow(ctx context.Context, botID int64) (*models.Flow, error)
	// SaveFlow replaces the bot's flow. Flows failing Validate are rejected.
	SaveFlow(ctx context.Context, botID int64, f *models.Flow) error

	AddLog(ctx context.Context, botID int64, level models.LogLevel, message string) error
	// GetLogs returns at most limit entries, newest first.
	GetLogs(ctx context.Context, botID int64, limit int) ([]models.LogEntry, error)
	ClearLogs(ctx context.Context, botID int64) error
	// PruneLogs deletes log lines older than before and reports how many went.
	PruneLogs(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// Opts holds configuration for the SQL backends.
type Opts struct {
	DSN string
}

// Option configures Opts.
type Option func(*Opts)

// WithDSN sets the connection string (a file path for SQLite).
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns the database/sql driver name for dsn: "postgres" for
// URLs and key=value connection strings, "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	for _, key := range []string{"host=", "user=", "dbname=", "password=", "sslmode=", "port="} {
		if strings.Contains(lower, key) {
			return "postgres"
		}
	}
	return "sqlite3"
}

// Open picks the backend matching dsn.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN not set")
	}
	driver := DetectDSNType(dsn)
	slog.Debug("store.Open: opening store", "driver", driver)
	switch driver {
	case "postgres":
		return NewPostgresStore(WithDSN(dsn))
	default:
		return NewSQLiteStore(WithDSN(dsn))
	}
}

func validateFlow(botID int64, f *models.Flow) error {
	if f == nil {
		return models.ErrEmptyFlow
	}
	if err := f.Validate(); err != nil {
		slog.Warn("store.SaveFlow: rejected invalid flow", "bot_id", botID, "error", err)
		return err
	}
	return nil
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func logLimit(limit int) int {
	if limit <= 0 {
		return DefaultLogLimit
	}
	return limit
}
