package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kuleshov01/new-max-bot/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

// sqlStore is the query layer shared by the SQLite and Postgres backends.
// Queries are written with ? placeholders and rebound for postgres.
type sqlStore struct {
	db      *sql.DB
	backend string
	dollar  bool
}

func (s *sqlStore) q(query string) string {
	if !s.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const botColumns = `id, name, token, base_url, status, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanBot(row scanner) (models.Bot, error) {
	var b models.Bot
	var status string
	if err := row.Scan(&b.ID, &b.Name, &b.Token, &b.BaseURL, &status, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return models.Bot{}, err
	}
	b.Status = models.BotStatus(status)
	return b, nil
}

func (s *sqlStore) CreateBot(ctx context.Context, b models.Bot) (models.Bot, error) {
	if err := b.Validate(); err != nil {
		return models.Bot{}, err
	}
	if b.Status == "" {
		b.Status = models.BotStatusStopped
	}
	b.CreatedAt = now()
	b.UpdatedAt = b.CreatedAt
	err := s.db.QueryRowContext(ctx, s.q(`INSERT INTO bots (name, token, base_url, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		b.Name, b.Token, b.BaseURL, string(b.Status), b.CreatedAt, b.UpdatedAt).Scan(&b.ID)
	if err != nil {
		slog.Error("sqlStore.CreateBot: insert failed", "backend", s.backend, "name", b.Name, "error", err)
		return models.Bot{}, fmt.Errorf("failed to insert bot %q: %w", b.Name, err)
	}
	slog.Debug("sqlStore.CreateBot: created", "backend", s.backend, "bot_id", b.ID, "name", b.Name)
	return b, nil
}

func (s *sqlStore) GetBot(ctx context.Context, id int64) (models.Bot, error) {
	return s.getBot(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) getBot(ctx context.Context, db queryer, id int64) (models.Bot, error) {
	b, err := scanBot(db.QueryRowContext(ctx, s.q(`SELECT `+botColumns+` FROM bots WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Bot{}, fmt.Errorf("bot %d: %w", id, models.ErrBotNotFound)
	}
	if err != nil {
		slog.Error("sqlStore.GetBot: query failed", "backend", s.backend, "bot_id", id, "error", err)
		return models.Bot{}, fmt.Errorf("failed to load bot %d: %w", id, err)
	}
	return b, nil
}

func (s *sqlStore) ListBots(ctx context.Context) ([]models.Bot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+botColumns+` FROM bots ORDER BY id`)
	if err != nil {
		slog.Error("sqlStore.ListBots: query failed", "backend", s.backend, "error", err)
		return nil, fmt.Errorf("failed to query bots: %w", err)
	}
	defer rows.Close()

	bots := []models.Bot{}
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bot row: %w", err)
		}
		bots = append(bots, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bot rows: %w", err)
	}
	slog.Debug("sqlStore.ListBots: succeeded", "backend", s.backend, "count", len(bots))
	return bots, nil
}

func (s *sqlStore) UpdateBot(ctx context.Context, id int64, u BotUpdate) (models.Bot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Bot{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	b, err := s.getBot(ctx, tx, id)
	if err != nil {
		return models.Bot{}, err
	}
	if u.Name != nil {
		b.Name = *u.Name
	}
	if u.Token != nil {
		b.Token = *u.Token
	}
	if u.BaseURL != nil {
		b.BaseURL = *u.BaseURL
	}
	if err := b.Validate(); err != nil {
		return models.Bot{}, err
	}
	b.UpdatedAt = now()
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE bots SET name = ?, token = ?, base_url = ?, updated_at = ? WHERE id = ?`),
		b.Name, b.Token, b.BaseURL, b.UpdatedAt, id); err != nil {
		slog.Error("sqlStore.UpdateBot: update failed", "backend", s.backend, "bot_id", id, "error", err)
		return models.Bot{}, fmt.Errorf("failed to update bot %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return models.Bot{}, fmt.Errorf("failed to commit bot %d: %w", id, err)
	}
	slog.Debug("sqlStore.UpdateBot: updated", "backend", s.backend, "bot_id", id)
	return b, nil
}

func (s *sqlStore) DeleteBot(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, query := range []string{
		`DELETE FROM bot_logs WHERE bot_id = ?`,
		`DELETE FROM bot_flows WHERE bot_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, s.q(query), id); err != nil {
			slog.Error("sqlStore.DeleteBot: cleanup failed", "backend", s.backend, "bot_id", id, "error", err)
			return fmt.Errorf("failed to delete data of bot %d: %w", id, err)
		}
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM bots WHERE id = ?`), id)
	if err != nil {
		slog.Error("sqlStore.DeleteBot: delete failed", "backend", s.backend, "bot_id", id, "error", err)
		return fmt.Errorf("failed to delete bot %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("bot %d: %w", id, models.ErrBotNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete of bot %d: %w", id, err)
	}
	slog.Debug("sqlStore.DeleteBot: deleted", "backend", s.backend, "bot_id", id)
	return nil
}

func (s *sqlStore) UpdateBotStatus(ctx context.Context, id int64, status models.BotStatus) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE bots SET status = ?, updated_at = ? WHERE id = ?`), string(status), now(), id)
	if err != nil {
		slog.Error("sqlStore.UpdateBotStatus: update failed", "backend", s.backend, "bot_id", id, "error", err)
		return fmt.Errorf("failed to set status of bot %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("bot %d: %w", id, models.ErrBotNotFound)
	}
	slog.Debug("sqlStore.UpdateBotStatus: updated", "backend", s.backend, "bot_id", id, "status", status)
	return nil
}

func (s *sqlStore) GetFlow(ctx context.Context, botID int64) (*models.Flow, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT flow_data FROM bot_flows WHERE bot_id = ?`), botID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bot %d: %w", botID, models.ErrFlowNotFound)
	}
	if err != nil {
		slog.Error("sqlStore.GetFlow: query failed", "backend", s.backend, "bot_id", botID, "error", err)
		return nil, fmt.Errorf("failed to load flow of bot %d: %w", botID, err)
	}
	var f models.Flow
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		slog.Error("sqlStore.GetFlow: stored flow is not valid JSON", "backend", s.backend, "bot_id", botID, "error", err)
		return nil, fmt.Errorf("failed to decode flow of bot %d: %w", botID, err)
	}
	return &f, nil
}

func (s *sqlStore) SaveFlow(ctx context.Context, botID int64, f *models.Flow) error {
	if err := validateFlow(botID, f); err != nil {
		return err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode flow of bot %d: %w", botID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.getBot(ctx, tx, botID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO bot_flows (bot_id, flow_data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (bot_id) DO UPDATE SET flow_data = excluded.flow_data, updated_at = excluded.updated_at`),
		botID, string(data), now())
	if err != nil {
		slog.Error("sqlStore.SaveFlow: upsert failed", "backend", s.backend, "bot_id", botID, "error", err)
		return fmt.Errorf("failed to save flow of bot %d: %w", botID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit flow of bot %d: %w", botID, err)
	}
	slog.Debug("sqlStore.SaveFlow: saved", "backend", s.backend, "bot_id", botID, "nodes", len(f.Nodes))
	return nil
}

func (s *sqlStore) AddLog(ctx context.Context, botID int64, level models.LogLevel, message string) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO bot_logs (bot_id, level, message, timestamp) VALUES (?, ?, ?, ?)`),
		botID, string(level), message, now())
	if err != nil {
		// no slog here: this is called from the bot log handler
		return fmt.Errorf("failed to insert log line for bot %d: %w", botID, err)
	}
	return nil
}

func (s *sqlStore) GetLogs(ctx context.Context, botID int64, limit int) ([]models.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, bot_id, level, message, timestamp FROM bot_logs
		WHERE bot_id = ? ORDER BY id DESC LIMIT ?`), botID, logLimit(limit))
	if err != nil {
		slog.Error("sqlStore.GetLogs: query failed", "backend", s.backend, "bot_id", botID, "error", err)
		return nil, fmt.Errorf("failed to query logs of bot %d: %w", botID, err)
	}
	defer rows.Close()

	entries := []models.LogEntry{}
	for rows.Next() {
		var e models.LogEntry
		var level string
		if err := rows.Scan(&e.ID, &e.BotID, &level, &e.Message, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		e.Level = models.LogLevel(level)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate log rows: %w", err)
	}
	return entries, nil
}

func (s *sqlStore) ClearLogs(ctx context.Context, botID int64) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM bot_logs WHERE bot_id = ?`), botID); err != nil {
		slog.Error("sqlStore.ClearLogs: delete failed", "backend", s.backend, "bot_id", botID, "error", err)
		return fmt.Errorf("failed to clear logs of bot %d: %w", botID, err)
	}
	slog.Debug("sqlStore.ClearLogs: cleared", "backend", s.backend, "bot_id", botID)
	return nil
}

func (s *sqlStore) PruneLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM bot_logs WHERE timestamp < ?`), before.UTC())
	if err != nil {
		slog.Error("sqlStore.PruneLogs: delete failed", "backend", s.backend, "error", err)
		return 0, fmt.Errorf("failed to prune logs: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug("sqlStore.PruneLogs: pruned", "backend", s.backend, "before", before, "removed", n)
	return n, nil
}

func (s *sqlStore) Close() error {
	slog.Debug("sqlStore.Close: closing database", "backend", s.backend)
	err := s.db.Close()
	if err != nil {
		slog.Error("sqlStore.Close: close failed", "backend", s.backend, "error", err)
	}
	return err
}
