// Package botlog routes a bot's log records to the store's log table as well
// as to the process logger, so operators can read them per bot.
package botlog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kuleshov01/new-max-bot/internal/models"
)

// Sink persists bot log lines. store.Store satisfies it.
type Sink interface {
	AddLog(ctx context.Context, botID int64, level models.LogLevel, message string) error
}

// writeTimeout bounds a single store append.
const writeTimeout = 2 * time.Second

// Handler is a slog.Handler that forwards every record to an inner handler
// and appends records at or above a minimum level to a Sink.
type Handler struct {
	inner    slog.Handler
	sink     Sink
	botID    int64
	minLevel slog.Level
	prefix   string // pre-rendered attrs from WithAttrs
	group    string
}

// NewHandler wraps inner. Records reaching inner carry a bot_id attribute.
func NewHandler(inner slog.Handler, sink Sink, botID int64, minLevel slog.Level) *Handler {
	return &Handler{
		inner:    inner.WithAttrs([]slog.Attr{slog.Int64("bot_id", botID)}),
		sink:     sink,
		botID:    botID,
		minLevel: minLevel,
	}
}

// NewLogger is a shortcut for slog.New(NewHandler(...)).
func NewLogger(inner slog.Handler, sink Sink, botID int64, minLevel slog.Level) *slog.Logger {
	return slog.New(NewHandler(inner, sink, botID, minLevel))
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.minLevel || h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.inner.Enabled(ctx, r.Level) {
		err = h.inner.Handle(ctx, r)
	}
	if r.Level < h.minLevel || h.sink == nil {
		return err
	}

	// The store write must not be cut short by a cancelled request context.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if serr := h.sink.AddLog(wctx, h.botID, LevelOf(r.Level), h.format(r)); serr != nil {
		h.reportSinkError(ctx, serr)
	}
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	clone := *h
	clone.inner = h.inner.WithAttrs(attrs)
	var b strings.Builder
	b.WriteString(h.prefix)
	for _, a := range attrs {
		appendAttr(&b, h.group, a)
	}
	clone.prefix = b.String()
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.inner = h.inner.WithGroup(name)
	if h.group != "" {
		clone.group = h.group + "." + name
	} else {
		clone.group = name
	}
	return &clone
}

// format renders "message key=value ..." for the log table.
func (h *Handler) format(r slog.Record) string {
	var b strings.Builder
	b.WriteString(r.Message)
	b.WriteString(h.prefix)
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&b, h.group, a)
		return true
	})
	return b.String()
}

func appendAttr(b *strings.Builder, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			appendAttr(b, key, ga)
		}
		return
	}
	val := a.Value.String()
	if strings.ContainsAny(val, " \t\n\"=") {
		val = fmt.Sprintf("%q", val)
	}
	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(val)
}

func (h *Handler) reportSinkError(ctx context.Context, err error) {
	if !h.inner.Enabled(ctx, slog.LevelWarn) {
		return
	}
	r := slog.NewRecord(time.Now(), slog.LevelWarn, "botlog.Handler: failed to persist log line", 0)
	r.AddAttrs(slog.String("error", err.Error()))
	_ = h.inner.Handle(ctx, r)
}

// LevelOf maps a slog level onto the stored level names.
func LevelOf(l slog.Level) models.LogLevel {
	switch {
	case l >= slog.LevelError:
		return models.LogLevelError
	case l >= slog.LevelWarn:
		return models.LogLevelWarning
	case l >= slog.LevelInfo:
		return models.LogLevelInfo
	default:
		return models.LogLevelDebug
	}
}

// ParseLevel accepts slog names and the stored names (WARNING), case-insensitively.
func ParseLevel(s string) (slog.Level, error) {
	if strings.EqualFold(strings.TrimSpace(s), "warning") {
		return slog.LevelWarn, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}
