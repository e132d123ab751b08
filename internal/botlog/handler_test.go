package botlog

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuleshov01/new-max-bot/internal/models"
)

type line struct {
	botID   int64
	level   models.LogLevel
	message string
}

type memSink struct {
	mu    sync.Mutex
	lines []line
	err   error
}

func (s *memSink) AddLog(ctx context.Context, botID int64, level models.LogLevel, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.lines = append(s.lines, line{botID, level, message})
	return nil
}

func TestHandlerTeesToSink(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	sink := &memSink{}
	logger := NewLogger(inner, sink, 42, slog.LevelInfo)

	logger.Debug("noise")
	logger.Info("Worker.run: connected", "name", "Shop bot")
	logger.With("chat_id", "7").WithGroup("node").Warn("stalled", "id", "n2")
	logger.Error("boom", slog.Group("req", slog.Int("status", 500)))

	require.Len(t, sink.lines, 3)
	assert.Equal(t, line{42, models.LogLevelInfo, `Worker.run: connected name="Shop bot"`}, sink.lines[0])
	assert.Equal(t, line{42, models.LogLevelWarning, "stalled chat_id=7 node.id=n2"}, sink.lines[1])
	assert.Equal(t, line{42, models.LogLevelError, "boom req.status=500"}, sink.lines[2])

	out := buf.String()
	assert.Contains(t, out, "msg=noise")
	assert.Contains(t, out, "bot_id=42")
}

func TestSinkFailureDoesNotPropagate(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, nil)
	sink := &memSink{err: errors.New("database is locked")}
	h := NewHandler(inner, sink, 1, slog.LevelInfo)

	r := slog.NewRecord(time.Now(), slog.LevelError, "send failed", 0)
	require.NoError(t, h.Handle(context.Background(), r))
	assert.Contains(t, buf.String(), "failed to persist log line")
	assert.Contains(t, buf.String(), "database is locked")
}

func TestEnabledHonorsBothLevels(t *testing.T) {
	inner := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError})
	h := NewHandler(inner, &memSink{}, 1, slog.LevelInfo)
	ctx := context.Background()
	assert.False(t, h.Enabled(ctx, slog.LevelDebug))
	assert.True(t, h.Enabled(ctx, slog.LevelInfo))
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug, "INFO": slog.LevelInfo, "warn": slog.LevelWarn,
		"WARNING": slog.LevelWarn, " error ": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestLevelOf(t *testing.T) {
	assert.Equal(t, models.LogLevelDebug, LevelOf(slog.LevelDebug))
	assert.Equal(t, models.LogLevelInfo, LevelOf(slog.LevelInfo+1))
	assert.Equal(t, models.LogLevelWarning, LevelOf(slog.LevelWarn))
	assert.Equal(t, models.LogLevelError, LevelOf(slog.LevelError+4))
}
