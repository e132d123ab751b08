package models

import (
	"errors"
	"time"
)

// DefaultBaseURL is the MAX Bot API endpoint used when a bot has none configured.
const DefaultBaseURL = "https://platform-api.max.ru"

var (
	ErrBotNotFound  = errors.New("bot not found")
	ErrFlowNotFound = errors.New("flow not found")
	ErrEmptyName    = errors.New("bot name cannot be empty")
	ErrEmptyToken   = errors.New("bot token cannot be empty")
)

// BotStatus is the persisted lifecycle state of a bot.
type BotStatus string

const (
	BotStatusRunning BotStatus = "running"
	BotStatusStopped BotStatus = "stopped"
)

// Bot is a configured bot as stored by the administration layer.
type Bot struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Token     string    `json:"token,omitempty"`
	BaseURL   string    `json:"base_url"`
	Status    BotStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the fields required to create a bot.
func (b *Bot) Validate() error {
	if b.Name == "" {
		return ErrEmptyName
	}
	if b.Token == "" {
		return ErrEmptyToken
	}
	return nil
}

// EffectiveBaseURL returns the configured API base URL or the default one.
func (b *Bot) EffectiveBaseURL() string {
	if b.BaseURL == "" {
		return DefaultBaseURL
	}
	return b.BaseURL
}

// Redacted returns a copy without the access token, for API output.
func (b Bot) Redacted() Bot {
	b.Token = ""
	return b
}

// LogLevel names the severity of a bot log line.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// LogEntry is one structured log line attributed to a bot.
type LogEntry struct {
	ID        int64     `json:"id"`
	BotID     int64     `json:"bot_id"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
