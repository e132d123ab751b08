// Package messaging connects bot workers to the MAX messaging platform.
//
// Platform is the transport contract a worker polls and sends through. Raw
// updates are turned into flow events by Normalize, the only place that knows
// the loosely structured update shapes.
package messaging

import (
	"context"
	"encoding/json"

	"github.com/kuleshov01/new-max-bot/internal/flow"
)

// BotInfo describes the bot account behind a token.
type BotInfo struct {
	UserID    int64  `json:"user_id"`
	Name      string `json:"name"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// DisplayName returns the best human-readable name for logs.
func (b BotInfo) DisplayName() string {
	if b.Name != "" {
		return b.Name
	}
	if b.FirstName != "" {
		return b.FirstName
	}
	return "unknown"
}

// Batch is one long-poll result. Marker is the cursor to pass on the next
// fetch; nil means the platform returned none and the previous one stays.
type Batch struct {
	Updates []json.RawMessage
	Marker  *int64
}

// Platform is the messaging transport used by a bot worker.
type Platform interface {
	// Me returns the bot account the token belongs to.
	Me(ctx context.Context) (BotInfo, error)

	// FetchUpdates long-polls for updates after marker. It blocks at most for
	// the client's poll timeout and returns early when ctx is cancelled.
	FetchUpdates(ctx context.Context, marker *int64) (Batch, error)

	// SendMessage delivers an outbound message with its inline keyboard.
	SendMessage(ctx context.Context, msg flow.Outbound) error

	// AnswerCallback acknowledges a button callback, optionally showing a notification.
	AnswerCallback(ctx context.Context, callbackID, notification string) error
}
