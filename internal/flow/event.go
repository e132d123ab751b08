// Package flow interprets a bot's dialog graph as a per-chat state machine.
//
// The transport layer normalizes platform updates into the closed Event variant
// below; the Interpreter consumes events and returns the messages to send.
package flow

import (
	"fmt"

	"github.com/kuleshov01/new-max-bot/internal/models"
)

// ButtonPayloadPrefix marks callback payloads produced by flow buttons.
const ButtonPayloadPrefix = "btn:"

// EventKind names an Event variant, mainly for logs and metrics.
type EventKind string

const (
	KindStart    EventKind = "start"
	KindText     EventKind = "text"
	KindButton   EventKind = "button"
	KindContact  EventKind = "contact"
	KindLocation EventKind = "location"
)

// Event is an interpreter input. The set of implementations is closed.
type Event interface {
	Kind() EventKind
	sealed()
}

// StartCommand restarts the conversation from the start node.
type StartCommand struct{}

// Text is a free-text message from the user.
type Text struct {
	Body string
}

// ButtonPress is a callback from an inline button.
type ButtonPress struct {
	Payload string
}

// ContactReceived carries a shared contact card.
type ContactReceived struct {
	Name  string
	Phone string
}

// LocationReceived carries a shared geo position.
type LocationReceived struct {
	Latitude  float64
	Longitude float64
}

func (StartCommand) Kind() EventKind     { return KindStart }
func (Text) Kind() EventKind             { return KindText }
func (ButtonPress) Kind() EventKind      { return KindButton }
func (ContactReceived) Kind() EventKind  { return KindContact }
func (LocationReceived) Kind() EventKind { return KindLocation }

func (StartCommand) sealed()     {}
func (Text) sealed()             {}
func (ButtonPress) sealed()      {}
func (ContactReceived) sealed()  {}
func (LocationReceived) sealed() {}

// ButtonPayload builds the callback payload for a flow button.
func ButtonPayload(buttonID string) string {
	return ButtonPayloadPrefix + buttonID
}

// Outbound is a message the transport should deliver to a chat.
type Outbound struct {
	ChatID  string
	Text    string
	Format  models.TextFormat
	Buttons []models.Button
}

func (o Outbound) String() string {
	return fmt.Sprintf("Outbound{chat=%s len=%d buttons=%d}", o.ChatID, len(o.Text), len(o.Buttons))
}
