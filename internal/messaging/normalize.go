package messaging

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/tidwall/gjson"

	"github.com/kuleshov01/new-max-bot/internal/flow"
)

// Update types the runtime reacts to. Everything else is skipped.
const (
	UpdateBotStarted      = "bot_started"
	UpdateMessageCreated  = "message_created"
	UpdateMessageCallback = "message_callback"
)

const startCommand = "/start"

var (
	// ErrMalformedUpdate is returned for payloads that are not JSON objects.
	ErrMalformedUpdate = errors.New("malformed update")
	// ErrNoChatID is returned when no known field carries the chat id.
	ErrNoChatID = errors.New("update has no chat id")
)

// chatIDPaths lists where the platform has been seen to put the chat id, most
// specific first.
var chatIDPaths = []string{
	"chat_id",
	"message.recipient.chat_id",
	"message.sender.chat_id",
	"sender.chat_id",
	"message.chat.id",
}

// Inbound is a normalized update. Event is nil when the update carries nothing
// the interpreter acts on; the caller still advances the marker.
type Inbound struct {
	Type       string
	ChatID     string
	CallbackID string
	Event      flow.Event
}

// Normalize maps one raw platform update onto a flow event.
func Normalize(raw []byte) (Inbound, error) {
	if !gjson.ValidBytes(raw) {
		return Inbound{}, ErrMalformedUpdate
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Inbound{}, ErrMalformedUpdate
	}

	in := Inbound{Type: root.Get("update_type").String()}
	if in.Type == "" {
		in.Type = root.Get("type").String()
	}

	switch in.Type {
	case UpdateBotStarted, UpdateMessageCreated, UpdateMessageCallback:
	default:
		return in, nil
	}

	in.ChatID = extractChatID(root)
	if in.ChatID == "" {
		return in, fmt.Errorf("%s: %w", in.Type, ErrNoChatID)
	}

	switch in.Type {
	case UpdateBotStarted:
		in.Event = flow.StartCommand{}
	case UpdateMessageCallback:
		cb := root.Get("callback")
		in.CallbackID = cb.Get("callback_id").String()
		if in.CallbackID == "" {
			in.CallbackID = cb.Get("id").String()
		}
		in.Event = flow.ButtonPress{Payload: cb.Get("payload").String()}
	case UpdateMessageCreated:
		ev, err := messageEvent(root.Get("message.body"))
		if err != nil {
			return in, err
		}
		in.Event = ev
	}
	return in, nil
}

func extractChatID(root gjson.Result) string {
	for _, path := range chatIDPaths {
		r := root.Get(path)
		if !r.Exists() || r.Type == gjson.Null {
			continue
		}
		if id := r.String(); id != "" {
			return id
		}
	}
	return ""
}

// messageEvent turns a message body into an event. Contact and location
// attachments win over the text.
func messageEvent(body gjson.Result) (flow.Event, error) {
	for _, raw := range body.Get("attachments").Array() {
		att, err := decodeAttachment(raw)
		if err != nil {
			return nil, err
		}
		switch att.Type {
		case "contact":
			name, phone := att.contact()
			return flow.ContactReceived{Name: name, Phone: phone}, nil
		case "location":
			lat, lon := att.location()
			return flow.LocationReceived{Latitude: lat, Longitude: lon}, nil
		}
	}

	text := strings.TrimSpace(body.Get("text").String())
	switch {
	case text == "":
		return nil, nil
	case text == startCommand:
		return flow.StartCommand{}, nil
	default:
		return flow.Text{Body: text}, nil
	}
}

type attachment struct {
	Type      string            `mapstructure:"type"`
	Latitude  float64           `mapstructure:"latitude"`
	Longitude float64           `mapstructure:"longitude"`
	Payload   attachmentPayload `mapstructure:"payload"`
}

type attachmentPayload struct {
	VCFInfo   string      `mapstructure:"vcf_info"`
	VCFPhone  string      `mapstructure:"vcf_phone"`
	MaxInfo   contactInfo `mapstructure:"max_info"`
	Latitude  float64     `mapstructure:"latitude"`
	Longitude float64     `mapstructure:"longitude"`
}

type contactInfo struct {
	Name      string `mapstructure:"name"`
	FirstName string `mapstructure:"first_name"`
	LastName  string `mapstructure:"last_name"`
}

func decodeAttachment(raw gjson.Result) (attachment, error) {
	var att attachment
	m, ok := raw.Value().(map[string]any)
	if !ok {
		return att, fmt.Errorf("attachment: %w", ErrMalformedUpdate)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &att,
	})
	if err != nil {
		return att, err
	}
	if err := dec.Decode(m); err != nil {
		return att, fmt.Errorf("attachment %q: %w", att.Type, err)
	}
	return att, nil
}

func (a attachment) contact() (name, phone string) {
	info := a.Payload.MaxInfo
	name = info.Name
	if name == "" {
		name = strings.TrimSpace(info.FirstName + " " + info.LastName)
	}
	vcfName, vcfPhone := parseVCard(a.Payload.VCFInfo)
	if name == "" {
		name = vcfName
	}
	phone = a.Payload.VCFPhone
	if phone == "" {
		phone = vcfPhone
	}
	return name, phone
}

func (a attachment) location() (lat, lon float64) {
	if a.Latitude != 0 || a.Longitude != 0 {
		return a.Latitude, a.Longitude
	}
	return a.Payload.Latitude, a.Payload.Longitude
}

// parseVCard pulls the formatted name and first phone number out of a vCard.
func parseVCard(vcf string) (name, phone string) {
	for _, line := range strings.Split(strings.ReplaceAll(vcf, "\r\n", "\n"), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		// TEL;TYPE=cell:+7... carries parameters before the colon.
		prop, _, _ := strings.Cut(strings.ToUpper(key), ";")
		switch prop {
		case "FN":
			if name == "" {
				name = strings.TrimSpace(value)
			}
		case "TEL":
			if phone == "" {
				phone = strings.TrimSpace(value)
			}
		}
	}
	return name, phone
}
