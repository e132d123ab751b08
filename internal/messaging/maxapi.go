package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/kuleshov01/new-max-bot/internal/flow"
	"github.com/kuleshov01/new-max-bot/internal/models"
)

const (
	// DefaultPollTimeout is how long the platform may hold a long-poll open.
	DefaultPollTimeout = 30 * time.Second
	// DefaultRequestTimeout bounds every other call, and pads the long-poll.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultUpdateLimit caps updates returned per poll.
	DefaultUpdateLimit = 100

	maxResponseBytes = 4 << 20
)

// APIError is a non-2xx answer from the platform.
type APIError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" || e.Message != "" {
		return fmt.Sprintf("%s: status %d: %s: %s", e.Op, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
}

// MaxClient implements Platform against the MAX Bot API over HTTPS.
type MaxClient struct {
	baseURL        string
	token          string
	httpClient     *http.Client
	pollTimeout    time.Duration
	requestTimeout time.Duration
	updateLimit    int
}

// ClientOption configures a MaxClient.
type ClientOption func(*MaxClient)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(m *MaxClient) {
		if c != nil {
			m.httpClient = c
		}
	}
}

// WithPollTimeout sets the long-poll timeout passed to the platform.
func WithPollTimeout(d time.Duration) ClientOption {
	return func(m *MaxClient) {
		if d > 0 {
			m.pollTimeout = d
		}
	}
}

// WithRequestTimeout sets the timeout of non-polling calls.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(m *MaxClient) {
		if d > 0 {
			m.requestTimeout = d
		}
	}
}

// NewMaxClient creates a client for baseURL authenticated with token.
func NewMaxClient(baseURL, token string, opts ...ClientOption) *MaxClient {
	if baseURL == "" {
		baseURL = models.DefaultBaseURL
	}
	c := &MaxClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		token:          token,
		httpClient:     &http.Client{},
		pollTimeout:    DefaultPollTimeout,
		requestTimeout: DefaultRequestTimeout,
		updateLimit:    DefaultUpdateLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewPlatformForBot builds the client for a stored bot. The bot's own base URL
// wins over defaultBaseURL.
func NewPlatformForBot(bot models.Bot, defaultBaseURL string, opts ...ClientOption) *MaxClient {
	baseURL := bot.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return NewMaxClient(baseURL, bot.Token, opts...)
}

// Me implements Platform.
func (c *MaxClient) Me(ctx context.Context) (BotInfo, error) {
	var info BotInfo
	if err := c.do(ctx, http.MethodGet, "/me", nil, nil, &info, c.requestTimeout); err != nil {
		return BotInfo{}, err
	}
	return info, nil
}

// FetchUpdates implements Platform.
func (c *MaxClient) FetchUpdates(ctx context.Context, marker *int64) (Batch, error) {
	q := url.Values{}
	q.Set("timeout", strconv.Itoa(int(c.pollTimeout/time.Second)))
	q.Set("limit", strconv.Itoa(c.updateLimit))
	if marker != nil {
		q.Set("marker", strconv.FormatInt(*marker, 10))
	}

	var resp struct {
		Updates []json.RawMessage `json:"updates"`
		Marker  *int64            `json:"marker"`
	}
	if err := c.do(ctx, http.MethodGet, "/updates", q, nil, &resp, c.pollTimeout+c.requestTimeout); err != nil {
		return Batch{}, err
	}
	return Batch{Updates: resp.Updates, Marker: resp.Marker}, nil
}

type sendMessageRequest struct {
	Text        string               `json:"text"`
	Format      string               `json:"format,omitempty"`
	Attachments []keyboardAttachment `json:"attachments,omitempty"`
}

type keyboardAttachment struct {
	Type    string          `json:"type"`
	Payload keyboardPayload `json:"payload"`
}

type keyboardPayload struct {
	Buttons [][]keyboardButton `json:"buttons"`
}

type keyboardButton struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Payload string `json:"payload,omitempty"`
	URL     string `json:"url,omitempty"`
	WebApp  string `json:"web_app,omitempty"`
}

// SendMessage implements Platform.
func (c *MaxClient) SendMessage(ctx context.Context, msg flow.Outbound) error {
	if msg.ChatID == "" {
		return errors.New("MaxClient.SendMessage: empty chat id")
	}
	body := sendMessageRequest{Text: msg.Text, Format: wireFormat(msg.Format)}
	if kb := buildKeyboard(msg.Buttons); kb != nil {
		body.Attachments = []keyboardAttachment{*kb}
	}
	q := url.Values{}
	q.Set("chat_id", msg.ChatID)
	return c.do(ctx, http.MethodPost, "/messages", q, body, nil, c.requestTimeout)
}

// AnswerCallback implements Platform.
func (c *MaxClient) AnswerCallback(ctx context.Context, callbackID, notification string) error {
	if callbackID == "" {
		return errors.New("MaxClient.AnswerCallback: empty callback id")
	}
	q := url.Values{}
	q.Set("callback_id", callbackID)
	body := struct {
		Notification string `json:"notification,omitempty"`
	}{Notification: notification}
	return c.do(ctx, http.MethodPost, "/answers", q, body, nil, c.requestTimeout)
}

func wireFormat(f models.TextFormat) string {
	switch f {
	case models.FormatHTML:
		return "html"
	case models.FormatPlain:
		return ""
	default:
		return "markdown"
	}
}

// buildKeyboard lays the buttons out one per row.
func buildKeyboard(buttons []models.Button) *keyboardAttachment {
	if len(buttons) == 0 {
		return nil
	}
	rows := make([][]keyboardButton, 0, len(buttons))
	for _, b := range buttons {
		kb := keyboardButton{Type: string(b.EffectiveType()), Text: b.Text}
		switch b.EffectiveType() {
		case models.ButtonTypeLink:
			kb.URL = b.URL
		case models.ButtonTypeOpenApp:
			kb.WebApp = b.App
			kb.Payload = b.AppPayload
		default:
			kb.Payload = flow.ButtonPayload(b.ID)
		}
		rows = append(rows, []keyboardButton{kb})
	}
	return &keyboardAttachment{Type: "inline_keyboard", Payload: keyboardPayload{Buttons: rows}}
}

func (c *MaxClient) do(ctx context.Context, method, path string, query url.Values, in, out any, timeout time.Duration) error {
	op := method + " " + path
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if query == nil {
		query = url.Values{}
	}
	query.Set("access_token", c.token)

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query.Encode(), body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// url.Error carries the full URL, token included.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			urlErr.URL = c.baseURL + path
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Op: op, StatusCode: resp.StatusCode}
		if gjson.ValidBytes(raw) {
			apiErr.Code = gjson.GetBytes(raw, "code").String()
			apiErr.Message = gjson.GetBytes(raw, "message").String()
		}
		return apiErr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		slog.Debug("MaxClient.do: undecodable response", "op", op, "status", resp.StatusCode, "bytes", len(raw))
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

var _ Platform = (*MaxClient)(nil)
