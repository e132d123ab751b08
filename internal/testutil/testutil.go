// Package testutil provides common test helpers, fixtures and fakes.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/kuleshov01/new-max-bot/internal/models"
)

// TB is the subset of testing.TB the helpers need.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
	Fatalf(format string, args ...interface{})
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes the API envelope and validates its status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}

// MenuFlow is a two-node flow: a start menu whose "go" button leads to a
// plain message node.
func MenuFlow() *models.Flow {
	return &models.Flow{
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeMenu, Text: "Welcome", IsStart: true,
				Buttons: []models.Button{{ID: "go", Text: "Go"}}},
			{ID: "done", Type: models.NodeTypeMessage, Text: "Done"},
		},
		Connections: []models.Connection{{From: "start", ButtonID: "go", To: "done"}},
	}
}

// BotStarted is a raw bot_started update for chatID.
func BotStarted(chatID int64) string {
	return `{"update_type":"bot_started","chat_id":` + itoa(chatID) + `}`
}

// TextMessage is a raw message_created update carrying text.
func TextMessage(chatID int64, text string) string {
	body, _ := json.Marshal(text)
	return `{"update_type":"message_created","message":{"recipient":{"chat_id":` + itoa(chatID) + `},"body":{"text":` + string(body) + `}}}`
}

// Callback is a raw message_callback update.
func Callback(chatID int64, callbackID, payload string) string {
	id, _ := json.Marshal(callbackID)
	p, _ := json.Marshal(payload)
	return `{"update_type":"message_callback","callback":{"callback_id":` + string(id) + `,"payload":` + string(p) +
		`},"message":{"recipient":{"chat_id":` + itoa(chatID) + `}}}`
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
