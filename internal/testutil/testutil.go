// Package testutil provides common test helpers and fixtures for orchestrator tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
)

// TestingT is the subset of testing.TB the assertion helpers use.
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
	Fatalf(format string, args ...interface{})
	Fatal(args ...interface{})
}

var _ TestingT = (*testing.T)(nil)

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TestingT, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TestingT, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
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
func CreateHTTPRequest(t TestingT, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
			return nil
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// CreateJSONRequest creates a request whose body is the given raw JSON text.
func CreateJSONRequest(t TestingT, method, url, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// Bot returns a valid bot bound to the given provider session.
func Bot(id string, kind models.ProviderKind, session string) models.BotInstance {
	return models.BotInstance{
		ID:       id,
		TenantID: "tenant-" + id,
		Name:     id,
		Provider: models.ProviderBinding{Kind: kind, SessionKey: session},
	}
}

// GreetingFlow is the ask-name, greet, end flow used across tests.
func GreetingFlow(id string) models.Flow {
	return models.Flow{
		ID:   id,
		Name: "Greeting",
		Steps: []models.Step{
			{ID: "ask", Type: models.StepQuestion, Text: "What is your name?", Variable: "name", Next: "hi",
				Validation: &models.Validation{Type: models.ValidateText, ErrorMessage: "Please type your name."}},
			{ID: "hi", Type: models.StepMessage, Text: "Hi {{name}}", Next: "bye"},
			{ID: "bye", Type: models.StepEnd},
		},
	}
}

// RecordingPublisher captures published events.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

// Publish records evt.
func (p *RecordingPublisher) Publish(evt models.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

// Events returns a copy of the recorded events.
func (p *RecordingPublisher) Events() []models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Event(nil), p.events...)
}

// Count returns how many events of type t were recorded.
func (p *RecordingPublisher) Count(t models.EventType) int {
	n := 0
	for _, e := range p.Events() {
		if e.Type == t {
			n++
		}
	}
	return n
}

// RecordingSubmitter captures messages handed to a dispatcher. Err, when set, is returned
// instead of recording.
type RecordingSubmitter struct {
	mu   sync.Mutex
	msgs []models.IncomingMessage
	Err  error
}

// Submit records msg.
func (s *RecordingSubmitter) Submit(msg models.IncomingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

// Messages returns a copy of the submitted messages.
func (s *RecordingSubmitter) Messages() []models.IncomingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.IncomingMessage(nil), s.msgs...)
}
