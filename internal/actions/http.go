package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/flow"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
)

const maxResponseBody = 1 << 20

// APICallHandler performs the HTTP request an api_call step describes.
//
// Parameters: url (required), method (default GET, or POST when body is set), body,
// headers ("Name: value" pairs separated by newlines), result_variable and result_path.
// When result_path is set it is a gjson path into the JSON response; otherwise the
// whole body is stored.
type APICallHandler struct {
	client *http.Client
}

// NewAPICallHandler creates an APICallHandler. A nil client uses http.DefaultClient.
func NewAPICallHandler(client *http.Client) *APICallHandler {
	if client == nil {
		client = http.DefaultClient
	}
	return &APICallHandler{client: client}
}

func (h *APICallHandler) Handle(ctx context.Context, action flow.PendingAction) (Result, error) {
	target := strings.TrimSpace(action.Parameters["url"])
	if target == "" {
		return Result{}, fmt.Errorf("api_call requires a url parameter")
	}
	body := action.Parameters["body"]
	method := strings.ToUpper(strings.TrimSpace(action.Parameters["method"]))
	if method == "" {
		method = http.MethodGet
		if body != "" {
			method = http.MethodPost
		}
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	if body != "" && gjson.Valid(body) {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, line := range strings.Split(action.Parameters["headers"], "\n") {
		name, value, ok := strings.Cut(line, ":")
		if ok && strings.TrimSpace(name) != "" {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}

	respBody, err := doRequest(h.client, req)
	if err != nil {
		return Result{}, err
	}

	variable := action.Parameters["result_variable"]
	if variable == "" {
		return Result{}, nil
	}
	value := strings.TrimSpace(string(respBody))
	if path := action.Parameters["result_path"]; path != "" {
		value = gjson.GetBytes(respBody, path).String()
	}
	return Result{Variables: map[string]any{variable: value}}, nil
}

// ServiceHandler forwards send_email, create_order and update_customer actions to the
// collaborating service configured for the kind. The request carries the rendered
// parameters and the conversation variables; the "variables" object of a JSON response
// is merged back into the conversation.
type ServiceHandler struct {
	client *http.Client
	url    string
}

// NewServiceHandler creates a ServiceHandler posting to url.
func NewServiceHandler(client *http.Client, url string) *ServiceHandler {
	if client == nil {
		client = http.DefaultClient
	}
	return &ServiceHandler{client: client, url: url}
}

type serviceRequest struct {
	Kind           models.ActionKind `json:"kind"`
	Name           string            `json:"name,omitempty"`
	ConversationID string            `json:"conversation_id"`
	BotID          string            `json:"bot_id"`
	Address        string            `json:"address"`
	Parameters     map[string]string `json:"parameters"`
	Variables      map[string]any    `json:"variables"`
}

func (h *ServiceHandler) Handle(ctx context.Context, action flow.PendingAction) (Result, error) {
	if h.url == "" {
		return Result{}, fmt.Errorf("no service url configured for %s", action.Kind)
	}
	if action.Kind == models.ActionSendEmail && action.Parameters["to"] == "" {
		return Result{}, fmt.Errorf("send_email requires a to parameter")
	}
	payload, err := json.Marshal(serviceRequest{
		Kind:           action.Kind,
		Name:           action.Name,
		ConversationID: action.ConversationID,
		BotID:          action.BotID,
		Address:        action.Address,
		Parameters:     action.Parameters,
		Variables:      action.Variables,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	respBody, err := doRequest(h.client, req)
	if err != nil {
		return Result{}, err
	}
	vars := gjson.GetBytes(respBody, "variables")
	if !vars.IsObject() {
		return Result{}, nil
	}
	out := make(map[string]any)
	vars.ForEach(func(key, value gjson.Result) bool {
		out[key.String()] = value.Value()
		return true
	})
	return Result{Variables: out}, nil
}

func doRequest(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s returned %d", req.Method, req.URL.Redacted(), resp.StatusCode)
	}
	return body, nil
}
