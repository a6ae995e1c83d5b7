// Package webhook provides the webhook action, an outbound HTTP call.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/crmflow/automation/pkg/actions"
	"github.com/crmflow/automation/pkg/models"
	"github.com/crmflow/automation/pkg/protocol"
)

const (
	defaultTimeout = 30 * time.Second
	maxBodySize    = 1 << 20
)

var (
	// ErrHTTPRequestURLInvalid is returned when the url is missing or not http(s).
	ErrHTTPRequestURLInvalid = errors.New("invalid webhook url")
	// ErrUnexpectedStatus is returned when the endpoint answers with a non-2xx status.
	ErrUnexpectedStatus = errors.New("webhook returned non-2xx status")
)

type Action struct {
	logger *slog.Logger
	client *http.Client
}

// NewAction creates the action. A nil client gets a default one.
func NewAction(logger *slog.Logger, client *http.Client) *Action {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	return &Action{
		logger: logger.With("module", "webhook_action"),
		client: client,
	}
}

func (a *Action) Type() string {
	return string(models.ActionWebhook)
}

// Execute sends the request. The body may be a string, sent as is, or any
// JSON value, which is encoded and sent as application/json. When body is
// omitted the triggering event is sent. The response is returned as output
// for every status; non-2xx statuses are also reported as an error.
func (a *Action) Execute(ctx context.Context, config map[string]any, event models.Event) (map[string]any, error) {
	url := actions.String(config, "url")
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("%w: %q", ErrHTTPRequestURLInvalid, url)
	}

	method := strings.ToUpper(actions.StringOr(config, "method", http.MethodPost))

	body, contentType, err := buildBody(config, event)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	for key, value := range actions.StringMap(config, "headers") {
		req.Header.Set(key, value)
	}

	info := protocol.RunInfoFrom(ctx)
	if info.ExecutionID != "" {
		req.Header.Set("X-Crmflow-Execution", info.ExecutionID)
	}

	a.logger.DebugContext(ctx, "sending webhook", "method", method, "url", url)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}

	return a.processResponse(ctx, resp)
}

func buildBody(config map[string]any, event models.Event) (io.Reader, string, error) {
	raw, ok := config["body"]
	if !ok {
		raw = event.Data()
	}

	switch v := raw.(type) {
	case nil:
		return http.NoBody, "", nil
	case string:
		contentType := "text/plain; charset=utf-8"
		if json.Valid([]byte(v)) {
			contentType = "application/json"
		}

		return strings.NewReader(v), contentType, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal body: %w", err)
		}

		return strings.NewReader(string(b)), "application/json", nil
	}
}

func (a *Action) processResponse(ctx context.Context, resp *http.Response) (map[string]any, error) {
	defer func() {
		_ = resp.Body.Close()
	}()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var body any

	err = json.Unmarshal(bodyBytes, &body)
	if err != nil {
		body = string(bodyBytes)
	}

	result := map[string]any{
		"status_code": resp.StatusCode,
		"body":        body,
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return result, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	a.logger.DebugContext(ctx, "webhook completed", "status_code", resp.StatusCode, "body_length", len(bodyBytes))

	return result, nil
}

func (a *Action) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"title":       "URL",
				"type":        "string",
				"pattern":     "^https?://",
				"description": "Endpoint to call. Supports templating, e.g. 'https://hooks.example.com/{{ .record_id }}'.",
			},
			"method": map[string]any{
				"type":    "string",
				"default": "POST",
				"enum":    []any{"GET", "POST", "PUT", "PATCH", "DELETE"},
			},
			"headers": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"body": map[string]any{
				"description": "Request body. A string is sent as is; any other JSON value is encoded. Defaults to the triggering event.",
			},
		},
		"required":             []any{"url"},
		"additionalProperties": false,
	}
}
