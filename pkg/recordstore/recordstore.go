// Package recordstore talks to the business application's record API.
package recordstore

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

	"github.com/crmflow/automation/pkg/protocol"
)

const defaultTimeout = 15 * time.Second

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4 << 10

var ErrUnexpectedStatus = errors.New("unexpected status from record store")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrUnexpectedStatus
}

// HTTPClient implements protocol.RecordStore over REST:
// POST {base}/{model} creates and PATCH {base}/{model}/{id} updates.
type HTTPClient struct {
	logger  *slog.Logger
	baseURL string
	client  *http.Client
	headers http.Header
}

type Option func(*HTTPClient)

func WithHTTPClient(client *http.Client) Option {
	return func(c *HTTPClient) { c.client = client }
}

// WithToken sends a bearer token on every request.
func WithToken(token string) Option {
	return func(c *HTTPClient) {
		if token != "" {
			c.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

func WithHeader(key, value string) Option {
	return func(c *HTTPClient) { c.headers.Set(key, value) }
}

func NewHTTPClient(logger *slog.Logger, baseURL string, opts ...Option) (*HTTPClient, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid record store url: %w", err)
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid record store url %q: scheme must be http or https", baseURL)
	}

	c := &HTTPClient{
		logger:  logger.With("module", "recordstore"),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
		headers: http.Header{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func (c *HTTPClient) UpdateFields(ctx context.Context, model, recordID string, fields map[string]any) (map[string]any, error) {
	endpoint := c.baseURL + "/" + url.PathEscape(model) + "/" + url.PathEscape(recordID)

	return c.do(ctx, http.MethodPatch, endpoint, fields)
}

func (c *HTTPClient) Create(ctx context.Context, model string, fields map[string]any) (map[string]any, error) {
	endpoint := c.baseURL + "/" + url.PathEscape(model)

	return c.do(ctx, http.MethodPost, endpoint, fields)
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record fields: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, values := range c.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if info := protocol.RunInfoFrom(ctx); info.WorkflowID != "" {
		req.Header.Set(protocol.WorkflowIDHeader, info.WorkflowID)
		req.Header.Set(protocol.ExecutionIDHeader, info.ExecutionID)
		req.Header.Set(protocol.CascadeDepthHeader, strconv.Itoa(info.CascadeDepth))
	}

	c.logger.DebugContext(ctx, "record store request", "method", method, "url", endpoint)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("record store request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return nil, &StatusError{
			Method:     method,
			URL:        endpoint,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(errBody)),
		}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read record store response: %w", err)
	}

	record := map[string]any{}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return record, nil
	}

	err = json.Unmarshal(respBody, &record)
	if err != nil {
		return nil, fmt.Errorf("failed to decode record store response: %w", err)
	}

	return record, nil
}
