// Package httprequest provides a step that performs an HTTP request.
//
// Network errors, 5xx and 429 responses are reported as retryable failures so
// the flow's error policy can back off; other 4xx responses fail permanently.
package httprequest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/operion-engine/pkg/expression"
	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/protocol"
	"github.com/go-resty/resty/v2"
)

const (
	Type = "http_request"

	defaultTimeout = 30 * time.Second
)

var (
	ErrMissingURL    = errors.New("missing required field 'url'")
	ErrInvalidMethod = errors.New("invalid HTTP method")
)

var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// StatusError is returned for responses with a 4xx or 5xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth retrying.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

type Step struct {
	client *resty.Client
}

// NewStep creates the step. A nil client gets a default resty client.
func NewStep(client *resty.Client) *Step {
	if client == nil {
		client = resty.New()
	}

	return &Step{client: client}
}

func (s *Step) Type() string {
	return Type
}

func (s *Step) Name() string {
	return "HTTP Request"
}

func (s *Step) Description() string {
	return "Performs an HTTP request and stores status, headers and body in the context"
}

func (s *Step) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Request URL. Supports expressions.",
				"examples":    []string{"https://api.example.com/orders/{{ ctx.order_id }}"},
			},
			"method": map[string]any{
				"type":    "string",
				"enum":    []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
				"default": "GET",
			},
			"headers": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"query": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"body": map[string]any{
				"description": "Request body. Objects and arrays are sent as JSON.",
			},
			"timeout": map[string]any{
				"type":    "string",
				"default": "30s",
			},
			"result_key": map[string]any{
				"type":        "string",
				"description": "Context key the response is stored under. Defaults to the step id.",
			},
		},
		"required": []string{"url"},
	}
}

func (s *Step) Validate(config map[string]any) error {
	url, ok := config["url"].(string)
	if !ok || url == "" {
		return ErrMissingURL
	}

	if method, ok := config["method"].(string); ok && !expression.IsExpression(method) {
		if !allowedMethods[strings.ToUpper(method)] {
			return fmt.Errorf("%w: %s", ErrInvalidMethod, method)
		}
	}

	if timeout, ok := config["timeout"].(string); ok && !expression.IsExpression(timeout) {
		if _, err := time.ParseDuration(timeout); err != nil {
			return fmt.Errorf("invalid timeout %q: %w", timeout, err)
		}
	}

	return nil
}

func (s *Step) Execute(ctx context.Context, in protocol.StepInput) models.StepResult {
	url, ok := in.Config["url"].(string)
	if !ok || url == "" {
		return models.Failure(ErrMissingURL, false)
	}

	method := http.MethodGet
	if m, ok := in.Config["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	timeout := defaultTimeout
	if raw, ok := in.Config["timeout"].(string); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return models.Failure(fmt.Errorf("invalid timeout %q: %w", raw, err), false)
		}

		timeout = d
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := s.client.R().
		SetContext(reqCtx).
		SetHeaders(stringMap(in.Config["headers"])).
		SetQueryParams(stringMap(in.Config["query"]))

	if body, ok := in.Config["body"]; ok && body != nil {
		req.SetBody(body)

		if _, isString := body.(string); !isString && req.Header.Get("Content-Type") == "" {
			req.SetHeader("Content-Type", "application/json")
		}
	}

	resp, err := req.Execute(method, url)
	if err != nil {
		return models.Failure(fmt.Errorf("request failed: %w", err), true)
	}

	if resp.StatusCode() >= http.StatusBadRequest {
		statusErr := &StatusError{StatusCode: resp.StatusCode(), Body: string(resp.Body())}

		return models.Failure(statusErr, statusErr.Retryable())
	}

	headers := make(map[string]any, len(resp.Header()))
	for k := range resp.Header() {
		headers[k] = resp.Header().Get(k)
	}

	response := map[string]any{
		"status":  resp.StatusCode(),
		"headers": headers,
		"body":    decodeBody(resp.Body()),
	}

	key := in.StepID
	if k, ok := in.Config["result_key"].(string); ok && k != "" {
		key = k
	}

	return models.Success(map[string]any{key: response})
}

func decodeBody(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err == nil {
		return decoded
	}

	return string(raw)
}

func stringMap(raw any) map[string]string {
	out := make(map[string]string)

	switch v := raw.(type) {
	case map[string]string:
		for k, val := range v {
			out[k] = val
		}
	case map[string]any:
		for k, val := range v {
			out[k] = fmt.Sprint(val)
		}
	}

	return out
}
