package httprequest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPRequest_Validate(t *testing.T) {
	step := NewStep(nil)

	assert.NoError(t, step.Validate(map[string]any{"url": "https://example.com"}))
	assert.NoError(t, step.Validate(map[string]any{"url": "{{ ctx.url }}", "method": "post"}))
	assert.ErrorIs(t, step.Validate(map[string]any{}), ErrMissingURL)
	assert.ErrorIs(t, step.Validate(map[string]any{"url": "x", "method": "FETCH"}), ErrInvalidMethod)
	assert.Error(t, step.Validate(map[string]any{"url": "x", "timeout": "forever"}))
}

func TestHTTPRequest_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "abc", r.Header.Get("X-Token"))
		assert.Equal(t, "1", r.URL.Query().Get("page"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ana", body["name"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 7}`))
	}))
	defer server.Close()

	result := NewStep(nil).Execute(context.Background(), protocol.StepInput{
		StepID: "create",
		Config: map[string]any{
			"url":     server.URL,
			"method":  "post",
			"headers": map[string]any{"X-Token": "abc"},
			"query":   map[string]any{"page": 1},
			"body":    map[string]any{"name": "ana"},
		},
	})

	require.Equal(t, models.StepOutcomeSuccess, result.Outcome)

	output := result.Output.(map[string]any)
	response := output["create"].(map[string]any)
	assert.Equal(t, http.StatusOK, response["status"])
	assert.Equal(t, map[string]any{"id": float64(7)}, response["body"])
	assert.Equal(t, "application/json", response["headers"].(map[string]any)["Content-Type"])
}

func TestHTTPRequest_ResultKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("plain text"))
	}))
	defer server.Close()

	result := NewStep(nil).Execute(context.Background(), protocol.StepInput{
		StepID: "fetch",
		Config: map[string]any{"url": server.URL, "result_key": "page"},
	})

	require.Equal(t, models.StepOutcomeSuccess, result.Outcome)
	response := result.Output.(map[string]any)["page"].(map[string]any)
	assert.Equal(t, "plain text", response["body"])
}

func TestHTTPRequest_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"server error", http.StatusBadGateway, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"not found", http.StatusNotFound, false},
		{"bad request", http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			result := NewStep(nil).Execute(context.Background(), protocol.StepInput{
				StepID: "call",
				Config: map[string]any{"url": server.URL},
			})

			require.Equal(t, models.StepOutcomeFailure, result.Outcome)
			assert.Equal(t, tt.retryable, result.Retryable)

			var statusErr *StatusError
			require.ErrorAs(t, result.Err, &statusErr)
			assert.Equal(t, tt.status, statusErr.StatusCode)
		})
	}
}

func TestHTTPRequest_NetworkErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	result := NewStep(nil).Execute(context.Background(), protocol.StepInput{
		StepID: "call",
		Config: map[string]any{"url": url},
	})

	assert.Equal(t, models.StepOutcomeFailure, result.Outcome)
	assert.True(t, result.Retryable)
}
