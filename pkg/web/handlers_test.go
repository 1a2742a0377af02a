package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukex/operion-engine/pkg/clock"
	"github.com/dukex/operion-engine/pkg/cron"
	"github.com/dukex/operion-engine/pkg/expression"
	"github.com/dukex/operion-engine/pkg/models"
	"github.com/dukex/operion-engine/pkg/persistence/memory"
	"github.com/dukex/operion-engine/pkg/registry"
	"github.com/dukex/operion-engine/pkg/web"
	"github.com/dukex/operion-engine/pkg/workflow"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	app   *fiber.App
	store *memory.Persistence
	flows *workflow.Manager
}

func setupTestApp(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := clock.NewFake(start)
	store := memory.NewPersistence(memory.WithClock(c))

	reg := registry.NewRegistry(logger)
	reg.RegisterDefaultSteps()

	flows := workflow.NewManager(logger, store, workflow.NewValidator(reg, expression.NewExprEngine()), workflow.WithManagerClock(c))

	cronManager, err := cron.New(cron.DefaultConfig("node-a"), logger, store, flows, cron.WithClock(c))
	require.NoError(t, err)

	api := web.NewAPI(logger, flows, cronManager, store, reg)

	return &testEnv{app: api.App(), store: store, flows: flows}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader

	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.app.Test(req)
	require.NoError(t, err)

	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, respBody
}

func greetFlow() map[string]any {
	return map[string]any{
		"id":    "greet",
		"name":  "Greet",
		"entry": "hello",
		"steps": map[string]any{
			"hello": map[string]any{"type": "pass"},
		},
	}
}

func registerGreet(t *testing.T, env *testEnv) {
	t.Helper()

	status, body := env.do(t, http.MethodPost, "/flows", greetFlow())
	require.Equal(t, http.StatusCreated, status, string(body))
}

func TestAPI_Health(t *testing.T) {
	env := setupTestApp(t)

	status, body := env.do(t, http.MethodGet, "/livez", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", string(body))

	status, body = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)

	var health map[string]any
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health["status"])
}

func TestAPI_Flows(t *testing.T) {
	env := setupTestApp(t)

	registerGreet(t, env)

	status, body := env.do(t, http.MethodGet, "/flows/greet", nil)
	require.Equal(t, http.StatusOK, status)

	var flow models.FlowDefinition
	require.NoError(t, json.Unmarshal(body, &flow))
	assert.Equal(t, "Greet", flow.Name)
	assert.Equal(t, "hello", flow.Steps["hello"].ID)

	status, body = env.do(t, http.MethodGet, "/flows", nil)
	require.Equal(t, http.StatusOK, status)

	var list struct {
		Flows      []models.FlowDefinition `json:"flows"`
		TotalCount int                     `json:"total_count"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 1, list.TotalCount)

	status, _ = env.do(t, http.MethodGet, "/flows/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPI_CreateFlow_Invalid(t *testing.T) {
	env := setupTestApp(t)

	def := greetFlow()
	def["entry"] = "nowhere"

	status, body := env.do(t, http.MethodPost, "/flows", def)
	require.Equal(t, http.StatusBadRequest, status)

	var problem struct {
		Type   string                  `json:"type"`
		Errors models.ValidationErrors `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(body, &problem))
	assert.Equal(t, "invalid_definition", problem.Type)
	assert.NotEmpty(t, problem.Errors)

	req := httptest.NewRequest(http.MethodPost, "/flows", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := env.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
}

func TestAPI_Instances(t *testing.T) {
	env := setupTestApp(t)
	registerGreet(t, env)

	status, body := env.do(t, http.MethodPost, "/instances", web.CreateInstanceRequest{
		FlowID: "greet",
		Input:  map[string]any{"name": "ana"},
	})
	require.Equal(t, http.StatusCreated, status, string(body))

	var created web.InstanceResponse
	require.NoError(t, json.Unmarshal(body, &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.ExecutionStatusScheduled, created.Status)
	assert.Equal(t, "ana", created.Context["name"])
	assert.Equal(t, "api", created.Trigger["type"])
	require.NotNil(t, created.NextDueAt)

	status, body = env.do(t, http.MethodGet, "/instances/"+created.ID, nil)
	require.Equal(t, http.StatusOK, status)

	var fetched web.InstanceResponse
	require.NoError(t, json.Unmarshal(body, &fetched))
	assert.Equal(t, created.ID, fetched.ID)

	status, _ = env.do(t, http.MethodGet, "/instances/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, http.MethodPost, "/instances", web.CreateInstanceRequest{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, "/instances", web.CreateInstanceRequest{FlowID: "missing"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPI_CancelInstance(t *testing.T) {
	env := setupTestApp(t)
	registerGreet(t, env)

	state, err := env.flows.CreateInstance(context.Background(), "greet", nil, nil)
	require.NoError(t, err)

	status, body := env.do(t, http.MethodPost, "/instances/"+state.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, status, string(body))

	var cancelled web.InstanceResponse
	require.NoError(t, json.Unmarshal(body, &cancelled))
	assert.Equal(t, models.ExecutionStatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.NextDueAt)

	status, _ = env.do(t, http.MethodPost, "/instances/"+state.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestAPI_CancelRunningInstance(t *testing.T) {
	env := setupTestApp(t)
	registerGreet(t, env)

	ctx := context.Background()

	state, err := env.flows.CreateInstance(ctx, "greet", nil, nil)
	require.NoError(t, err)

	state.Status = models.ExecutionStatusRunning
	state.ClaimedBy = "worker-1"
	require.NoError(t, env.store.Save(ctx, state, state.Version))

	status, body := env.do(t, http.MethodPost, "/instances/"+state.ID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, status, string(body))

	var flagged web.InstanceResponse
	require.NoError(t, json.Unmarshal(body, &flagged))
	assert.True(t, flagged.CancelRequested)
	assert.Equal(t, models.ExecutionStatusRunning, flagged.Status)
}

func TestAPI_Cron(t *testing.T) {
	env := setupTestApp(t)
	registerGreet(t, env)

	inactive := false

	status, body := env.do(t, http.MethodPost, "/cron", web.CronEntryRequest{
		ID:             "hourly-greet",
		FlowID:         "greet",
		CronExpression: "@hourly",
	})
	require.Equal(t, http.StatusOK, status, string(body))

	var entry models.CronJobEntry
	require.NoError(t, json.Unmarshal(body, &entry))
	assert.True(t, entry.Active)
	assert.Equal(t, start.Add(time.Hour), entry.NextDueAt.UTC())

	status, _ = env.do(t, http.MethodPost, "/cron", web.CronEntryRequest{
		ID:             "paused",
		FlowID:         "greet",
		CronExpression: "*/5 * * * *",
		Active:         &inactive,
	})
	require.Equal(t, http.StatusOK, status)

	status, body = env.do(t, http.MethodGet, "/cron", nil)
	require.Equal(t, http.StatusOK, status)

	var list struct {
		Entries []models.CronJobEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Entries, 2)

	status, _ = env.do(t, http.MethodPost, "/cron", web.CronEntryRequest{ID: "bad", FlowID: "greet", CronExpression: "whenever"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, "/cron", web.CronEntryRequest{ID: "orphan", FlowID: "missing", CronExpression: "@daily"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPI_Steps(t *testing.T) {
	env := setupTestApp(t)

	status, body := env.do(t, http.MethodGet, "/steps", nil)
	require.Equal(t, http.StatusOK, status)

	var steps struct {
		Steps []registry.StepInfo `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(body, &steps))

	types := make([]string, 0, len(steps.Steps))
	for _, s := range steps.Steps {
		types = append(types, s.Type)
	}

	assert.Contains(t, types, "pass")
	assert.Contains(t, types, "delay")
}
