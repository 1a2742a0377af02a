package workflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderFlowYAML = `
id: orders
name: Order processing
entry: charge
step_timeout: 30s
error_policy:
  kind: default
  max_attempts: 5
  base_delay: 500ms
steps:
  charge:
    type: http_request
    config:
      url: "https://payments.example.com/charge/{{ ctx.order_id }}"
      method: POST
    transitions:
      - to: wait
  wait:
    type: delay
    config:
      duration: 1h
    transitions:
      - to: check
  check:
    type: branch
    config:
      condition: "{{ ctx.paid }}"
    transitions:
      - to: done
        name: "true"
      - to: charge
        name: "false"
  done:
    type: log
    config:
      message: "order {{ ctx.order_id }} done"
`

const cronYAML = `
cron:
  - id: nightly
    flow_id: orders
    cron_expression: "0 2 * * *"
    timezone: Europe/Berlin
    input:
      batch: true
  - id: paused
    flow_id: orders
    cron_expression: "@hourly"
    active: false
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadFlows_File(t *testing.T) {
	path := writeFile(t, t.TempDir(), "orders.yaml", orderFlowYAML)

	flows, err := LoadFlows(path)
	require.NoError(t, err)
	require.Len(t, flows, 1)

	def := flows[0]
	assert.Equal(t, "orders", def.ID)
	assert.Equal(t, "charge", def.Entry)
	assert.Equal(t, 30*time.Second, def.StepTimeout.Std())
	assert.Equal(t, 500*time.Millisecond, def.ErrorPolicy.BaseDelay.Std())
	assert.Len(t, def.Steps, 4)
	assert.Equal(t, "check", def.Steps["check"].ID)
	assert.Equal(t, "true", def.Steps["check"].Transitions[0].Name)

	assert.Empty(t, testValidator().Validate(def))
}

func TestLoadFlows_Directory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.yml", "name: second\nentry: A\nsteps:\n  A:\n    type: pass\n")
	writeFile(t, dir, "a.json", `{"id": "first", "entry": "A", "steps": {"A": {"type": "pass"}}}`)
	writeFile(t, dir, "notes.txt", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yaml"), 0o750))

	flows, err := LoadFlows(dir)
	require.NoError(t, err)
	require.Len(t, flows, 2)

	assert.Equal(t, "first", flows[0].ID)
	assert.Equal(t, "first", flows[0].Name)
	assert.Equal(t, "b", flows[1].ID, "id defaults to the file name")
	assert.Equal(t, "second", flows[1].Name)
}

func TestLoadFlows_Errors(t *testing.T) {
	_, err := LoadFlows(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	path := writeFile(t, t.TempDir(), "broken.yaml", "steps: [")
	_, err = LoadFlows(path)
	assert.ErrorContains(t, err, "broken.yaml")
}

func TestLoadCronEntries(t *testing.T) {
	path := writeFile(t, t.TempDir(), "cron.yaml", cronYAML)

	entries, err := LoadCronEntries(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "nightly", entries[0].ID)
	assert.Equal(t, "Europe/Berlin", entries[0].Timezone)
	assert.True(t, entries[0].Active, "active defaults to true")
	assert.Equal(t, true, entries[0].Input["batch"])
	assert.NoError(t, entries[0].Validate())

	assert.False(t, entries[1].Active)
}
