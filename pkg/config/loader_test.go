package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte(content), 0o600))
	return dir
}

const minimalYAML = `
llm:
  api_key: test-key
workers:
  endpoints:
    banker: http://banker:9000
  callback_base_url: http://dirigent:8080
  callback_token: cb-secret
`

func TestInitialize_MinimalConfig(t *testing.T) {
	dir := writeConfig(t, minimalYAML)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	// Defaults survive underneath the user overlay.
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.TickIntervalDuration())
	assert.Equal(t, 10, cfg.Workflow.MaxTurns)
	assert.Equal(t, 80_000, cfg.Brain.TokenSoftLimit)
	assert.Equal(t, 120*time.Second, cfg.Server.RPCTimeout())

	// User values land.
	assert.Equal(t, "test-key", cfg.LLM.APIKey)
	assert.Equal(t, "http://banker:9000", cfg.Workers.Endpoints["banker"])
	assert.Equal(t, dir, cfg.ConfigDir())
}

func TestInitialize_EnvExpansion(t *testing.T) {
	t.Setenv("DIRIGENT_TEST_KEY", "expanded-secret")
	dir := writeConfig(t, `
llm:
  api_key: "{{.DIRIGENT_TEST_KEY}}"
workers:
  submit_timeout: 10s
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "expanded-secret", cfg.LLM.APIKey)
	assert.Equal(t, 10*time.Second, cfg.Workers.SubmitTimeoutDuration())
}

func TestInitialize_MissingFile(t *testing.T) {
	_, err := Initialize(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestInitialize_InvalidYAML(t *testing.T) {
	dir := writeConfig(t, "llm: [unclosed")
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitialize_BadDuration(t *testing.T) {
	dir := writeConfig(t, `
llm:
  api_key: k
scheduler:
  tick_interval: sixty seconds
`)
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestInitialize_ValidationFailure(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing api key", `logging: {level: info}`},
		{"bad log level", "llm: {api_key: k}\nlogging: {level: loud}"},
		{"tick too short", "llm: {api_key: k}\nscheduler: {tick_interval: 1s}"},
		{"worker endpoints without callback", "llm: {api_key: k}\nworkers: {endpoints: {banker: http://b}}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeConfig(t, tt.yaml)
			_, err := Initialize(context.Background(), dir)
			require.Error(t, err)
		})
	}
}
