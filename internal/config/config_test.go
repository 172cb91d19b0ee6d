package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/weatherflow/internal/scheduler"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(APIKeyEnv, "secret")

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "weather_etl", cfg.Graph)
	assert.Equal(t, scheduler.DefaultExpression, cfg.Schedule.Expression)
	assert.False(t, cfg.Schedule.CatchUp)
	assert.Equal(t, "secret", cfg.Source.APIKey)
	assert.Len(t, cfg.Source.Locations, 50)
	assert.Equal(t, "pt_br", cfg.Source.Language)
	assert.Equal(t, 30*24*time.Hour, cfg.Storage.Retention)
	assert.False(t, cfg.Email.Enabled())

	p, err := cfg.RetryPolicy()
	require.NoError(t, err)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 5*time.Minute, p.Delay)
	assert.Equal(t, 30*time.Minute, p.Timeout)
	assert.Equal(t, scheduler.BackoffFixed, p.Backoff)
	assert.False(t, p.IsRetryable(scheduler.DataQuality(errors.New("bad row"))))
}

func TestLoad_File(t *testing.T) {
	t.Setenv(APIKeyEnv, "")
	path := writeConfig(t, `
schedule:
  expression: "@every 6h"
  catchup: true
  start_date: "2024-03-01"
retry:
  max_attempts: 5
  delay: 1m
  backoff: exponential
  max_delay: 10m
  retry_data_quality: true
source:
  api_key: from-file
  locations: [Recife, Natal]
email:
  host: smtp.example.com
  recipients: [ops@example.com]
`)

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, "@every 6h", cfg.Schedule.Expression)
	assert.True(t, cfg.Schedule.CatchUp)
	start, err := cfg.Schedule.Start()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, "from-file", cfg.Source.APIKey)
	assert.Equal(t, []string{"Recife", "Natal"}, cfg.Source.Locations)
	assert.True(t, cfg.Email.Enabled())
	assert.Equal(t, 587, cfg.Mail().Port)

	p, err := cfg.RetryPolicy()
	require.NoError(t, err)
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, scheduler.BackoffExponential, p.Backoff)
	assert.Equal(t, 10*time.Minute, p.MaxDelay)
	assert.True(t, p.IsRetryable(scheduler.DataQuality(errors.New("bad row"))))
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
retry:
  max_attempts: 5
source:
  api_key: from-file
`)
	t.Setenv("WEATHERFLOW_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("WEATHERFLOW_SOURCE_API_KEY", "from-env")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.Equal(t, "from-env", cfg.Source.APIKey)
}

func TestLoad_Flags(t *testing.T) {
	t.Setenv(APIKeyEnv, "secret")
	v := New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(v, fs))
	require.NoError(t, fs.Parse([]string{"--schedule", "@daily", "--catchup"}))

	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, "@daily", cfg.Schedule.Expression)
	assert.True(t, cfg.Schedule.CatchUp)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing explicit file", func(t *testing.T) {
		t.Setenv(APIKeyEnv, "secret")
		_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	tests := []struct {
		name string
		body string
	}{
		{"no api key", "source:\n  api_key: \"\"\n"},
		{"unknown backoff", "source:\n  api_key: k\nretry:\n  backoff: linear\n"},
		{"zero attempts", "source:\n  api_key: k\nretry:\n  max_attempts: 0\n"},
		{"bad start date", "source:\n  api_key: k\nschedule:\n  start_date: yesterday\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(APIKeyEnv, "")
			_, err := Load(New(), writeConfig(t, tt.body))

			var cfgErr *scheduler.ConfigurationError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}
