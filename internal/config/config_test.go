package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tritrack/compliance/internal/models"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "@every 1m", cfg.Retention.TickSchedule)
	assert.Equal(t, 365, cfg.Retention.ArchiveRetentionDays)
	assert.Equal(t, 24*time.Hour, cfg.Monitor.IncidentSLA)
	assert.Equal(t, models.SeverityHigh, cfg.Notifications.MinSeverity)

	assert.ErrorContains(t, cfg.Validate(), "encryption.master_key is required")
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_MASTER_KEY", "0123456789abcdef0123456789abcdef")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
encryption:
  master_key: ${TEST_MASTER_KEY}
retention:
  concurrency: 8
  max_job_duration: 30m
monitor:
  incident_sla: 48h
notifications:
  min_severity: MEDIUM
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.Encryption.MasterKey)
	assert.Equal(t, 8, cfg.Retention.Concurrency)
	assert.Equal(t, 30*time.Minute, cfg.Retention.MaxJobDuration)
	assert.Equal(t, 48*time.Hour, cfg.Monitor.IncidentSLA)
	assert.Equal(t, models.SeverityMedium, cfg.Notifications.MinSeverity)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: ["), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "parsing config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"negative backoff", func(c *Config) { c.Retention.RetryBackoff = -time.Minute }, "retention durations"},
		{"bad severity", func(c *Config) { c.Notifications.MinSeverity = "URGENT" }, "min_severity"},
		{"slack without webhook", func(c *Config) { c.Notifications.Slack.Enabled = true }, "webhook_url"},
		{"email without host", func(c *Config) { c.Notifications.Email.Enabled = true }, "smtp_host"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Encryption.MasterKey = "0123456789abcdef0123456789abcdef"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
