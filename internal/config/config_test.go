package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagesnap/pagesnap/internal/snap"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.DB.Driver)
	assert.Equal(t, 2, cfg.Queues.Concurrency(snap.QueueURLCrawler))
	assert.Equal(t, 1, cfg.Queues.Concurrency(snap.QueueCronJobs))
	assert.Equal(t, 30, cfg.SiteCron.SitemapConcurrency)
	assert.False(t, cfg.SiteCron.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	payload := []byte(`
server:
  port: 9090
db:
  driver: postgres
  dsn: postgres://localhost/pagesnap
site_cron:
  enabled: true
  sites:
    - url: https://example.com
      pathname: "^/(docs|blog)"
      interval_days: 1
`)
	require.NoError(t, os.WriteFile(path, payload, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.DB.Driver)
	require.Len(t, cfg.SiteCron.Sites, 1)
	assert.Equal(t, "^/(docs|blog)", cfg.SiteCron.Sites[0].Pathname)
	assert.Equal(t, 24.0, cfg.SiteCron.Sites[0].Interval().Hours())
}

func TestValidateRejectsBadConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true }},
		{"postgres without dsn", func(c *Config) { c.DB.Driver = "postgres" }},
		{"unknown driver", func(c *Config) { c.DB.Driver = "sybase" }},
		{"bad pathname regexp", func(c *Config) {
			c.SiteCron.Sites = []SiteConfig{{URL: "https://example.com", Pathname: "("}}
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
