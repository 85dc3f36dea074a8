package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite3", cfg.DB.Driver)
	assert.Equal(t, 180*24*time.Hour, cfg.Retention.Window)
	assert.True(t, cfg.Retention.PruneOnWrite)
	assert.Equal(t, "none", cfg.Geo.Provider)
	assert.Equal(t, DefaultBuckets, cfg.Geo.Buckets)
	assert.Equal(t, []string{"favicon.ico"}, cfg.ExcludedKeys)
	assert.Empty(t, cfg.AdminToken)
	assert.False(t, cfg.TrustProxy)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hitcounter.yaml")
	err := os.WriteFile(path, []byte(`
port: 9000
adminToken: from-file
db:
  driver: postgres
  dsn: postgres://localhost/hits?sslmode=disable
retention:
  window: 8760h
geo:
  provider: countryis
  timeout: 250ms
  buckets: [US, DE]
`), 0o644)
	require.NoError(t, err)

	t.Setenv("ADMIN_TOKEN", "from-env")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("TRUST_PROXY", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "from-env", cfg.AdminToken)
	assert.Equal(t, "postgres", cfg.DB.Driver)
	assert.Equal(t, 365*24*time.Hour, cfg.Retention.Window)
	assert.Equal(t, "countryis", cfg.Geo.Provider)
	assert.Equal(t, 250*time.Millisecond, cfg.Geo.Timeout)
	assert.Equal(t, []string{"US", "DE"}, cfg.Geo.Buckets)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "hits", cfg.Kafka.Topic)
	assert.True(t, cfg.TrustProxy)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_InvalidEnvIgnored(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	t.Setenv("RETENTION", "forever")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 180*24*time.Hour, cfg.Retention.Window)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad driver", func(c *Config) { c.DB.Driver = "mysql" }},
		{"empty dsn", func(c *Config) { c.DB.DSN = "" }},
		{"zero retention", func(c *Config) { c.Retention.Window = 0 }},
		{"unknown geo provider", func(c *Config) { c.Geo.Provider = "ipinfo" }},
		{"maxmind without db", func(c *Config) { c.Geo.Provider = "maxmind" }},
		{"negative rps", func(c *Config) { c.RateLimit.RPS = -1 }},
		{"port out of range", func(c *Config) { c.Port = 70000 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}
