package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalYAML = `
upstream:
  base_url: https://api.provider.test
`

func TestLoadFromPath(t *testing.T) {
	t.Run("missing file falls back to defaults plus env", func(t *testing.T) {
		t.Setenv("CHATGATE_UPSTREAM_BASE_URL", "https://api.provider.test")

		cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.Server.Address)
		assert.Equal(t, "https://api.provider.test", cfg.Upstream.BaseURL)
	})

	t.Run("yaml values override defaults", func(t *testing.T) {
		path := writeConfigFile(t, `
server:
  address: ":9000"
upstream:
  base_url: https://api.provider.test
  key_header: authorization
rate_limit:
  strategy: approximate
`)
		cfg, err := LoadFromPath(path)
		require.NoError(t, err)
		assert.Equal(t, ":9000", cfg.Server.Address)
		assert.Equal(t, "authorization", cfg.Upstream.KeyHeader)
		assert.Equal(t, StrategyApproximate, cfg.RateLimit.Strategy)
	})

	t.Run("env overrides yaml", func(t *testing.T) {
		path := writeConfigFile(t, `
server:
  address: ":9000"
upstream:
  base_url: https://api.provider.test
`)
		t.Setenv("CHATGATE_SERVER_ADDRESS", ":7000")
		t.Setenv("CHATGATE_REDIS_ENDPOINTS", "redis-0:6379")

		cfg, err := LoadFromPath(path)
		require.NoError(t, err)
		assert.Equal(t, ":7000", cfg.Server.Address)
		assert.Equal(t, []string{"redis-0:6379"}, cfg.Redis.Endpoints)
	})

	t.Run("enum values are normalized to lowercase", func(t *testing.T) {
		path := writeConfigFile(t, `
upstream:
  base_url: https://api.provider.test
rate_limit:
  strategy: DURABLE
redis:
  endpoints: ["redis-0:6379"]
logging:
  level: Debug
`)
		cfg, err := LoadFromPath(path)
		require.NoError(t, err)
		assert.Equal(t, StrategyDurable, cfg.RateLimit.Strategy)
		assert.Equal(t, LogLevelDebug, cfg.Logging.Level)
	})

	t.Run("malformed yaml is an error", func(t *testing.T) {
		path := writeConfigFile(t, "server: [not a map")
		_, err := LoadFromPath(path)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Defaults()
		cfg.Upstream.BaseURL = "https://api.provider.test"
		return cfg
	}

	t.Run("valid config passes", func(t *testing.T) {
		assert.NoError(t, Validate(valid()))
	})

	cases := []struct {
		name    string
		mutate  func(*Config)
		errPart string
	}{
		{"missing base url", func(c *Config) { c.Upstream.BaseURL = "" }, "base_url"},
		{"base url without scheme", func(c *Config) { c.Upstream.BaseURL = "api.provider.test" }, "base_url"},
		{"negative max attempts", func(c *Config) { c.Upstream.MaxAttempts = -1 }, "max_attempts"},
		{"bad duration", func(c *Config) { c.Server.ReadTimeout = "lots" }, "read_timeout"},
		{"tls without cert", func(c *Config) { c.Server.TLS.Enabled = true }, "cert_file"},
		{"http3 without tls", func(c *Config) { c.Server.TLS.HTTP3Enabled = true }, "http3"},
		{"unknown strategy", func(c *Config) { c.RateLimit.Strategy = "turbo" }, "strategy"},
		{"durable without redis", func(c *Config) { c.RateLimit.Strategy = StrategyDurable }, "redis.endpoints"},
		{"single mode with two endpoints", func(c *Config) {
			c.Redis.Endpoints = []string{"a:6379", "b:6379"}
		}, "single mode"},
		{"sentinel without master", func(c *Config) {
			c.Redis.Endpoints = []string{"a:26379"}
			c.Redis.Mode = RedisModeSentinel
		}, "master_name"},
		{"bad logging level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"tracing without endpoint", func(c *Config) { c.Tracing.Enabled = true }, "tracing.endpoint"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errPart)
		})
	}
}

func TestNormalizeTLSVersion(t *testing.T) {
	assert.Equal(t, "1.3", normalizeTLSVersion("TLS1.3"))
	assert.Equal(t, "1.3", normalizeTLSVersion("tls13"))
	assert.Equal(t, "1.2", normalizeTLSVersion("1.2"))
	assert.Equal(t, "bogus", normalizeTLSVersion("bogus"))
}

func TestRedactedString(t *testing.T) {
	secret := RedactedString("hunter2")

	assert.Equal(t, "hunter2", secret.Value())
	assert.Equal(t, "[REDACTED]", secret.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", secret))
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%#v", secret))

	b, err := json.Marshal(secret)
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(b))

	empty := RedactedString("")
	assert.Equal(t, "", empty.String())
	b, err = json.Marshal(empty)
	require.NoError(t, err)
	assert.Equal(t, `""`, string(b))
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	d, err = ParseDuration("250ms", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = ParseDuration("nope", 5*time.Second)
	assert.Error(t, err)

	assert.Equal(t, 5*time.Second, MustParseDuration("nope", 5*time.Second))
}

func TestRequiresRestart(t *testing.T) {
	oldCfg := Defaults()
	newCfg := Defaults()

	assert.Empty(t, newCfg.RequiresRestart(oldCfg))

	newCfg.Server.Address = ":1234"
	newCfg.Redis.Mode = RedisModeCluster
	fields := newCfg.RequiresRestart(oldCfg)
	assert.Contains(t, fields, "server.address")
	assert.Contains(t, fields, "redis.mode")

	assert.Nil(t, newCfg.RequiresRestart(nil))
}

func TestConfigFilePath(t *testing.T) {
	t.Setenv("CHATGATE_CONFIG_FILE", "")
	assert.Equal(t, defaultConfigFile, ConfigFilePath())

	t.Setenv("CHATGATE_CONFIG_FILE", "/tmp/custom.yaml")
	assert.Equal(t, "/tmp/custom.yaml", ConfigFilePath())
}
