package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/limitlink/limiter"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const sample = `
store: redis
prefix: api
redis:
  addr: ${TEST_REDIS_ADDR:-localhost:6380}
  db: 2
  dial_timeout: 2s
http:
  addr: ":9090"
rules:
  burst:
    times: 5
    seconds: 1
  steady:
    times: 100
    minutes: 1
    mode: sliding
  off:
    times: 1
    milliseconds: -1
routes:
  - method: get
    path: /items
    rules: [burst, steady]
  - path: /health
websocket:
  path: /ws
  rule: burst
grpc:
  addr: ":9091"
  methods:
    /grpc.health.v1.Health/Check: [burst]
  streams:
    /grpc.health.v1.Health/Watch: steady
`

func TestLoad(t *testing.T) {
	path := writeFile(t, t.TempDir(), "limitlink.yaml", sample)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "api", cfg.Prefix)
	assert.Equal(t, "localhost:6380", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, 2*time.Second, cfg.Redis.DialTimeout)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 10*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, []string{"burst", "off", "steady"}, cfg.RuleNames())
	assert.Equal(t, limiter.SlidingWindow, cfg.Rules["steady"].Mode)
	assert.Equal(t, limiter.FixedWindow, cfg.Rules["burst"].Mode)
	require.Len(t, cfg.Routes, 2)
	assert.Equal(t, []string{"burst", "steady"}, cfg.Routes[0].Rules)
	assert.Equal(t, []string{"burst"}, cfg.GRPC.Methods["/grpc.health.v1.Health/Check"])
	assert.Equal(t, "steady", cfg.GRPC.Streams["/grpc.health.v1.Health/Watch"])

	rules, err := cfg.BuildRules()
	require.NoError(t, err)
	assert.True(t, rules["off"].Disabled())
	assert.Equal(t, int64(60000), rules["steady"].WindowMs())
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeFile(t, t.TempDir(), "limitlink.yaml", sample)
	t.Setenv("TEST_REDIS_ADDR", "redis:6379")
	t.Setenv("LIMITLINK_PREFIX", "edge")
	t.Setenv("LIMITLINK_FAIL_OPEN", "true")
	t.Setenv("LIMITLINK_REDIS_DB", "4")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "edge", cfg.Prefix)
	assert.True(t, cfg.FailOpen)
	assert.Equal(t, 4, cfg.Redis.DB)

	t.Setenv("LIMITLINK_REDIS_DB", "four")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestLoadDotEnvNextToConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "limitlink.yaml", "store: memory\n")
	writeFile(t, dir, ".env", "LIMITLINK_HTTP_ADDR=:7070\n")
	t.Cleanup(func() { os.Unsetenv("LIMITLINK_HTTP_ADDR") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, ":7070", cfg.HTTP.Addr)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, StoreRedis, cfg.Store)
	assert.Equal(t, limiter.DefaultPrefix, cfg.Prefix)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Empty(t, cfg.Rules)
}

func TestLoadErrors(t *testing.T) {
	tests := map[string]string{
		"unknown field": "stroe: redis\n",
		"bad rule":      "rules:\n  r:\n    times: -1\n    seconds: 1\n",
		"zero window":   "rules:\n  r:\n    times: 1\n",
		"unknown ref":   "routes:\n  - path: /x\n    rules: [missing]\n",
		"bad method":    "rules:\n  r: {times: 1, seconds: 1}\nroutes:\n  - path: /x\n    method: FETCH\n    rules: [r]\n",
		"bad path":      "routes:\n  - path: x\n",
		"bad store":     "store: etcd\n",
		"bad mode":      "rules:\n  r: {times: 1, seconds: 1, mode: bucket}\n",
		"bad yaml":      "rules: [\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "c.yaml", body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
