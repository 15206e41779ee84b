package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9999"
mysql:
  dsn: "root:pw@tcp(db:3306)/storyflow?parseTime=true"
redis:
  addr: "cache:6379"
worker:
  addr: "http://gpu-worker:8188"
`), 0o644))
	t.Setenv("CONFIG_PATH", path)

	InitConfig()

	assert.Equal(t, "9999", AppConfig.Server.Port)
	assert.Equal(t, "cache:6379", AppConfig.Redis.Addr)
	assert.Equal(t, "http://gpu-worker:8188", AppConfig.Worker.Addr)

	// unset knobs fall back to defaults
	assert.Equal(t, 5, AppConfig.Worker.Concurrency)
	assert.Equal(t, 3, AppConfig.Pipeline.MaxRetries)
	assert.Equal(t, 5, AppConfig.Pipeline.RetryBackoffSecs)
	assert.Equal(t, 300, AppConfig.Stream.IdleTimeoutSecs)
	assert.Equal(t, 128, AppConfig.Stream.PoolSize)
}

func TestInitConfigExplicitValuesWin(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
worker:
  concurrency: 12
pipeline:
  max_retries: 1
  retry_backoff_secs: 2
stream:
  idle_timeout_secs: 60
  pool_size: 16
`), 0o644))
	t.Setenv("CONFIG_PATH", path)

	InitConfig()

	assert.Equal(t, 12, AppConfig.Worker.Concurrency)
	assert.Equal(t, 1, AppConfig.Pipeline.MaxRetries)
	assert.Equal(t, 2, AppConfig.Pipeline.RetryBackoffSecs)
	assert.Equal(t, 60, AppConfig.Stream.IdleTimeoutSecs)
	assert.Equal(t, 16, AppConfig.Stream.PoolSize)
}
