package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultListenAddr, cfg.Listen)
	assert.Equal(t, "/var/lib/drover", cfg.DataDir)
	assert.Equal(t, []string{"simulated"}, cfg.Providers)
	assert.Equal(t, 1000, cfg.Queue.MaxSize)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.False(t, cfg.Queue.FailExpired)
	assert.Equal(t, 30*time.Second, cfg.Hub.HeartbeatInterval)
	assert.Equal(t, "zstd", cfg.Hub.Compression)
	assert.Equal(t, 30*time.Second, cfg.Autoscale.Interval)
	assert.Equal(t, 60*time.Second, cfg.Metrics.Interval)
	assert.Equal(t, 15*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, 10*time.Second, cfg.Reconcile.Interval)
	assert.Equal(t, 30*time.Second, cfg.ShutdownGrace)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "/run/containerd/containerd.sock", cfg.Containerd.Address)
	assert.Equal(t, "drover", cfg.Containerd.Namespace)
	assert.Equal(t, "8", cfg.Simulated.TotalCPU)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "drover.yaml")
	content := `
listen: ":9000"
data_dir: /tmp/drover-test
providers: [containerd, simulated]
log:
  level: debug
  pretty: true
queue:
  max_size: 50
  fail_expired: true
hub:
  heartbeat_interval: 10s
  compression: gzip
autoscale:
  interval: 5s
cluster:
  endpoint: https://cluster.internal:7430
  api_token: secret
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "/tmp/drover-test", cfg.DataDir)
	assert.Equal(t, []string{"containerd", "simulated"}, cfg.Providers)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Pretty)
	assert.Equal(t, 50, cfg.Queue.MaxSize)
	assert.True(t, cfg.Queue.FailExpired)
	assert.Equal(t, 10*time.Second, cfg.Hub.HeartbeatInterval)
	assert.Equal(t, "gzip", cfg.Hub.Compression)
	assert.Equal(t, 5*time.Second, cfg.Autoscale.Interval)
	assert.Equal(t, "https://cluster.internal:7430", cfg.Cluster.Endpoint)
	assert.Equal(t, "secret", cfg.Cluster.APIToken)

	// Untouched keys keep their defaults.
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, 60*time.Second, cfg.Metrics.Interval)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "drover.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":9000\"\n"), 0o644))

	t.Setenv("DROVER_LISTEN", ":9100")
	t.Setenv("DROVER_QUEUE_MAX_SIZE", "25")
	t.Setenv("DROVER_HUB_HEARTBEAT_INTERVAL", "45s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Listen)
	assert.Equal(t, 25, cfg.Queue.MaxSize)
	assert.Equal(t, 45*time.Second, cfg.Hub.HeartbeatInterval)
}

func TestLoadExplicitFileMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "drover.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unclosed\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
