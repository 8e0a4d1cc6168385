package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("RUNNER_ADDR", "127.0.0.1:9090")
	path := write(t, "host.yaml", `
server:
  addr: ${RUNNER_ADDR}
  codec: json
  heartbeat: 5s
discovery:
  endpoints: ["127.0.0.1:2379"]
  ttl: 15
limits:
  rate: 100
  burst: 10
log:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr)
	assert.Equal(t, "json", cfg.Server.Codec)
	assert.Equal(t, 5*time.Second, Duration(cfg.Server.Heartbeat))
	assert.Equal(t, []string{"127.0.0.1:2379"}, cfg.Discovery.Endpoints)
	assert.EqualValues(t, 15, cfg.Discovery.TTL)
	assert.Equal(t, 100.0, cfg.Limits.Rate)
	assert.Equal(t, "debug", cfg.Log.Level)

	// untouched fields keep their defaults
	assert.Equal(t, "tcp", cfg.Server.Network)
	assert.Equal(t, "/runner-rpc", cfg.Discovery.Prefix)
	assert.Equal(t, 2, cfg.Client.PoolSize)
}

func TestLoadTOML(t *testing.T) {
	path := write(t, "host.toml", `
[server]
addr = ":7171"
websocket_addr = ":7172"
shutdown_timeout = "3s"

[client]
balancer = "consistent_hash"
pool_size = 4
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7171", cfg.Server.Addr)
	assert.Equal(t, ":7172", cfg.Server.WebSocketAddr)
	assert.Equal(t, 3*time.Second, Duration(cfg.Server.ShutdownTimeout))
	assert.Equal(t, "consistent_hash", cfg.Client.Balancer)
	assert.Equal(t, 4, cfg.Client.PoolSize)
	assert.Equal(t, "binary", cfg.Server.Codec)
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	_, err := Load(write(t, "host.ini", "addr=1"))
	assert.ErrorContains(t, err, "unsupported format")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Server.Codec = "xml"
	cfg.Server.Heartbeat = "soon"
	cfg.Client.Balancer = "fastest"
	cfg.Discovery.Endpoints = []string{"127.0.0.1:2379"}
	cfg.Discovery.TTL = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "server.codec")
	assert.ErrorContains(t, err, "server.heartbeat")
	assert.ErrorContains(t, err, "client.balancer")
	assert.ErrorContains(t, err, "discovery.ttl")
}

func TestNewLogger(t *testing.T) {
	l, err := LogConfig{Level: "warn"}.NewLogger()
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(-1))

	_, err = LogConfig{Level: "loud"}.NewLogger()
	assert.Error(t, err)
}
