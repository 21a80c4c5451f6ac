package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/illmade-knight/go-robobridge/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "robobridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.HTTPAddr)
	assert.Equal(t, "/ws", cfg.WSPath)
	assert.Equal(t, 100, cfg.MaxConnections)
	assert.Equal(t, 1000, cfg.QueueCapacity)
	assert.Equal(t, 10000, cfg.MessageBufferSize)
	assert.Equal(t, 5*time.Second, cfg.TopologyCacheTTL)
	assert.Equal(t, []string{"/initialpose", "/goal_pose"}, cfg.LatchedTopics)
	assert.Equal(t, config.BusMemory, cfg.Bus.Kind)
	assert.Equal(t, "/robobridge", cfg.NodeName())
	assert.Nil(t, cfg.TopologyRedis)
	assert.False(t, cfg.Export.Enabled)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
http_addr: ":9090"
max_connections: 5
spin_timeout: 25ms
image_resample: false
latched_topics: ["/map"]
topology_redis:
  addr: "localhost:6379"
bus:
  kind: mqtt
  mqtt:
    broker_url: "tcp://broker:1883"
    allow_public_broker: true
export:
  enabled: true
  project_id: "proj"
  topic_id: "bridge-traffic"
  topics: ["/scan"]
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 5, cfg.MaxConnections)
	assert.Equal(t, 25*time.Millisecond, cfg.SpinTimeout)
	assert.False(t, cfg.ImageResample)
	assert.Equal(t, []string{"/map"}, cfg.NegotiatorConfig().LatchedTopics)
	require.NotNil(t, cfg.TopologyRedis)
	assert.Equal(t, 5*time.Second, cfg.TopologyRedis.CacheTTL)
	assert.Equal(t, "robobridge:topology:", cfg.TopologyRedis.KeyPrefix)
	assert.Equal(t, config.BusMQTT, cfg.Bus.Kind)
	assert.Equal(t, "tcp://broker:1883", cfg.Bus.MQTT.BrokerURL)
	assert.Equal(t, "robobridge/data", cfg.Bus.MQTT.TopicPrefix, "unset mqtt fields keep their defaults")
	assert.Equal(t, []string{"/scan"}, cfg.Export.Topics)
	assert.Equal(t, 100, cfg.Export.BatchSize)

	gw := cfg.GatewayConfig()
	assert.Equal(t, 5, gw.MaxConnections)
	assert.Equal(t, 1000, gw.Ingest.Capacity)
	assert.False(t, cfg.CodecOptions().ResampleImages)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(config.EnvHTTPAddr, ":7000")
	t.Setenv(config.EnvMaxConnections, "3")
	t.Setenv(config.EnvDomainID, "42")
	t.Setenv(config.EnvTopologyCacheTTL, "1s")
	t.Setenv(config.EnvRedisAddr, "redis:6379")
	t.Setenv(config.EnvQueueCapacity, "not-a-number")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.HTTPAddr)
	assert.Equal(t, 3, cfg.MaxConnections)
	assert.Equal(t, 42, cfg.GatewayConfig().DomainID)
	assert.Equal(t, time.Second, cfg.TopologyCacheTTL)
	require.NotNil(t, cfg.TopologyRedis)
	assert.Equal(t, "redis:6379", cfg.TopologyRedis.Addr)
	assert.Equal(t, time.Second, cfg.TopologyRedis.CacheTTL)
	assert.Equal(t, 1000, cfg.QueueCapacity, "invalid values are ignored")
}

func TestLoad_Invalid(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{name: "unknown bus", body: "bus:\n  kind: carrier-pigeon\n"},
		{name: "mqtt without broker", body: "bus:\n  kind: mqtt\n"},
		{name: "export without topic", body: "export:\n  enabled: true\n  project_id: p\n"},
		{name: "relative ws path", body: "ws_path: ws\n"},
		{name: "bad yaml", body: "max_connections: [\n"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
