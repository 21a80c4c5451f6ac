// Package config loads the robobridge process configuration: defaults, an
// optional YAML file, then ROBOBRIDGE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-robobridge/pkg/cache"
	"github.com/illmade-knight/go-robobridge/pkg/codec"
	"github.com/illmade-knight/go-robobridge/pkg/export"
	"github.com/illmade-knight/go-robobridge/pkg/gateway"
	"github.com/illmade-knight/go-robobridge/pkg/messagepipeline"
	"github.com/illmade-knight/go-robobridge/pkg/microservice"
	"github.com/illmade-knight/go-robobridge/pkg/mqttbus"
	"github.com/illmade-knight/go-robobridge/pkg/qos"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Bus kinds.
const (
	BusMemory = "memory"
	BusMQTT   = "mqtt"
)

// BusConfig selects the middleware transport.
type BusConfig struct {
	Kind string          `yaml:"kind"`
	MQTT *mqttbus.Config `yaml:"mqtt"`
}

// Config is the complete process configuration.
type Config struct {
	LogLevel           string   `yaml:"log_level"`
	HTTPAddr           string   `yaml:"http_addr"`
	WSPath             string   `yaml:"ws_path"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`

	MaxConnections    int           `yaml:"max_connections"`
	QueueCapacity     int           `yaml:"queue_capacity"`
	DropLogEvery      uint64        `yaml:"drop_log_every"`
	MessageBufferSize int           `yaml:"message_buffer_size"`
	SpinTimeout       time.Duration `yaml:"spin_timeout"`
	SpinInterval      time.Duration `yaml:"spin_interval"`
	SendBuffer        int           `yaml:"send_buffer"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`

	QoSRetryDelay   time.Duration `yaml:"qos_retry_delay"`
	QoSKeepAllDepth int           `yaml:"qos_keep_all_depth"`
	QoSDefaultDepth int           `yaml:"qos_default_depth"`
	LatchedTopics   []string      `yaml:"latched_topics"`

	PointCloudMaxPoints int  `yaml:"pointcloud_max_points"`
	ImageMaxPixels      int  `yaml:"image_max_pixels"`
	ImageResample       bool `yaml:"image_resample"`

	TopologyCacheTTL time.Duration      `yaml:"topology_cache_ttl"`
	TopologyRedis    *cache.RedisConfig `yaml:"topology_redis"`

	DomainID       int    `yaml:"domain_id"`
	BridgeNodeName string `yaml:"bridge_node_name"`

	Bus    BusConfig      `yaml:"bus"`
	Export *export.Config `yaml:"export"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	ingest := messagepipeline.NewIngestQueueDefaults()
	negotiation := qos.DefaultConfig()
	codecOpts := codec.DefaultOptions()
	gw := gateway.DefaultConfig()
	return &Config{
		LogLevel:            "info",
		HTTPAddr:            ":8000",
		WSPath:              "/ws",
		CORSAllowedOrigins:  []string{"*"},
		MaxConnections:      gw.MaxConnections,
		QueueCapacity:       ingest.Capacity,
		DropLogEvery:        ingest.DropLogEvery,
		MessageBufferSize:   gw.RecentCapacity,
		SpinTimeout:         gw.SpinTimeout,
		SpinInterval:        gw.SpinInterval,
		SendBuffer:          gw.SendBuffer,
		WriteTimeout:        gw.WriteTimeout,
		PingInterval:        gw.PingInterval,
		QoSRetryDelay:       negotiation.RetryDelay,
		QoSKeepAllDepth:     negotiation.KeepAllDepth,
		QoSDefaultDepth:     negotiation.DefaultDepth,
		LatchedTopics:       negotiation.LatchedTopics,
		PointCloudMaxPoints: codecOpts.PointCloudMaxPoints,
		ImageMaxPixels:      codecOpts.ImageMaxPixels,
		ImageResample:       codecOpts.ResampleImages,
		TopologyCacheTTL:    5 * time.Second,
		BridgeNodeName:      "robobridge",
		Bus:                 BusConfig{Kind: BusMemory, MQTT: mqttbus.DefaultConfig()},
		Export:              export.NewPubsubExporterDefaults(),
	}
}

// Load builds the configuration. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Env variable names.
const (
	EnvLogLevel         = "ROBOBRIDGE_LOG_LEVEL"
	EnvHTTPAddr         = "ROBOBRIDGE_HTTP_ADDR"
	EnvMaxConnections   = "ROBOBRIDGE_MAX_CONNECTIONS"
	EnvQueueCapacity    = "ROBOBRIDGE_QUEUE_CAPACITY"
	EnvDomainID         = "ROBOBRIDGE_DOMAIN_ID"
	EnvBusKind          = "ROBOBRIDGE_BUS_KIND"
	EnvTopologyCacheTTL = "ROBOBRIDGE_TOPOLOGY_CACHE_TTL"
	EnvRedisAddr        = "ROBOBRIDGE_REDIS_ADDR"
	EnvExportEnabled    = "ROBOBRIDGE_EXPORT_ENABLED"
	EnvExportProjectID  = "ROBOBRIDGE_EXPORT_PROJECT_ID"
	EnvExportTopicID    = "ROBOBRIDGE_EXPORT_TOPIC_ID"
)

// ApplyEnv overrides fields from the environment. Unparseable values are
// logged and ignored.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvHTTPAddr); v != "" {
		c.HTTPAddr = v
	}
	envInt(EnvMaxConnections, &c.MaxConnections)
	envInt(EnvQueueCapacity, &c.QueueCapacity)
	envInt(EnvDomainID, &c.DomainID)
	if v := os.Getenv(EnvBusKind); v != "" {
		c.Bus.Kind = v
	}
	if v := os.Getenv(EnvTopologyCacheTTL); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.TopologyCacheTTL = d
		} else {
			log.Printf("config: error parsing %s: %s, using %s", EnvTopologyCacheTTL, err, c.TopologyCacheTTL)
		}
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		if c.TopologyRedis == nil {
			c.TopologyRedis = &cache.RedisConfig{}
		}
		c.TopologyRedis.Addr = v
	}
	if c.Export == nil {
		c.Export = export.NewPubsubExporterDefaults()
	}
	if v := os.Getenv(EnvExportEnabled); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Export.Enabled = b
		} else {
			log.Printf("config: error parsing %s: %s", EnvExportEnabled, err)
		}
	}
	if v := os.Getenv(EnvExportProjectID); v != "" {
		c.Export.ProjectID = v
	}
	if v := os.Getenv(EnvExportTopicID); v != "" {
		c.Export.TopicID = v
	}
	if c.Bus.MQTT == nil {
		c.Bus.MQTT = mqttbus.DefaultConfig()
	}
	c.Bus.MQTT.ApplyEnv()
}

func envInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("config: error parsing %s: %s, using %d", name, err, *dst)
		return
	}
	*dst = n
}

// applyDefaults fills zero values a partial YAML file may leave behind.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = def.HTTPAddr
	}
	if c.WSPath == "" {
		c.WSPath = def.WSPath
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.DropLogEvery == 0 {
		c.DropLogEvery = def.DropLogEvery
	}
	if c.MessageBufferSize <= 0 {
		c.MessageBufferSize = def.MessageBufferSize
	}
	if c.TopologyCacheTTL <= 0 {
		c.TopologyCacheTTL = def.TopologyCacheTTL
	}
	if c.BridgeNodeName == "" {
		c.BridgeNodeName = def.BridgeNodeName
	}
	if c.Bus.Kind == "" {
		c.Bus.Kind = def.Bus.Kind
	}
	if c.TopologyRedis != nil {
		c.TopologyRedis.CacheTTL = c.TopologyCacheTTL
		if c.TopologyRedis.KeyPrefix == "" {
			c.TopologyRedis.KeyPrefix = "robobridge:topology:"
		}
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if !strings.HasPrefix(c.WSPath, "/") {
		errs = append(errs, fmt.Errorf("ws_path must start with '/': %q", c.WSPath))
	}
	switch c.Bus.Kind {
	case BusMemory:
	case BusMQTT:
		if err := c.Bus.MQTT.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("bus.mqtt: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bus kind %q", c.Bus.Kind))
	}
	if c.TopologyRedis != nil && c.TopologyRedis.Addr == "" {
		errs = append(errs, errors.New("topology_redis.addr is required when topology_redis is set"))
	}
	if c.Export != nil && c.Export.Enabled && (c.Export.ProjectID == "" || c.Export.TopicID == "") {
		errs = append(errs, errors.New("export requires project_id and topic_id"))
	}
	if c.DomainID < 0 {
		errs = append(errs, fmt.Errorf("domain_id must not be negative: %d", c.DomainID))
	}
	return errors.Join(errs...)
}

// NodeName returns the bridge node name in its fully qualified form.
func (c *Config) NodeName() string {
	if strings.HasPrefix(c.BridgeNodeName, "/") {
		return c.BridgeNodeName
	}
	return "/" + c.BridgeNodeName
}

// GatewayConfig projects the gateway settings.
func (c *Config) GatewayConfig() gateway.Config {
	gw := gateway.DefaultConfig()
	gw.MaxConnections = c.MaxConnections
	gw.Ingest = messagepipeline.IngestQueueConfig{Capacity: c.QueueCapacity, DropLogEvery: c.DropLogEvery}
	gw.RecentCapacity = c.MessageBufferSize
	gw.SpinTimeout = c.SpinTimeout
	gw.SpinInterval = c.SpinInterval
	gw.SendBuffer = c.SendBuffer
	gw.WriteTimeout = c.WriteTimeout
	gw.PingInterval = c.PingInterval
	gw.DomainID = c.DomainID
	gw.AllowedOrigins = c.CORSAllowedOrigins
	return gw
}

// NegotiatorConfig projects the QoS negotiation settings.
func (c *Config) NegotiatorConfig() qos.Config {
	return qos.Config{
		RetryDelay:    c.QoSRetryDelay,
		DefaultDepth:  c.QoSDefaultDepth,
		KeepAllDepth:  c.QoSKeepAllDepth,
		LatchedTopics: c.LatchedTopics,
	}
}

// CodecOptions projects the payload bounds.
func (c *Config) CodecOptions() codec.Options {
	opts := codec.DefaultOptions()
	opts.PointCloudMaxPoints = c.PointCloudMaxPoints
	opts.ImageMaxPixels = c.ImageMaxPixels
	opts.ResampleImages = c.ImageResample
	return opts
}

// ServerConfig projects the HTTP server settings.
func (c *Config) ServerConfig() microservice.BaseConfig {
	return microservice.BaseConfig{
		HTTPAddr:       c.HTTPAddr,
		AllowedOrigins: c.CORSAllowedOrigins,
	}
}
