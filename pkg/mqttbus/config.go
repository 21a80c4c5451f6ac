package mqttbus

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds the broker connection settings and the topic layout used to
// carry bus traffic over MQTT.
type Config struct {
	// BrokerURL is the full URL of the MQTT broker to connect to.
	// Example: "tls://mqtt.example.com:8883"
	BrokerURL string `yaml:"broker_url"`
	// ClientIDPrefix is a prefix for the MQTT client ID. A unique suffix is
	// added because brokers require client ids to be unique.
	ClientIDPrefix string `yaml:"client_id_prefix"`
	// AllowPublicBroker permits connecting without credentials.
	AllowPublicBroker bool   `yaml:"allow_public_broker"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	// TopicPrefix is prepended to bus topic names to form MQTT data topics.
	TopicPrefix string `yaml:"topic_prefix"`
	// AnnouncePrefix is where nodes publish their retained endpoint announcements.
	AnnouncePrefix string `yaml:"announce_prefix"`
	// InboxSize bounds messages received from the broker but not yet spun.
	InboxSize int `yaml:"inbox_size"`

	KeepAlive        time.Duration `yaml:"keep_alive"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	ReconnectWaitMax time.Duration `yaml:"reconnect_wait_max"`

	CACertFile     string `yaml:"ca_cert_file"`
	ClientCertFile string `yaml:"client_cert_file"`
	ClientKeyFile  string `yaml:"client_key_file"`
	// InsecureSkipVerify skips TLS certificate verification.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// Env constants for MQTT settings.
const (
	MqttBrokerURL             = "MQTT_BROKER_URL"
	MqttUsername              = "MQTT_USERNAME"
	MqttPassword              = "MQTT_PASSWORD"
	MqttSkipVerify            = "MQTT_INSECURE_SKIP_VERIFY"
	MqttKeepAliveSeconds      = "MQTT_KEEP_ALIVE_SECONDS"
	MqttConnectTimeoutSeconds = "MQTT_CONNECT_TIMEOUT_SECONDS"
)

// DefaultConfig returns the standard MQTT settings.
func DefaultConfig() *Config {
	return &Config{
		ClientIDPrefix:   "robobridge-",
		TopicPrefix:      "robobridge/data",
		AnnouncePrefix:   "robobridge/nodes",
		InboxSize:        1024,
		KeepAlive:        60 * time.Second,
		ConnectTimeout:   10 * time.Second,
		ReconnectWaitMax: 120 * time.Second,
	}
}

// LoadConfigWithEnv returns DefaultConfig overridden by MQTT_* environment
// variables.
func LoadConfigWithEnv() *Config {
	cfg := DefaultConfig()
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overrides fields from MQTT_* environment variables. Unparseable
// durations keep their current value.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(MqttBrokerURL); v != "" {
		c.BrokerURL = v
	}
	if v := os.Getenv(MqttUsername); v != "" {
		c.Username = v
	}
	if v := os.Getenv(MqttPassword); v != "" {
		c.Password = v
	}
	if skipVerify := os.Getenv(MqttSkipVerify); skipVerify == "true" {
		c.InsecureSkipVerify = true
	}
	if ka := os.Getenv(MqttKeepAliveSeconds); ka != "" {
		s, err := time.ParseDuration(ka + "s")
		if err == nil {
			c.KeepAlive = s
		} else {
			log.Printf("mqttbus: error parsing keepAlive seconds: %s, using default", err)
		}
	}
	if ct := os.Getenv(MqttConnectTimeoutSeconds); ct != "" {
		s, err := time.ParseDuration(ct + "s")
		if err == nil {
			c.ConnectTimeout = s
		} else {
			log.Printf("mqttbus: error parsing connect timeout seconds: %s, using default", err)
		}
	}
}

// Validate checks the settings needed to connect.
func (c *Config) Validate() error {
	if c.BrokerURL == "" {
		return fmt.Errorf("MQTT broker URL is required")
	}
	if c.Username == "" && !c.AllowPublicBroker {
		return fmt.Errorf("MQTT credentials are required unless allow_public_broker is set")
	}
	if c.TopicPrefix == "" || c.AnnouncePrefix == "" {
		return fmt.Errorf("MQTT topic and announce prefixes are required")
	}
	if c.TopicPrefix == c.AnnouncePrefix {
		return fmt.Errorf("MQTT topic and announce prefixes must differ")
	}
	return nil
}
