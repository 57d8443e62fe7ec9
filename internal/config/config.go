// Package config loads the pikbridge YAML configuration, applies
// defaults, and validates it.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath     = "/etc/pikbridge/config.yaml"
	DefaultHTTPAddr = "0.0.0.0:8080"

	// Poll interval defaults and minimums, in seconds. Zero disables
	// a feed's periodic loop.
	DefaultIntercomsInterval       = 3 * 60
	DefaultIotInterval             = 3 * 60
	DefaultLastCallSessionInterval = 7
	DefaultMetersInterval          = 24 * 60 * 60
	DefaultReauthInterval          = 24 * 60 * 60

	MinIntercomsInterval       = 15
	MinIotInterval             = 15
	MinLastCallSessionInterval = 3
	MinMetersInterval          = 60
	MinReauthInterval          = 2 * 60 * 60

	MinDeviceIDLength = 6

	DefaultDiscoveryPrefix = "homeassistant"
	DefaultTopicPrefix     = "pikbridge"
	DefaultSessionPath     = "/var/lib/pikbridge/session.json"
	DefaultBlobPrefix      = "pikbridge/session"
)

type Config struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DeviceID string `yaml:"device_id"`

	HTTPAddr string `yaml:"http_addr"`

	API       APIConfig      `yaml:"api"`
	Intervals IntervalConfig `yaml:"intervals"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	Session   SessionConfig  `yaml:"session_store"`
	Influx    InfluxConfig   `yaml:"influx"`

	MaxCallSessionPages int `yaml:"max_call_session_pages"`
}

// APIConfig overrides the vendor origins, mainly for tests.
type APIConfig struct {
	ICMBaseURL string `yaml:"icm_base_url"`
	IoTBaseURL string `yaml:"iot_base_url"`
}

// IntervalConfig holds per-feed poll intervals in seconds.
type IntervalConfig struct {
	Intercoms       *int `yaml:"intercoms"`
	Iot             *int `yaml:"iot"`
	LastCallSession *int `yaml:"last_call_session"`
	Meters          *int `yaml:"meters"`
	Reauth          *int `yaml:"reauth"`
}

type MQTTConfig struct {
	Broker          string `yaml:"broker"`
	ClientID        string `yaml:"client_id"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	TopicPrefix     string `yaml:"topic_prefix"`

	// QoS is a pointer so an explicit 0 survives defaulting.
	QoS *int `yaml:"qos"`
}

// QoSLevel returns the configured quality of service, defaulting to
// at-least-once when unset.
func (m MQTTConfig) QoSLevel() byte {
	if m.QoS == nil {
		return 1
	}
	return byte(*m.QoS)
}

// SessionConfig selects where the authenticated session snapshot is
// persisted: a local file or an S3-compatible bucket.
type SessionConfig struct {
	Kind string `yaml:"kind"` // "file" or "s3"

	Path string `yaml:"path"` // file store

	Endpoint      string `yaml:"endpoint"` // s3 store
	Bucket        string `yaml:"bucket"`
	Prefix        string `yaml:"prefix"`
	Region        string `yaml:"region"`
	AccessKeyFile string `yaml:"access_key_file"`
	SecretKeyFile string `yaml:"secret_key_file"`
}

// InfluxConfig enables the optional meter/call telemetry writer when
// URL is set.
type InfluxConfig struct {
	URL       string `yaml:"url"`
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
	Org       string `yaml:"org"`
	Bucket    string `yaml:"bucket"`
}

// Load parses the YAML config file, merges environment overrides,
// applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv builds a config purely from environment variables, used
// when no config file exists. A .env file is honored when present.
func LoadEnv() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PIKBRIDGE_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("PIKBRIDGE_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("PIKBRIDGE_DEVICE_ID"); v != "" {
		cfg.DeviceID = v
	}
	if v := os.Getenv("PIKBRIDGE_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("PIKBRIDGE_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("PIKBRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("PIKBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("PIKBRIDGE_INFLUX_TOKEN"); v != "" {
		cfg.Influx.Token = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = DefaultHTTPAddr
	}

	setIntDefault(&cfg.Intervals.Intercoms, DefaultIntercomsInterval)
	setIntDefault(&cfg.Intervals.Iot, DefaultIotInterval)
	setIntDefault(&cfg.Intervals.LastCallSession, DefaultLastCallSessionInterval)
	setIntDefault(&cfg.Intervals.Meters, DefaultMetersInterval)
	setIntDefault(&cfg.Intervals.Reauth, DefaultReauthInterval)

	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "pikbridge"
	}
	if cfg.MQTT.DiscoveryPrefix == "" {
		cfg.MQTT.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = DefaultTopicPrefix
	}
	setIntDefault(&cfg.MQTT.QoS, 1)

	if cfg.Session.Kind == "" {
		cfg.Session.Kind = "file"
	}
	if cfg.Session.Path == "" {
		cfg.Session.Path = DefaultSessionPath
	}
	if cfg.Session.Prefix == "" {
		cfg.Session.Prefix = DefaultBlobPrefix
	}

	if cfg.MaxCallSessionPages <= 0 {
		cfg.MaxCallSessionPages = 10
	}
}

func setIntDefault(field **int, value int) {
	if *field == nil {
		v := value
		*field = &v
	}
}

// Validate enforces required fields and documented limits.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if cfg.Username == "" {
		return fmt.Errorf("username is required")
	}
	if cfg.Password == "" {
		return fmt.Errorf("password is required")
	}
	if cfg.DeviceID != "" && len(cfg.DeviceID) < MinDeviceIDLength {
		return fmt.Errorf("device_id must be at least %d characters", MinDeviceIDLength)
	}
	if cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if cfg.MQTT.QoS != nil && (*cfg.MQTT.QoS < 0 || *cfg.MQTT.QoS > 2) {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}

	switch cfg.Session.Kind {
	case "file":
		if cfg.Session.Path == "" {
			return fmt.Errorf("session_store.path is required")
		}
	case "s3":
		if cfg.Session.Endpoint == "" {
			return fmt.Errorf("session_store.endpoint is required")
		}
		if cfg.Session.Bucket == "" {
			return fmt.Errorf("session_store.bucket is required")
		}
		if cfg.Session.AccessKeyFile == "" || cfg.Session.SecretKeyFile == "" {
			return fmt.Errorf("session_store access/secret key files are required")
		}
	default:
		return fmt.Errorf("session_store.kind must be \"file\" or \"s3\"")
	}

	if cfg.Influx.URL != "" {
		if cfg.Influx.Org == "" || cfg.Influx.Bucket == "" {
			return fmt.Errorf("influx.org and influx.bucket are required when influx.url is set")
		}
		if cfg.Influx.Token == "" && cfg.Influx.TokenFile == "" {
			return fmt.Errorf("influx.token or influx.token_file is required when influx.url is set")
		}
	}

	return nil
}

// Interval helpers clamp configured values to the documented
// minimums. A configured zero disables the feed.

func (c *Config) IntercomsInterval() time.Duration {
	return clampInterval(c.Intervals.Intercoms, MinIntercomsInterval)
}

func (c *Config) IotInterval() time.Duration {
	return clampInterval(c.Intervals.Iot, MinIotInterval)
}

func (c *Config) LastCallSessionInterval() time.Duration {
	return clampInterval(c.Intervals.LastCallSession, MinLastCallSessionInterval)
}

func (c *Config) MetersInterval() time.Duration {
	return clampInterval(c.Intervals.Meters, MinMetersInterval)
}

func (c *Config) ReauthInterval() time.Duration {
	return clampInterval(c.Intervals.Reauth, MinReauthInterval)
}

func clampInterval(value *int, minimum int) time.Duration {
	if value == nil || *value <= 0 {
		return 0
	}
	seconds := *value
	if seconds < minimum {
		seconds = minimum
	}
	return time.Duration(seconds) * time.Second
}
