package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/HerbHall/naspanel/internal/broker"
	"github.com/HerbHall/naspanel/internal/provider"
)

// EnvPrefix is prepended to environment variable names; "provider.kind" is
// read from NASPANEL_PROVIDER_KIND.
const EnvPrefix = "NASPANEL"

const redacted = "********"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Settings is the typed form of the publisher configuration.
type Settings struct {
	MQTTHost        string `mapstructure:"mqtt_host"`
	MQTTPort        int    `mapstructure:"mqtt_port"`
	MQTTUser        string `mapstructure:"mqtt_user"`
	MQTTPassword    string `mapstructure:"mqtt_password"`
	Topic           string `mapstructure:"topic"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`

	Broker   BrokerSettings  `mapstructure:"broker"`
	Provider provider.Config `mapstructure:"provider"`
	HTTP     HTTPSettings    `mapstructure:"http"`
	Log      LogSettings     `mapstructure:"log"`
}

// BrokerSettings selects and tunes the broker transport.
type BrokerSettings struct {
	Kind           string        `mapstructure:"kind"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Discover       bool          `mapstructure:"discover"`
	ConnectRetries int           `mapstructure:"connect_retries"`
	ClientID       string        `mapstructure:"client_id"`
	KafkaBrokers   []string      `mapstructure:"kafka_brokers"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisDB        int           `mapstructure:"redis_db"`
}

type HTTPSettings struct {
	Listen string `mapstructure:"listen"`
}

type LogSettings struct {
	Level string `mapstructure:"level"`
}

// SetDefaults registers the default value of every recognized key.
func SetDefaults(v *viper.Viper) {
	p := provider.DefaultConfig()

	v.SetDefault("mqtt_host", "localhost")
	v.SetDefault("mqtt_port", 1883)
	v.SetDefault("mqtt_user", "")
	v.SetDefault("mqtt_password", "")
	v.SetDefault("topic", "nas/stats")
	v.SetDefault("interval_seconds", 5)

	v.SetDefault("broker.kind", broker.KindMQTT)
	v.SetDefault("broker.timeout", 10*time.Second)
	v.SetDefault("broker.discover", false)
	v.SetDefault("broker.connect_retries", 0)
	v.SetDefault("broker.client_id", "")
	v.SetDefault("broker.kafka_brokers", []string{})
	v.SetDefault("broker.redis_addr", "")
	v.SetDefault("broker.redis_db", 0)

	v.SetDefault("provider.kind", p.Kind)
	v.SetDefault("provider.timeout", p.Timeout)
	v.SetDefault("provider.disk_path", p.DiskPath)
	v.SetDefault("provider.interface", p.Interface)
	v.SetDefault("provider.thermal_zone", p.ThermalZone)
	v.SetDefault("provider.truenas_host", p.TrueNASHost)
	v.SetDefault("provider.truenas_scheme", p.TrueNASScheme)
	v.SetDefault("provider.api_key", p.APIKey)
	v.SetDefault("provider.requests_per_second", p.RequestsPerSecond)
	v.SetDefault("provider.snmp_target", p.SNMPTarget)
	v.SetDefault("provider.snmp_port", p.SNMPPort)
	v.SetDefault("provider.snmp_community", p.SNMPCommunity)

	v.SetDefault("http.listen", "")
	v.SetDefault("log.level", "info")
}

// Load builds the layered configuration. path may be empty. overrides hold
// explicitly passed command-line values keyed by configuration key and take
// precedence over everything else.
func Load(path string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, val := range overrides {
		v.Set(key, val)
	}
	return New(v), nil
}

// Settings decodes the typed settings from c.
func (c *Config) Settings() (Settings, error) {
	var s Settings
	if err := c.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return s, nil
}

// Validate rejects settings the publisher cannot run with.
func (s Settings) Validate() error {
	if s.IntervalSeconds <= 0 {
		return fmt.Errorf("%w: interval_seconds must be positive, got %d", ErrInvalid, s.IntervalSeconds)
	}
	if strings.TrimSpace(s.Topic) == "" {
		return fmt.Errorf("%w: topic must not be empty", ErrInvalid)
	}
	if s.Broker.Timeout <= 0 {
		return fmt.Errorf("%w: broker.timeout must be positive, got %s", ErrInvalid, s.Broker.Timeout)
	}
	if s.Broker.ConnectRetries < 0 {
		return fmt.Errorf("%w: broker.connect_retries must not be negative", ErrInvalid)
	}

	switch strings.ToLower(s.Broker.Kind) {
	case "", broker.KindMQTT:
		if s.MQTTPort <= 0 || s.MQTTPort > 65535 {
			return fmt.Errorf("%w: mqtt_port out of range: %d", ErrInvalid, s.MQTTPort)
		}
		if s.MQTTHost == "" && !s.Broker.Discover {
			return fmt.Errorf("%w: mqtt_host is required unless broker.discover is enabled", ErrInvalid)
		}
	case broker.KindKafka:
		if len(s.Broker.KafkaBrokers) == 0 && s.MQTTHost == "" {
			return fmt.Errorf("%w: broker.kafka_brokers or mqtt_host is required for kafka", ErrInvalid)
		}
	case broker.KindRedis:
		if s.Broker.RedisAddr == "" && s.MQTTHost == "" {
			return fmt.Errorf("%w: broker.redis_addr or mqtt_host is required for redis", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown broker kind %q", ErrInvalid, s.Broker.Kind)
	}

	if err := s.Provider.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Interval returns the publish interval.
func (s Settings) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// BrokerConfig assembles the broker connection settings.
func (s Settings) BrokerConfig() broker.Config {
	return broker.Config{
		Kind:           s.Broker.Kind,
		Host:           s.MQTTHost,
		Port:           s.MQTTPort,
		Username:       s.MQTTUser,
		Password:       s.MQTTPassword,
		ClientID:       s.Broker.ClientID,
		Timeout:        s.Broker.Timeout,
		KafkaBrokers:   s.Broker.KafkaBrokers,
		RedisAddr:      s.Broker.RedisAddr,
		RedisDB:        s.Broker.RedisDB,
		Discover:       s.Broker.Discover,
		ConnectRetries: s.Broker.ConnectRetries,
	}
}

// DumpYAML renders the effective configuration with secrets masked.
func (c *Config) DumpYAML() ([]byte, error) {
	all := c.AllSettings()
	mask(all, "mqtt_password")
	if p, ok := all["provider"].(map[string]any); ok {
		mask(p, "api_key")
		mask(p, "snmp_community")
	}
	out, err := yaml.Marshal(all)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

func mask(m map[string]any, key string) {
	if s, ok := m[key].(string); ok && s != "" {
		m[key] = redacted
	}
}
