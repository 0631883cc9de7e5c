package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/HerbHall/naspanel/internal/provider"
)

func loadSettings(t *testing.T, path string, overrides map[string]any) Settings {
	t.Helper()
	cfg, err := Load(path, overrides)
	require.NoError(t, err)
	s, err := cfg.Settings()
	require.NoError(t, err)
	return s
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	s := loadSettings(t, "", nil)

	assert.Equal(t, "localhost", s.MQTTHost)
	assert.Equal(t, 1883, s.MQTTPort)
	assert.Equal(t, "nas/stats", s.Topic)
	assert.Equal(t, 5, s.IntervalSeconds)
	assert.Equal(t, 5*time.Second, s.Interval())
	assert.Equal(t, "mqtt", s.Broker.Kind)
	assert.Equal(t, 10*time.Second, s.Broker.Timeout)
	assert.False(t, s.Broker.Discover)
	assert.Equal(t, provider.DefaultConfig(), s.Provider)
	assert.Equal(t, "", s.HTTP.Listen)
	assert.Equal(t, "info", s.Log.Level)
}

func TestLoad_DefaultsAreValid(t *testing.T) {
	s := loadSettings(t, "", nil)
	require.NoError(t, s.Validate())
	assert.Equal(t, "localhost:1883", s.BrokerConfig().Addr())
}

func TestLoad_DiscoveryNeedsEmptiedHost(t *testing.T) {
	path := writeFile(t, "naspanel.yaml", "mqtt_host: \"\"\nbroker:\n  discover: true\n")
	s := loadSettings(t, path, nil)

	assert.Equal(t, "", s.MQTTHost)
	assert.True(t, s.Broker.Discover)
	require.NoError(t, s.Validate())

	s = loadSettings(t, "", map[string]any{"broker.discover": true})
	assert.Equal(t, "localhost", s.MQTTHost, "discovery alone keeps the default host")
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, "naspanel.yaml", `
mqtt_host: 192.168.1.50
mqtt_user: panel
mqtt_password: hunter2
interval_seconds: 10
broker:
  timeout: 3s
  connect_retries: 2
provider:
  kind: truenas
  truenas_host: nas.lan
  api_key: abc
http:
  listen: ":9100"
`)
	s := loadSettings(t, path, nil)

	assert.Equal(t, "192.168.1.50", s.MQTTHost)
	assert.Equal(t, "panel", s.MQTTUser)
	assert.Equal(t, 10, s.IntervalSeconds)
	assert.Equal(t, 3*time.Second, s.Broker.Timeout)
	assert.Equal(t, 2, s.Broker.ConnectRetries)
	assert.Equal(t, "truenas", s.Provider.Kind)
	assert.Equal(t, "nas.lan", s.Provider.TrueNASHost)
	assert.Equal(t, 10*time.Second, s.Provider.Timeout, "unset keys keep defaults")
	assert.Equal(t, ":9100", s.HTTP.Listen)
	require.NoError(t, s.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err)
}

func TestLoad_Precedence(t *testing.T) {
	path := writeFile(t, "naspanel.yaml", "mqtt_host: file-host\ntopic: file/topic\nmqtt_port: 1884\n")
	t.Setenv("NASPANEL_MQTT_HOST", "env-host")
	t.Setenv("NASPANEL_TOPIC", "env/topic")
	t.Setenv("NASPANEL_PROVIDER_KIND", "shell")
	t.Setenv("NASPANEL_BROKER_KAFKA_BROKERS", "k1:9092,k2:9092")

	s := loadSettings(t, path, map[string]any{"topic": "flag/topic"})

	assert.Equal(t, "env-host", s.MQTTHost, "env beats file")
	assert.Equal(t, "flag/topic", s.Topic, "flag beats env")
	assert.Equal(t, 1884, s.MQTTPort, "file beats default")
	assert.Equal(t, "shell", s.Provider.Kind)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, s.Broker.KafkaBrokers)
}

func TestSettings_Validate(t *testing.T) {
	valid := func() Settings {
		cfg, err := Load("", map[string]any{"mqtt_host": "broker.lan"})
		require.NoError(t, err)
		s, err := cfg.Settings()
		require.NoError(t, err)
		return s
	}

	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{name: "defaults with host", mutate: func(*Settings) {}},
		{name: "zero interval", mutate: func(s *Settings) { s.IntervalSeconds = 0 }, wantErr: true},
		{name: "negative interval", mutate: func(s *Settings) { s.IntervalSeconds = -5 }, wantErr: true},
		{name: "empty topic", mutate: func(s *Settings) { s.Topic = " " }, wantErr: true},
		{name: "zero port", mutate: func(s *Settings) { s.MQTTPort = 0 }, wantErr: true},
		{name: "port too large", mutate: func(s *Settings) { s.MQTTPort = 70000 }, wantErr: true},
		{name: "no host", mutate: func(s *Settings) { s.MQTTHost = "" }, wantErr: true},
		{name: "no host with discovery", mutate: func(s *Settings) {
			s.MQTTHost = ""
			s.Broker.Discover = true
		}},
		{name: "negative retries", mutate: func(s *Settings) { s.Broker.ConnectRetries = -1 }, wantErr: true},
		{name: "zero broker timeout", mutate: func(s *Settings) { s.Broker.Timeout = 0 }, wantErr: true},
		{name: "unknown broker", mutate: func(s *Settings) { s.Broker.Kind = "amqp" }, wantErr: true},
		{name: "kafka with brokers", mutate: func(s *Settings) {
			s.MQTTHost = ""
			s.Broker.Kind = "kafka"
			s.Broker.KafkaBrokers = []string{"k1:9092"}
		}},
		{name: "kafka without brokers", mutate: func(s *Settings) {
			s.MQTTHost = ""
			s.Broker.Kind = "kafka"
		}, wantErr: true},
		{name: "redis with addr", mutate: func(s *Settings) {
			s.Broker.Kind = "redis"
			s.Broker.RedisAddr = "cache:6379"
		}},
		{name: "truenas without key", mutate: func(s *Settings) {
			s.Provider.Kind = "truenas"
			s.Provider.TrueNASHost = "nas"
		}, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := valid()
			tc.mutate(&s)
			err := s.Validate()
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalid), "error should wrap ErrInvalid: %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestSettings_BrokerConfig(t *testing.T) {
	s := loadSettings(t, "", map[string]any{
		"mqtt_host":              "10.0.0.2",
		"mqtt_port":              8883,
		"mqtt_user":              "u",
		"mqtt_password":          "p",
		"broker.connect_retries": 3,
		"broker.client_id":       "panel-1",
		"broker.timeout":         "2s",
	})

	bc := s.BrokerConfig()
	assert.Equal(t, "10.0.0.2:8883", bc.Addr())
	assert.Equal(t, "u", bc.Username)
	assert.Equal(t, "p", bc.Password)
	assert.Equal(t, "panel-1", bc.ClientID)
	assert.Equal(t, 3, bc.ConnectRetries)
	assert.Equal(t, 2*time.Second, bc.Timeout)
	assert.False(t, bc.Anonymous())
}

func TestDumpYAML_RedactsSecrets(t *testing.T) {
	cfg, err := Load("", map[string]any{
		"mqtt_host":        "broker.lan",
		"mqtt_password":    "hunter2",
		"provider.api_key": "tn-secret",
	})
	require.NoError(t, err)

	out, err := cfg.DumpYAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")
	assert.NotContains(t, string(out), "tn-secret")

	var parsed map[string]any
	require.NoError(t, yaml.Unmarshal(out, &parsed))
	assert.Equal(t, "broker.lan", parsed["mqtt_host"])
	assert.Equal(t, redacted, parsed["mqtt_password"])
	assert.Equal(t, "nas/stats", parsed["topic"])
}

func TestDumpYAML_LeavesEmptySecrets(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	out, err := cfg.DumpYAML()
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, yaml.Unmarshal(out, &parsed))
	assert.Equal(t, "", parsed["mqtt_password"])
}
