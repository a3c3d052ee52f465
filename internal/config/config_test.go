package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func validConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.MQTT.Prefix = "site/device1"
	return cfg
}

func TestDefaultsRequirePrefix(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidPrefix) {
		t.Fatalf("expected ErrInvalidPrefix, got %v", err)
	}
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("defaults with prefix should validate, got %v", err)
	}
}

func TestDefaultClientIDIsUnique(t *testing.T) {
	a, b := NewDefaultConfig(), NewDefaultConfig()
	if !strings.HasPrefix(a.MQTT.ClientID, "netsync-") {
		t.Errorf("unexpected client id %q", a.MQTT.ClientID)
	}
	if a.MQTT.ClientID == b.MQTT.ClientID {
		t.Errorf("client ids should differ, both %q", a.MQTT.ClientID)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"missing broker", func(c *Config) { c.MQTT.Broker = "" }, ErrInvalidBroker},
		{"discovery replaces broker", func(c *Config) { c.MQTT.Broker = ""; c.Discovery.Enabled = true }, nil},
		{"unknown transport", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }, ErrInvalidTransport},
		{"webrtc needs firebase", func(c *Config) { c.Transport.Kind = TransportWebRTC }, ErrInvalidFirebaseConfig},
		{"webrtc buffers", func(c *Config) {
			c.Transport.Kind = TransportWebRTC
			c.WebRTC.BufferedAmountLowThreshold = c.WebRTC.MaxBufferedAmount
		}, ErrInvalidBufferConfig},
		{"webrtc complete", func(c *Config) {
			c.Transport.Kind = TransportWebRTC
			c.Firebase = FirebaseConfig{ProjectID: "p", DatabaseURL: "https://p.firebaseio.com", CredentialsPath: "/tmp/creds.json"}
		}, nil},
		{"zero queue", func(c *Config) { c.Queue.MaxPublish = 0 }, ErrInvalidQueueSize},
		{"zero drain interval", func(c *Config) { c.Queue.DrainInterval = 0 }, ErrInvalidInterval},
		{"zero chunk", func(c *Config) { c.Push.ChunkSize = 0 }, ErrInvalidChunkSize},
		{"zero image size", func(c *Config) { c.Firmware.MaxImageSize = 0 }, ErrInvalidImageSize},
		{"no storage root", func(c *Config) { c.Storage.Root = "" }, ErrInvalidStorageRoot},
		{"no staging name", func(c *Config) { c.Storage.Staging = "" }, ErrInvalidStagingName},
		{"staging is the root", func(c *Config) { c.Storage.Staging = "./" }, ErrInvalidStagingName},
		{"staging above the root", func(c *Config) { c.Storage.Staging = ".." }, ErrInvalidStagingName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == nil {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestTopic(t *testing.T) {
	c := MQTTConfig{Prefix: "site/device1/"}
	if got := c.Topic("net/ping"); got != "site/device1/net/ping" {
		t.Errorf("Topic() = %q", got)
	}
}

func TestLoadOverlaysViperValues(t *testing.T) {
	v := viper.New()
	v.Set("mqtt.prefix", "lab/bench")
	v.Set("sync.enabled", true)
	v.Set("queue.max_publish", 5)
	v.Set("watchdog.timeout", "90s")

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MQTT.Prefix != "lab/bench" || !cfg.Sync.Enabled || cfg.Queue.MaxPublish != 5 {
		t.Errorf("values not applied: %+v", cfg)
	}
	if cfg.Watchdog.Timeout != 90*time.Second {
		t.Errorf("watchdog timeout = %v", cfg.Watchdog.Timeout)
	}
	if cfg.Queue.MaxSubscribe != 20 {
		t.Errorf("unset values should keep defaults, got max_subscribe=%d", cfg.Queue.MaxSubscribe)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	if _, err := Load(viper.New()); !errors.Is(err, ErrInvalidPrefix) {
		t.Fatalf("expected ErrInvalidPrefix, got %v", err)
	}
}
