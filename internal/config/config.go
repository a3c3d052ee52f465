package config

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

var (
	ErrInvalidPrefix              = errors.New("mqtt prefix must be set")
	ErrInvalidBroker              = errors.New("mqtt broker must be set when discovery is disabled")
	ErrInvalidTransport           = errors.New("transport kind must be \"mqtt\" or \"webrtc\"")
	ErrInvalidBufferConfig        = errors.New("buffered amount low threshold must be less than max buffered amount")
	ErrInvalidQueueSize           = errors.New("queue sizes must be greater than 0")
	ErrInvalidInterval            = errors.New("tick intervals must be greater than 0")
	ErrInvalidChunkSize           = errors.New("push chunk size must be greater than 0")
	ErrInvalidImageSize           = errors.New("firmware max image size must be greater than 0")
	ErrInvalidStorageRoot         = errors.New("storage root must be set")
	ErrInvalidStagingName         = errors.New("storage staging must name a file inside the root")
	ErrInvalidFirebaseConfig      = errors.New("Firebase credentials path must be set")
	ErrInvalidFirebaseProjectID   = errors.New("Firebase project ID must be set")
	ErrInvalidFirebaseDatabaseURL = errors.New("Firebase database URL must be set")
)

// Transport kinds.
const (
	TransportMQTT   = "mqtt"
	TransportWebRTC = "webrtc"
)

// Config holds all application configuration
type Config struct {
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Transport TransportConfig `mapstructure:"transport"`
	WebRTC    WebRTCConfig    `mapstructure:"webrtc"`
	Firebase  FirebaseConfig  `mapstructure:"firebase"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Firmware  FirmwareConfig  `mapstructure:"firmware"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog"`
	Node      NodeConfig      `mapstructure:"node"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Push      PushConfig      `mapstructure:"push"`
	Log       LogConfig       `mapstructure:"log"`
}

// MQTTConfig holds broker connection settings
type MQTTConfig struct {
	Broker             string        `mapstructure:"broker"` // tcp://host:1883, ssl://host:8883, ws://...
	ClientID           string        `mapstructure:"client_id"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	Prefix             string        `mapstructure:"prefix"` // every topic is <prefix>/<suffix>
	TLS                bool          `mapstructure:"tls"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	KeepAlive          time.Duration `mapstructure:"keepalive"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
}

// TransportConfig selects which transport carries the sync topics
type TransportConfig struct {
	Kind string `mapstructure:"kind"`
}

// WebRTCConfig holds WebRTC-specific configuration
type WebRTCConfig struct {
	ICEServers                 []webrtc.ICEServer `mapstructure:"ice_servers"`
	BufferedAmountLowThreshold uint64             `mapstructure:"buffered_amount_low_threshold"`
	MaxBufferedAmount          uint64             `mapstructure:"max_buffered_amount"`
}

// FirebaseConfig holds Firebase client configuration
type FirebaseConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	DatabaseURL     string `mapstructure:"database_url"`
	CredentialsPath string `mapstructure:"credentials_path"`
}

// DiscoveryConfig controls mDNS lookup of the broker
type DiscoveryConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Service string        `mapstructure:"service"`
	Domain  string        `mapstructure:"domain"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StorageConfig locates the files the agent is allowed to replace
type StorageConfig struct {
	Root    string `mapstructure:"root"`
	Staging string `mapstructure:"staging"`
}

// FirmwareConfig describes the image slot used for firmware transfers
type FirmwareConfig struct {
	SlotDir      string `mapstructure:"slot_dir"`
	MaxImageSize int64  `mapstructure:"max_image_size"`
	CurrentImage string `mapstructure:"current_image"` // empty: the running executable
}

// QueueConfig bounds the outbound queues
type QueueConfig struct {
	MaxPublish    int           `mapstructure:"max_publish"`
	MaxSubscribe  int           `mapstructure:"max_subscribe"`
	DrainInterval time.Duration `mapstructure:"drain_interval"`
}

// SyncConfig gates the remote sync protocol
type SyncConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// WatchdogConfig configures the liveness monitor
type WatchdogConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"` // 0 disables
	Interval     time.Duration `mapstructure:"interval"`
	StallTimeout time.Duration `mapstructure:"stall_timeout"` // 0 disables
}

// NodeConfig holds the device loop settings
type NodeConfig struct {
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

// AgentConfig holds settings for the agent command
type AgentConfig struct {
	RestartExitCode int `mapstructure:"restart_exit_code"`
}

// PushConfig holds settings for the push command
type PushConfig struct {
	ChunkSize    int           `mapstructure:"chunk_size"`
	ReplyTimeout time.Duration `mapstructure:"reply_timeout"`
	Retries      int           `mapstructure:"retries"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker:         "tcp://localhost:1883",
			ClientID:       "netsync-" + uuid.NewString(),
			KeepAlive:      30 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
		Transport: TransportConfig{
			Kind: TransportMQTT,
		},
		WebRTC: WebRTCConfig{
			ICEServers: []webrtc.ICEServer{
				{
					URLs: []string{"stun:stun.l.google.com:19302"},
				},
			},
			BufferedAmountLowThreshold: 512 * 1024,  // 512 KB
			MaxBufferedAmount:          1024 * 1024, // 1 MB
		},
		Discovery: DiscoveryConfig{
			Enabled: false,
			Service: "_mqtt._tcp",
			Domain:  "local.",
			Timeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			Root:    ".",
			Staging: ".netsync.tmp",
		},
		Firmware: FirmwareConfig{
			SlotDir:      ".netsync-firmware",
			MaxImageSize: 64 * 1024 * 1024,
		},
		Queue: QueueConfig{
			MaxPublish:    20,
			MaxSubscribe:  20,
			DrainInterval: 125 * time.Millisecond,
		},
		Sync: SyncConfig{
			Enabled: false,
		},
		Watchdog: WatchdogConfig{
			Timeout:  0,
			Interval: time.Second,
		},
		Node: NodeConfig{
			StatsInterval: 60 * time.Second,
		},
		Agent: AgentConfig{
			RestartExitCode: 3,
		},
		Push: PushConfig{
			ChunkSize:    1024, // 1 KB chunks
			ReplyTimeout: 10 * time.Second,
			Retries:      3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if strings.Trim(c.MQTT.Prefix, "/") == "" {
		return ErrInvalidPrefix
	}
	switch c.Transport.Kind {
	case TransportMQTT:
		if c.MQTT.Broker == "" && !c.Discovery.Enabled {
			return ErrInvalidBroker
		}
	case TransportWebRTC:
		if c.WebRTC.BufferedAmountLowThreshold >= c.WebRTC.MaxBufferedAmount {
			return ErrInvalidBufferConfig
		}
		if err := c.Firebase.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTransport, c.Transport.Kind)
	}
	if c.Queue.MaxPublish <= 0 || c.Queue.MaxSubscribe <= 0 {
		return ErrInvalidQueueSize
	}
	if c.Queue.DrainInterval <= 0 || c.Watchdog.Interval <= 0 || c.Node.StatsInterval <= 0 {
		return ErrInvalidInterval
	}
	if c.Push.ChunkSize <= 0 {
		return ErrInvalidChunkSize
	}
	if c.Firmware.MaxImageSize <= 0 {
		return ErrInvalidImageSize
	}
	if c.Storage.Root == "" {
		return ErrInvalidStorageRoot
	}
	if path.Clean("/"+strings.TrimSpace(c.Storage.Staging)) == "/" {
		return ErrInvalidStagingName
	}
	return nil
}

// Validate ensures the Firebase section is usable for signalling
func (f *FirebaseConfig) Validate() error {
	if f.CredentialsPath == "" {
		return ErrInvalidFirebaseConfig
	}
	if f.ProjectID == "" {
		return ErrInvalidFirebaseProjectID
	}
	if f.DatabaseURL == "" {
		return ErrInvalidFirebaseDatabaseURL
	}
	return nil
}

// Topic joins the configured prefix and a topic suffix.
func (c *MQTTConfig) Topic(suffix string) string {
	return strings.TrimSuffix(c.Prefix, "/") + "/" + suffix
}
