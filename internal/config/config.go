package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/livecam/internal/domain"
	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig   `mapstructure:"server"`
	Vendor  VendorConfig   `mapstructure:"vendor"`
	Edge    EdgeConfig     `mapstructure:"edge"`
	RTM     RTMConfig      `mapstructure:"rtm"`
	Session SessionConfig  `mapstructure:"session"`
	Stream  StreamConfig   `mapstructure:"stream"`
	Log     LogConfig      `mapstructure:"log"`
	Devices []DeviceConfig `mapstructure:"devices"`
}

type ServerConfig struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`
	// OfferRateLimit caps start and offer requests per client per window.
	OfferRateLimit  int           `mapstructure:"offer_rate_limit"`
	OfferRateWindow time.Duration `mapstructure:"offer_rate_window"`
}

type VendorConfig struct {
	AppID string `mapstructure:"app_id"`
}

type EdgeConfig struct {
	Domains       []string      `mapstructure:"domains"`
	BackupDomains []string      `mapstructure:"backup_domains"`
	ProxyServer   string        `mapstructure:"proxy_server"`
	AreaCode      string        `mapstructure:"area_code"`
	Timeout       time.Duration `mapstructure:"timeout"`
	InsecureTLS   bool          `mapstructure:"insecure_tls"`
	HostSuffix    string        `mapstructure:"host_suffix"`
}

type RTMConfig struct {
	Domains              []string      `mapstructure:"domains"`
	Paths                []string      `mapstructure:"paths"`
	Scheme               string        `mapstructure:"scheme"`
	InsecureTLS          bool          `mapstructure:"insecure_tls"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatMaxFailures int           `mapstructure:"heartbeat_max_failures"`
	StartAttempts        int           `mapstructure:"start_attempts"`
	StartRetryDelay      time.Duration `mapstructure:"start_retry_delay"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	IsSD                 int           `mapstructure:"is_sd"`
}

type SessionConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	JoinTimeout    time.Duration `mapstructure:"join_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	SDKVersion     string        `mapstructure:"sdk_version"`
	UserAgent      string        `mapstructure:"user_agent"`
	AutoSubscribe  bool          `mapstructure:"auto_subscribe"`
}

type StreamConfig struct {
	ControlMode    string `mapstructure:"control_mode"`
	TurnMode       int    `mapstructure:"turn_mode"`
	AllTurnServers bool   `mapstructure:"all_turn_servers"`
}

// DeviceConfig declares a camera. Credentials are handed in at runtime.
type DeviceConfig struct {
	ID           string   `mapstructure:"id"`
	Name         string   `mapstructure:"name"`
	Model        string   `mapstructure:"model"`
	Capabilities []string `mapstructure:"capabilities"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func Load() (*Config, error) {
	return LoadWith(viper.New())
}

// LoadWith reads configuration into v, which may already carry flag bindings.
func LoadWith(v *viper.Viper) (*Config, error) {
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("livecam")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Static: %s\n", cfg.Server.Mode, cfg.Server.Port, cfg.Server.StaticPath)
	return &cfg, nil
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.static_path", "./web")
	v.SetDefault("server.secret", "livecam-dev-secret")
	v.SetDefault("server.offer_rate_limit", 10)
	v.SetDefault("server.offer_rate_window", "1m")

	v.SetDefault("vendor.app_id", "")

	v.SetDefault("edge.domains", []string{
		"webrtc2-ap-web-1.agora.io",
		"webrtc2-ap-web-2.agora.io",
		"webrtc2-ap-web-3.agora.io",
		"webrtc2-ap-web-4.agora.io",
	})
	v.SetDefault("edge.backup_domains", []string{
		"webrtc2-ap-web-5.agora.io",
		"webrtc2-ap-web-6.agora.io",
	})
	v.SetDefault("edge.proxy_server", "")
	v.SetDefault("edge.area_code", "CN,GLOBAL")
	v.SetDefault("edge.timeout", "10s")
	v.SetDefault("edge.insecure_tls", true)
	v.SetDefault("edge.host_suffix", "edge.agora.io")

	v.SetDefault("rtm.domains", []string{"api.agora.io", "api.sd-rtn.com"})
	v.SetDefault("rtm.paths", []string{"/dev/v2/project/{app_id}/rtm/users/{user_id}/peer_messages"})
	v.SetDefault("rtm.scheme", "https")
	v.SetDefault("rtm.insecure_tls", false)
	v.SetDefault("rtm.heartbeat_interval", "500ms")
	v.SetDefault("rtm.heartbeat_max_failures", 10)
	v.SetDefault("rtm.start_attempts", 5)
	v.SetDefault("rtm.start_retry_delay", "1s")
	v.SetDefault("rtm.request_timeout", "10s")
	v.SetDefault("rtm.is_sd", 0)

	v.SetDefault("session.connect_timeout", "10s")
	v.SetDefault("session.join_timeout", "15s")
	v.SetDefault("session.ping_interval", "3s")
	v.SetDefault("session.sdk_version", "4.24.0")
	v.SetDefault("session.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/142.0.0.0 Safari/537.36")
	v.SetDefault("session.auto_subscribe", true)

	v.SetDefault("stream.control_mode", "shared")
	v.SetDefault("stream.turn_mode", 4)
	v.SetDefault("stream.all_turn_servers", false)

	v.SetDefault("log.level", "info")
}

func (c *Config) Validate() error {
	switch c.Stream.ControlMode {
	case "shared", "exclusive":
	default:
		return fmt.Errorf("config: stream.control_mode must be shared or exclusive, got %q", c.Stream.ControlMode)
	}
	if c.Stream.TurnMode < 1 || c.Stream.TurnMode > 4 {
		return fmt.Errorf("config: stream.turn_mode must be 1..4, got %d", c.Stream.TurnMode)
	}
	if len(c.Edge.Domains)+len(c.Edge.BackupDomains) == 0 {
		return fmt.Errorf("config: edge.domains is empty")
	}
	if len(c.RTM.Domains) == 0 {
		return fmt.Errorf("config: rtm.domains is empty")
	}
	seen := map[string]bool{}
	for i, d := range c.Devices {
		if d.ID == "" {
			return fmt.Errorf("config: devices[%d].id is empty", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("config: duplicate device id %q", d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}

// DeviceList converts the configured devices.
func (c *Config) DeviceList() ([]domain.Device, error) {
	out := make([]domain.Device, 0, len(c.Devices))
	for _, d := range c.Devices {
		caps, err := domain.ParseCapabilities(d.Capabilities)
		if err != nil {
			return nil, fmt.Errorf("config: device %s: %w", d.ID, err)
		}
		out = append(out, domain.Device{ID: domain.DeviceID(d.ID), Name: d.Name, Model: d.Model, Capabilities: caps})
	}
	return out, nil
}
