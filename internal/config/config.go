package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration 支持在 TOML 中以 "10s" 形式书写的时长
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

type Config struct {
	NodeID   string `toml:"node_id"`
	LogLevel string `toml:"log_level"`

	Server  ServerConfig  `toml:"server"`
	Bus     BusConfig     `toml:"bus"`
	Gateway GatewayConfig `toml:"gateway"`
	Audit   AuditConfig   `toml:"audit"`
}

type ServerConfig struct {
	TCPAddr      string   `toml:"tcp_addr"`
	WSAddr       string   `toml:"ws_addr"`
	WSPath       string   `toml:"ws_path"`
	HTTPAddr     string   `toml:"http_addr"`
	Codec        string   `toml:"codec"` // json|protobuf|cbor
	OutBuffer    int      `toml:"out_buffer"`
	MaxFrameSize int      `toml:"max_frame_size"`
	ReadTimeout  Duration `toml:"read_timeout"`
	WriteTimeout Duration `toml:"write_timeout"`
}

type BusConfig struct {
	QueueSize      int      `toml:"queue_size"`
	EnqueueTimeout Duration `toml:"enqueue_timeout"`
	MaxBuffered    int      `toml:"max_buffered"`
	MaxStreams     int      `toml:"max_streams"`
	StreamTTL      Duration `toml:"stream_ttl"`
}

type TierConfig struct {
	MinQuality float64  `toml:"min_quality"`
	TTL        Duration `toml:"ttl"`
}

type IdentityConfig struct {
	Name    string `toml:"name"`
	Secret  string `toml:"secret"`
	MaxTier string `toml:"max_tier"`
}

type GatewayConfig struct {
	SigningKey        string                `toml:"signing_key"`
	CredentialTimeout Duration              `toml:"credential_timeout"`
	LivenessWindow    Duration              `toml:"liveness_window"`
	SweepInterval     Duration              `toml:"sweep_interval"`
	MaxClockSkew      Duration              `toml:"max_clock_skew"`
	ErrorTolerance    int                   `toml:"error_tolerance"`
	RatePerSecond     float64               `toml:"rate_per_second"`
	RateBurst         int                   `toml:"rate_burst"`
	Purposes          []string              `toml:"purposes"`
	Tiers             map[string]TierConfig `toml:"tiers"`
	Identities        []IdentityConfig      `toml:"identities"`
}

type AuditConfig struct {
	Buffer      int    `toml:"buffer"`
	SQLitePath  string `toml:"sqlite_path"`
	RedisAddr   string `toml:"redis_addr"`
	RedisDB     int    `toml:"redis_db"`
	RedisStream string `toml:"redis_stream"`
	NATSURL     string `toml:"nats_url"`
	NATSSubject string `toml:"nats_subject"`
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// Default 返回全部默认值
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			TCPAddr:      ":8080",
			WSAddr:       ":8081",
			WSPath:       "/ws",
			HTTPAddr:     ":9090",
			Codec:        "json",
			OutBuffer:    256,
			MaxFrameSize: 1 << 20,
			WriteTimeout: Duration{10 * time.Second},
		},
		Bus: BusConfig{
			QueueSize:      1024,
			EnqueueTimeout: Duration{time.Second},
			MaxBuffered:    256,
			MaxStreams:     1024,
			StreamTTL:      Duration{2 * time.Minute},
		},
		Gateway: GatewayConfig{
			CredentialTimeout: Duration{10 * time.Second},
			LivenessWindow:    Duration{30 * time.Second},
			SweepInterval:     Duration{10 * time.Second},
			MaxClockSkew:      Duration{5 * time.Minute},
			ErrorTolerance:    3,
			RatePerSecond:     50,
			RateBurst:         100,
			Purposes:          []string{"communication", "monitoring", "administration", "testing"},
		},
		Audit: AuditConfig{
			Buffer:      1024,
			RedisStream: "pulsebus:audit",
			RedisDB:     0,
			NATSSubject: "pulsebus.audit",
		},
	}
}

// Load 读取可选的 TOML 文件，再用环境变量覆盖
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("PULSEBUS_CONFIG")
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.NodeID = getEnv("PULSEBUS_NODE_ID", c.NodeID)
	c.LogLevel = getEnv("PULSEBUS_LOG_LEVEL", c.LogLevel)
	c.Server.TCPAddr = getEnv("PULSEBUS_TCP_ADDR", c.Server.TCPAddr)
	c.Server.WSAddr = getEnv("PULSEBUS_WS_ADDR", c.Server.WSAddr)
	c.Server.HTTPAddr = getEnv("PULSEBUS_HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.Codec = getEnv("PULSEBUS_CODEC", c.Server.Codec)
	c.Server.OutBuffer = getEnvInt("PULSEBUS_OUTBUF", c.Server.OutBuffer)
	c.Gateway.SigningKey = getEnv("PULSEBUS_SIGNING_KEY", c.Gateway.SigningKey)
	c.Audit.SQLitePath = getEnv("PULSEBUS_SQLITE", c.Audit.SQLitePath)
	c.Audit.RedisAddr = getEnv("PULSEBUS_REDIS_ADDR", c.Audit.RedisAddr)
	c.Audit.NATSURL = getEnv("PULSEBUS_NATS_URL", c.Audit.NATSURL)
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Server.Codec {
	case "json", "protobuf", "cbor":
	default:
		errs = append(errs, fmt.Errorf("server.codec: unsupported %q", c.Server.Codec))
	}
	if c.Server.OutBuffer <= 0 {
		errs = append(errs, errors.New("server.out_buffer must be positive"))
	}
	if c.Server.MaxFrameSize <= 0 {
		errs = append(errs, errors.New("server.max_frame_size must be positive"))
	}
	if c.Bus.QueueSize <= 0 {
		errs = append(errs, errors.New("bus.queue_size must be positive"))
	}
	if c.Gateway.CredentialTimeout.Duration <= 0 {
		errs = append(errs, errors.New("gateway.credential_timeout must be positive"))
	}
	if c.Gateway.SweepInterval.Duration <= 0 {
		errs = append(errs, errors.New("gateway.sweep_interval must be positive"))
	}
	if c.Gateway.MaxClockSkew.Duration < 0 {
		errs = append(errs, errors.New("gateway.max_clock_skew must not be negative"))
	}
	if c.Gateway.ErrorTolerance < 0 {
		errs = append(errs, errors.New("gateway.error_tolerance must not be negative"))
	}
	for name, t := range c.Gateway.Tiers {
		if t.MinQuality < 0 || t.MinQuality > 1 {
			errs = append(errs, fmt.Errorf("gateway.tiers.%s.min_quality out of [0,1]", name))
		}
	}
	for i, id := range c.Gateway.Identities {
		if id.Name == "" || id.Secret == "" {
			errs = append(errs, fmt.Errorf("gateway.identities[%d]: name and secret required", i))
		}
	}
	return errors.Join(errs...)
}
