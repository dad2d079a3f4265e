package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/Relay/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	OverflowReject     = "reject"
	OverflowDropOldest = "drop_oldest"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	LogLevel   string `mapstructure:"log_level"`
	Host       string `mapstructure:"host"`
	HTTPPort   int    `mapstructure:"http_port"`
	HTTPSPort  int    `mapstructure:"https_port"`
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
	StaticPath string `mapstructure:"static_path"`

	SessionCapacity int    `mapstructure:"session_capacity"`
	DefaultSession  string `mapstructure:"default_session"`
	BacklogSize     int    `mapstructure:"backlog_size"`
	SendQueueSize   int    `mapstructure:"send_queue_size"`
	Overflow        string `mapstructure:"overflow"`
	Backpressure    string `mapstructure:"backpressure"`

	ReadLimit        int64         `mapstructure:"read_limit"`
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	JoinRateLimit    int           `mapstructure:"join_rate_limit"`
	JoinRateInterval time.Duration `mapstructure:"join_rate_interval"`
}

// TLSEnabled reports whether both certificate files are configured.
func (c *Config) TLSEnabled() bool { return c.CertFile != "" && c.KeyFile != "" }

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("http_port", 3000)
	v.SetDefault("https_port", 3443)
	v.SetDefault("cert_file", "")
	v.SetDefault("key_file", "")
	v.SetDefault("static_path", "")
	v.SetDefault("session_capacity", 2)
	v.SetDefault("default_session", "default")
	v.SetDefault("backlog_size", 32)
	v.SetDefault("send_queue_size", 64)
	v.SetDefault("overflow", OverflowReject)
	v.SetDefault("backpressure", "drop")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "30s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("join_rate_limit", 5)
	v.SetDefault("join_rate_interval", "10s")
}

// Load reads config/config.<CONFIG_ENV>.yaml when present, then RELAY_*
// environment overrides, on top of defaults.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return load(fmt.Sprintf("config/config.%s.yaml", env))
}

func load(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("http_port", cfg.HTTPPort).Int("https_port", cfg.HTTPSPort).Bool("tls", cfg.TLSEnabled()).Int("capacity", cfg.SessionCapacity).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.SessionCapacity < 0:
		return fmt.Errorf("session_capacity must be >= 0, got %d", c.SessionCapacity)
	case c.BacklogSize < 0:
		return fmt.Errorf("backlog_size must be >= 0, got %d", c.BacklogSize)
	case c.SendQueueSize <= 0:
		return fmt.Errorf("send_queue_size must be > 0, got %d", c.SendQueueSize)
	case c.HTTPPort < 0 || c.HTTPPort > 65535:
		return fmt.Errorf("http_port out of range: %d", c.HTTPPort)
	case c.HTTPSPort < 0 || c.HTTPSPort > 65535:
		return fmt.Errorf("https_port out of range: %d", c.HTTPSPort)
	case c.ReadLimit <= 0:
		return fmt.Errorf("read_limit must be > 0, got %d", c.ReadLimit)
	case c.PingPeriod <= 0 || c.PongWait <= c.PingPeriod:
		return fmt.Errorf("pong_wait (%s) must exceed ping_period (%s)", c.PongWait, c.PingPeriod)
	case c.JoinRateLimit < 0:
		return fmt.Errorf("join_rate_limit must be >= 0, got %d", c.JoinRateLimit)
	case c.JoinRateLimit > 0 && c.JoinRateInterval <= 0:
		return fmt.Errorf("join_rate_interval must be > 0 when join_rate_limit is set, got %s", c.JoinRateInterval)
	case (c.CertFile == "") != (c.KeyFile == ""):
		return errors.New("cert_file and key_file must be set together")
	}
	switch c.Overflow {
	case OverflowReject, OverflowDropOldest:
	default:
		return fmt.Errorf("unknown overflow mode %q", c.Overflow)
	}
	switch c.Backpressure {
	case "drop", "kick":
	default:
		return fmt.Errorf("unknown backpressure policy %q", c.Backpressure)
	}
	if _, err := domain.ParseSessionKey(c.DefaultSession); err != nil {
		return fmt.Errorf("default_session %q: %w", c.DefaultSession, err)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}
