package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"port"`
	RedisURL    string `mapstructure:"redis_url"`
	DatabaseURL string `mapstructure:"database_url"`

	// AllowedOrigins restricts websocket handshakes; empty allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// MaxConnections caps live connections per instance; 0 is unlimited.
	MaxConnections int `mapstructure:"max_connections"`
	SendBuffer     int `mapstructure:"send_buffer"`
	PublishBuffer  int `mapstructure:"publish_buffer"`

	TypingTTL      time.Duration `mapstructure:"typing_ttl"`
	ReconnectBase  time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax   time.Duration `mapstructure:"reconnect_max"`
	HealthInterval time.Duration `mapstructure:"health_interval"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// Load reads configuration from defaults, an optional YAML file at path and
// the environment, in increasing order of precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Defaults
	v.SetDefault("port", "3004")
	v.SetDefault("redis_url", "redis://redis:6379")
	v.SetDefault("database_url", "")
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("max_connections", 0)
	v.SetDefault("send_buffer", 256)
	v.SetDefault("publish_buffer", 1024)
	v.SetDefault("typing_ttl", 5*time.Second)
	v.SetDefault("reconnect_base", 500*time.Millisecond)
	v.SetDefault("reconnect_max", 30*time.Second)
	v.SetDefault("health_interval", 15*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	// Env overrides. The plain names are shared with the other services in
	// the compose file; everything else is REALTIME_<KEY>.
	v.SetEnvPrefix("REALTIME")
	v.AutomaticEnv()
	_ = v.BindEnv("port", "PORT", "REALTIME_PORT")
	_ = v.BindEnv("redis_url", "REDIS_URL", "REALTIME_REDIS_URL")
	_ = v.BindEnv("database_url", "DATABASE_URL", "REALTIME_DATABASE_URL")
	_ = v.BindEnv("allowed_origins", "FRONTEND_BASE_URL", "REALTIME_ALLOWED_ORIGINS")
	_ = v.BindEnv("max_connections", "MAX_CONNECTIONS", "REALTIME_MAX_CONNECTIONS")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	c.AllowedOrigins = splitOrigins(c.AllowedOrigins)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Port == "":
		return fmt.Errorf("port is required")
	case c.RedisURL == "":
		return fmt.Errorf("redis_url is required (set REDIS_URL or config file)")
	case c.MaxConnections < 0:
		return fmt.Errorf("max_connections must be >= 0, got %d", c.MaxConnections)
	case c.SendBuffer <= 0:
		return fmt.Errorf("send_buffer must be positive, got %d", c.SendBuffer)
	case c.PublishBuffer <= 0:
		return fmt.Errorf("publish_buffer must be positive, got %d", c.PublishBuffer)
	case c.TypingTTL <= 0:
		return fmt.Errorf("typing_ttl must be positive, got %s", c.TypingTTL)
	case c.ReconnectBase <= 0 || c.ReconnectMax < c.ReconnectBase:
		return fmt.Errorf("reconnect backoff %s..%s is invalid", c.ReconnectBase, c.ReconnectMax)
	case c.HealthInterval <= 0:
		return fmt.Errorf("health_interval must be positive, got %s", c.HealthInterval)
	}
	return nil
}

// splitOrigins accepts both list values and a single comma separated string.
func splitOrigins(in []string) []string {
	var out []string
	for _, item := range in {
		for _, o := range strings.Split(item, ",") {
			if o = strings.TrimSpace(o); o != "" {
				out = append(out, o)
			}
		}
	}
	return out
}
