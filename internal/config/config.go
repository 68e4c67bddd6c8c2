// Package config holds shiplog's typed configuration. Values come from
// defaults, an optional shiplog.yaml, SHIPLOG_* environment variables,
// and command flags, merged through viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/shipkit/shiplog/internal/store"
	"github.com/shipkit/shiplog/internal/telemetry"
)

// EnvPrefix is prepended to environment variable names, so
// server.port is read from SHIPLOG_SERVER_PORT.
const EnvPrefix = "SHIPLOG"

// Config is the top-level shiplog configuration.
type Config struct {
	Server    ServerConfig        `yaml:"server" mapstructure:"server"`
	Store     store.Config        `yaml:"store" mapstructure:"store"`
	Auth      AuthConfig          `yaml:"auth" mapstructure:"auth"`
	Stream    StreamConfig        `yaml:"stream" mapstructure:"stream"`
	Notify    NotifyConfig        `yaml:"notify" mapstructure:"notify"`
	RateLimit RateLimitConfig     `yaml:"rate_limit" mapstructure:"rate_limit"`
	Logging   telemetry.LogConfig `yaml:"logging" mapstructure:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	MaxBatchSize    int           `yaml:"max_batch_size" mapstructure:"max_batch_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors" mapstructure:"cors"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins" mapstructure:"origins"`
	Methods []string `yaml:"methods" mapstructure:"methods"`
}

// AuthConfig controls owner token signing.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl" mapstructure:"token_ttl"`
}

// StreamConfig tunes the log stream publisher.
type StreamConfig struct {
	Interval  time.Duration `yaml:"interval" mapstructure:"interval"`
	BatchSize int           `yaml:"batch_size" mapstructure:"batch_size"`
	Heartbeat time.Duration `yaml:"heartbeat" mapstructure:"heartbeat"`
}

// NotifyConfig selects the new-log notifier. An empty RedisURL keeps
// notifications in process.
type NotifyConfig struct {
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url"`
}

// RateLimitConfig sets per-IP limits. Zero disables a limit.
type RateLimitConfig struct {
	IngestPerMinute int `yaml:"ingest_per_minute" mapstructure:"ingest_per_minute"`
	StreamPerMinute int `yaml:"stream_per_minute" mapstructure:"stream_per_minute"`
}

// Addr is the host:port the server listens on.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Default returns a Config pre-filled with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			MaxBodyBytes:    1 << 20,
			MaxBatchSize:    100,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				Origins: []string{"*"},
				Methods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			},
		},
		Store: store.Config{
			Driver: "sqlite",
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Stream: StreamConfig{
			Interval:  time.Second,
			BatchSize: 10,
			Heartbeat: 15 * time.Second,
		},
		RateLimit: RateLimitConfig{
			IngestPerMinute: 600,
			StreamPerMinute: 60,
		},
		Logging: telemetry.LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SetDefaults registers every key with v so SHIPLOG_* variables are
// picked up by AutomaticEnv even when no config file mentions them.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.max_body_bytes", d.Server.MaxBodyBytes)
	v.SetDefault("server.max_batch_size", d.Server.MaxBatchSize)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.cors.origins", d.Server.CORS.Origins)
	v.SetDefault("server.cors.methods", d.Server.CORS.Methods)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.data_dir", "")
	v.SetDefault("store.max_open_conns", 0)
	v.SetDefault("store.max_idle_conns", 0)
	v.SetDefault("store.conn_max_lifetime", time.Duration(0))

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", d.Auth.TokenTTL)

	v.SetDefault("stream.interval", d.Stream.Interval)
	v.SetDefault("stream.batch_size", d.Stream.BatchSize)
	v.SetDefault("stream.heartbeat", d.Stream.Heartbeat)

	v.SetDefault("notify.redis_url", "")

	v.SetDefault("rate_limit.ingest_per_minute", d.RateLimit.IngestPerMinute)
	v.SetDefault("rate_limit.stream_per_minute", d.RateLimit.StreamPerMinute)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 0)
	v.SetDefault("logging.max_backups", 0)
	v.SetDefault("logging.max_age_days", 0)
	v.SetDefault("logging.compress", false)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes the merged viper state into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadYAML reads and parses a YAML configuration file on top of the
// defaults. Environment variables referenced as ${VAR_NAME} in the file
// are expanded before parsing.
func LoadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	content := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxBatchSize < 1 {
		errs = append(errs, errors.New("server.max_batch_size must be positive"))
	}
	if c.Stream.Interval <= 0 {
		errs = append(errs, errors.New("stream.interval must be positive"))
	}
	if c.Stream.BatchSize < 1 {
		errs = append(errs, errors.New("stream.batch_size must be positive"))
	}
	if c.Stream.Heartbeat < 0 {
		errs = append(errs, errors.New("stream.heartbeat must not be negative"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	return errors.Join(errs...)
}

// Marshal renders cfg as YAML. The JWT secret is masked unless reveal is set.
func Marshal(cfg *Config, reveal bool) ([]byte, error) {
	out := *cfg
	if !reveal && out.Auth.JWTSecret != "" {
		out.Auth.JWTSecret = "********"
	}
	out.Store.DSN = maskDSN(out.Store.DSN, reveal)
	return yaml.Marshal(&out)
}

func maskDSN(dsn string, reveal bool) string {
	if reveal || dsn == "" {
		return dsn
	}
	return "********"
}

// WriteDefault writes the default configuration to a YAML file. It
// refuses to overwrite an existing file.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
