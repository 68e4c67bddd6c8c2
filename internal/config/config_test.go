package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoadYAMLExpandsEnv(t *testing.T) {
	t.Setenv("SHIPLOG_TEST_SECRET", "s3cret")
	path := filepath.Join(t.TempDir(), "shiplog.yaml")
	content := `
server:
  port: 9090
auth:
  jwt_secret: ${SHIPLOG_TEST_SECRET}
stream:
  interval: 250ms
store:
  driver: postgres
  dsn: postgres://localhost/shiplog
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadYAML(path)
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Errorf("jwt_secret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Stream.Interval != 250*time.Millisecond {
		t.Errorf("interval = %v", cfg.Stream.Interval)
	}
	if cfg.Stream.BatchSize != 10 {
		t.Errorf("batch_size = %d, want default 10", cfg.Stream.BatchSize)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("driver = %q", cfg.Store.Driver)
	}
}

func TestLoadYAMLMissingFile(t *testing.T) {
	if _, err := LoadYAML(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadFromViperEnv(t *testing.T) {
	t.Setenv("SHIPLOG_SERVER_PORT", "7070")
	t.Setenv("SHIPLOG_STREAM_HEARTBEAT", "5s")
	t.Setenv("SHIPLOG_NOTIFY_REDIS_URL", "redis://localhost:6379/0")

	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Stream.Heartbeat != 5*time.Second {
		t.Errorf("heartbeat = %v", cfg.Stream.Heartbeat)
	}
	if cfg.Notify.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("redis_url = %q", cfg.Notify.RedisURL)
	}
	if cfg.Stream.Interval != time.Second {
		t.Errorf("interval = %v, want default 1s", cfg.Stream.Interval)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"zero interval", func(c *Config) { c.Stream.Interval = 0 }, "stream.interval"},
		{"zero batch", func(c *Config) { c.Stream.BatchSize = 0 }, "stream.batch_size"},
		{"negative heartbeat", func(c *Config) { c.Stream.Heartbeat = -time.Second }, "stream.heartbeat"},
		{"zero ttl", func(c *Config) { c.Auth.TokenTTL = 0 }, "auth.token_ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestMarshalMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.Auth.JWTSecret = "top-secret"
	cfg.Store.DSN = "postgres://user:pw@db/shiplog"

	out, err := Marshal(cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(out), "top-secret") || strings.Contains(string(out), "pw@db") {
		t.Errorf("secrets leaked:\n%s", out)
	}

	out, err = Marshal(cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "top-secret") {
		t.Errorf("reveal did not include secret:\n%s", out)
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shiplog.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	cfg, err := LoadYAML(path)
	if err != nil {
		t.Fatalf("LoadYAML after WriteDefault: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Stream.Heartbeat != 15*time.Second {
		t.Errorf("round trip lost defaults: %+v", cfg)
	}
	if err := WriteDefault(path); err == nil {
		t.Error("expected WriteDefault to refuse overwrite")
	}
}
