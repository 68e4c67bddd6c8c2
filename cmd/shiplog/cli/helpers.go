package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/viper"

	"github.com/shipkit/shiplog/internal/config"
	"github.com/shipkit/shiplog/internal/service"
	"github.com/shipkit/shiplog/internal/store"
	"github.com/shipkit/shiplog/internal/telemetry"
)

const devJWTSecret = "shiplog-dev-secret-change-me"

// resolveDataDir returns the data directory from --data-dir,
// SHIPLOG_STORE_DATA_DIR, the config file, or ~/.shiplog as fallback.
func resolveDataDir() string {
	if dir := viper.GetString("store.data_dir"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".shiplog")
}

// loadConfig decodes the merged flags, environment, and config file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openStore opens the configured store. SQLite without a DSN lives in the
// data directory.
func openStore(cfg *config.Config) (*store.Store, error) {
	sc := cfg.Store
	if (sc.Driver == "" || sc.Driver == "sqlite") && sc.DSN == "" {
		sc.DataDir = resolveDataDir()
	}
	st, err := store.Open(sc)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// newLogger builds the process logger. CLI commands other than serve log
// to stderr so stdout stays clean for output.
func newLogger(cfg *config.Config) (*slog.Logger, io.Closer) {
	return telemetry.NewLogger(cfg.Logging)
}

// newAuthService falls back to a development secret, loudly.
func newAuthService(cfg *config.Config, logger *slog.Logger) *service.AuthService {
	secret := cfg.Auth.JWTSecret
	if secret == "" {
		logger.Warn("auth.jwt_secret is not set; using an insecure development secret (set SHIPLOG_AUTH_JWT_SECRET)")
		secret = devJWTSecret
	}
	return service.NewAuthService(secret, clockwork.NewRealClock())
}

// localServerURL is where CLI clients find a server started with the same
// configuration.
func localServerURL() string {
	host := viper.GetString("server.host")
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	port := viper.GetInt("server.port")
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

// --- PID file management ---

func pidFilePath() string {
	return filepath.Join(resolveDataDir(), "shiplog.pid")
}

func writePID(pid int) error {
	if err := os.MkdirAll(resolveDataDir(), 0o755); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(pid)), 0o644)
}

func readPID() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePID() {
	os.Remove(pidFilePath())
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
