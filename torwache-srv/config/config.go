package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/codefionn/torwache/torwache-srv/logger"
)

// StatsBackend selects the statistics collector implementation.
type StatsBackend string

const (
	StatsBackendDummy    StatsBackend = "dummy"
	StatsBackendSQLite   StatsBackend = "sqlite"
	StatsBackendPostgres StatsBackend = "postgres"
)

// ForwardSocks5 describes an optional upstream SOCKS5 hop used for all
// upstream dials. A nil value means direct dialing.
type ForwardSocks5 struct {
	Address  string
	Username string
	Password string
}

// StatisticsConfig configures the statistics collector backend.
type StatisticsConfig struct {
	Backend     StatsBackend
	SQLitePath  string
	PostgresDSN string
}

// Config represents the immutable configuration for the proxy server.
// It is built once at startup and never mutated afterwards.
type Config struct {
	ListenHost     string // Address to bind the listener to
	ListenPort     int    // Port to bind the listener to
	BufferSize     int    // Bytes per socket read
	TimeoutSeconds int    // Read timeout and relay idle timeout
	MaxConnections int    // Admission limit; 0 disables the cap

	BlocklistFile string // Newline-delimited blocked domains
	AuditLog      string // Append-only event log path; empty disables
	LogLevel      string // Operational log level (DEBUG..FATAL)

	ForwardSocks5 *ForwardSocks5
	Statistics    StatisticsConfig

	// Extra holds unrecognized keys from the config file. They are kept so
	// a reload can detect changes, but nothing reads them.
	Extra map[string]any
}

// ListenAddress returns the host:port the proxy listens on.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.ListenPort)
}

// LoadConfig loads configuration from the specified file path.
// Defaults are applied first, then environment variables, then the file.
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{
		ListenHost:     "127.0.0.1",
		ListenPort:     8888,
		BufferSize:     4096,
		TimeoutSeconds: 10,
		BlocklistFile:  "config/blocked_domains.txt",
		AuditLog:       "logs/proxy.log",
		LogLevel:       "INFO",
		Statistics:     StatisticsConfig{Backend: StatsBackendDummy},
		Extra:          map[string]any{},
	}

	loadConfigFromEnv(cfg)

	if configPath != "" {
		if err := loadFileConfig(configPath, cfg); err != nil {
			return nil, err
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadConfigFromEnv applies TORWACHE_* environment variables.
func loadConfigFromEnv(cfg *Config) {
	if v := os.Getenv("TORWACHE_LISTEN_HOST"); v != "" {
		cfg.ListenHost = v
	}
	if v := os.Getenv("TORWACHE_LISTEN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.ListenPort = port
		} else {
			logger.Warn("Ignoring invalid TORWACHE_LISTEN_PORT: %q", v)
		}
	}
	if v := os.Getenv("TORWACHE_BLOCKLIST_FILE"); v != "" {
		cfg.BlocklistFile = v
	}
	if v := os.Getenv("TORWACHE_AUDIT_LOG"); v != "" {
		cfg.AuditLog = v
	}
	if v := os.Getenv("TORWACHE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// loadFileConfig reads a newline-delimited KEY=VALUE file into cfg.
// Digit-only values are coerced to integers; unknown keys are retained in
// cfg.Extra but otherwise unused.
func loadFileConfig(configPath string, cfg *Config) error {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || !strings.Contains(line, "=") {
			continue
		}
		key, rawValue, _ := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		rawValue = strings.TrimSpace(rawValue)

		var value any = rawValue
		if n, err := strconv.Atoi(rawValue); err == nil && rawValue != "" {
			value = n
		}

		if err := applyKey(cfg, key, value); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func applyKey(cfg *Config, key string, value any) error {
	intVal := func() (int, error) {
		n, ok := value.(int)
		if !ok {
			return 0, fmt.Errorf("config key %s must be an integer, got %q", key, value)
		}
		return n, nil
	}
	strVal := func() string {
		if s, ok := value.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", value)
	}

	var err error
	switch key {
	case "LISTEN_HOST":
		cfg.ListenHost = strVal()
	case "LISTEN_PORT":
		cfg.ListenPort, err = intVal()
	case "BUFFER_SIZE":
		cfg.BufferSize, err = intVal()
	case "SOCKET_TIMEOUT":
		cfg.TimeoutSeconds, err = intVal()
	case "MAX_CONNECTIONS":
		cfg.MaxConnections, err = intVal()
	case "BLOCKLIST_FILE":
		cfg.BlocklistFile = strVal()
	case "AUDIT_LOG":
		cfg.AuditLog = strVal()
	case "LOG_LEVEL":
		cfg.LogLevel = strVal()
	case "FORWARD_SOCKS5":
		if cfg.ForwardSocks5 == nil {
			cfg.ForwardSocks5 = &ForwardSocks5{}
		}
		cfg.ForwardSocks5.Address = strVal()
	case "FORWARD_SOCKS5_USER":
		if cfg.ForwardSocks5 == nil {
			cfg.ForwardSocks5 = &ForwardSocks5{}
		}
		cfg.ForwardSocks5.Username = strVal()
	case "FORWARD_SOCKS5_PASS":
		if cfg.ForwardSocks5 == nil {
			cfg.ForwardSocks5 = &ForwardSocks5{}
		}
		cfg.ForwardSocks5.Password = strVal()
	case "STATS_BACKEND":
		backend := StatsBackend(strVal())
		switch backend {
		case StatsBackendDummy, StatsBackendSQLite, StatsBackendPostgres:
			cfg.Statistics.Backend = backend
		default:
			return fmt.Errorf("invalid STATS_BACKEND: %s", strVal())
		}
	case "STATS_SQLITE_PATH":
		cfg.Statistics.SQLitePath = strVal()
	case "STATS_POSTGRES_DSN":
		cfg.Statistics.PostgresDSN = strVal()
	default:
		cfg.Extra[key] = value
	}
	return err
}

func validate(cfg *Config) error {
	if cfg.ListenPort < 1 || cfg.ListenPort > 65535 {
		return fmt.Errorf("LISTEN_PORT out of range: %d", cfg.ListenPort)
	}
	if cfg.BufferSize <= 0 {
		return fmt.Errorf("BUFFER_SIZE must be positive: %d", cfg.BufferSize)
	}
	if cfg.TimeoutSeconds <= 0 {
		return fmt.Errorf("SOCKET_TIMEOUT must be positive: %d", cfg.TimeoutSeconds)
	}
	if cfg.MaxConnections < 0 {
		return fmt.Errorf("MAX_CONNECTIONS must not be negative: %d", cfg.MaxConnections)
	}
	if cfg.Statistics.Backend == StatsBackendPostgres && cfg.Statistics.PostgresDSN == "" {
		return fmt.Errorf("STATS_POSTGRES_DSN is required for the postgres backend")
	}
	if fwd := cfg.ForwardSocks5; fwd != nil && fwd.Address == "" {
		return fmt.Errorf("FORWARD_SOCKS5 address must not be empty")
	}
	return nil
}

// HasChanged reports whether two configurations differ. Used by the SIGHUP
// reload path to skip restarts for no-op reloads.
func HasChanged(old, new *Config) bool {
	if old == nil || new == nil {
		return old != new
	}
	return !reflect.DeepEqual(old, new)
}
