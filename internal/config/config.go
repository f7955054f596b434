package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/neogan74/poshost/internal/paths"
)

// Run modes.
const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// Database storage modes.
const (
	StoragePersistent = "persistent"
	StorageEphemeral  = "ephemeral"
)

// Config represents the host configuration
type Config struct {
	Host     HostConfig
	Log      LogConfig
	Database DatabaseConfig
	Server   ServerConfig
	Bridge   BridgeConfig
	Backup   BackupConfig
	Audit    AuditConfig
	UI       UIConfig
	Metrics  MetricsConfig
	Tracing  TracingConfig
}

// HostConfig contains data root and run mode
type HostConfig struct {
	DataRoot string
	Mode     string
	Version  string
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string
	Format string
}

// DatabaseConfig describes the embedded database engine
type DatabaseConfig struct {
	Binary       string
	ExtraArgs    []string
	Host         string
	Port         int
	Name         string
	Storage      string // "persistent", "ephemeral"
	DevURI       string
	StartTimeout time.Duration
	StopTimeout  time.Duration
	LockFiles    []string
}

// ServerConfig describes the application server child process
type ServerConfig struct {
	Command      string
	Args         []string
	WorkDir      string
	Port         int
	URIEnv       string
	StopTimeout  time.Duration
	ReadyTimeout time.Duration
	HealthPath   string
}

// BridgeConfig contains the capability bridge listener configuration
type BridgeConfig struct {
	Host           string
	Port           int
	TokenTTL       time.Duration
	TokenFile      string
	RequestsPerSec float64
	Burst          int
}

// BackupConfig contains backup configuration
type BackupConfig struct {
	ExportDir string
}

// AuditConfig contains capability audit configuration
type AuditConfig struct {
	Enabled    bool
	Sink       string // "file", "stdout"
	FilePath   string
	BufferSize int
	DropPolicy string // "drop", "block"
}

// UIConfig describes the optional UI process
type UIConfig struct {
	Command string
	Args    []string
}

// MetricsConfig toggles the /metrics endpoint on the bridge listener
type MetricsConfig struct {
	Enabled bool
}

// TracingConfig contains OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled        bool
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	Environment    string
	SamplingRatio  float64
	InsecureConn   bool
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	config := &Config{
		Host: HostConfig{
			DataRoot: getEnvString("POSHOST_DATA_ROOT", paths.DefaultRoot("pos-system")),
			Mode:     getEnvString("POSHOST_MODE", ModeProduction),
			Version:  getEnvString("POSHOST_VERSION", "dev"),
		},
		Log: LogConfig{
			Level:  getEnvString("POSHOST_LOG_LEVEL", "info"),
			Format: getEnvString("POSHOST_LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Binary:       getEnvString("POSHOST_DB_BINARY", "mongod"),
			ExtraArgs:    getEnvStringSlice("POSHOST_DB_ARGS", nil),
			Host:         getEnvString("POSHOST_DB_HOST", "127.0.0.1"),
			Port:         getEnvInt("POSHOST_DB_PORT", 27018),
			Name:         getEnvString("POSHOST_DB_NAME", "pos-db"),
			Storage:      getEnvString("POSHOST_DB_STORAGE", StoragePersistent),
			DevURI:       getEnvString("POSHOST_DB_DEV_URI", "mongodb://localhost:27017/pos-db"),
			StartTimeout: getEnvDuration("POSHOST_DB_START_TIMEOUT", 30*time.Second),
			StopTimeout:  getEnvDuration("POSHOST_DB_STOP_TIMEOUT", 10*time.Second),
			LockFiles:    getEnvStringSlice("POSHOST_DB_LOCK_FILES", []string{"mongod.lock", "WiredTiger.lock"}),
		},
		Server: ServerConfig{
			Command:      getEnvString("POSHOST_SERVER_COMMAND", "node"),
			Args:         getEnvStringSlice("POSHOST_SERVER_ARGS", []string{"app.js"}),
			WorkDir:      getEnvString("POSHOST_SERVER_WORKDIR", "backend"),
			Port:         getEnvInt("POSHOST_SERVER_PORT", 3000),
			URIEnv:       getEnvString("POSHOST_SERVER_URI_ENV", "MONGODB_URI"),
			StopTimeout:  getEnvDuration("POSHOST_SERVER_STOP_TIMEOUT", 5*time.Second),
			ReadyTimeout: getEnvDuration("POSHOST_SERVER_READY_TIMEOUT", 30*time.Second),
			HealthPath:   getEnvString("POSHOST_SERVER_HEALTH_PATH", ""),
		},
		Bridge: BridgeConfig{
			Host:           getEnvString("POSHOST_BRIDGE_HOST", "127.0.0.1"),
			Port:           getEnvInt("POSHOST_BRIDGE_PORT", 0),
			TokenTTL:       getEnvDuration("POSHOST_BRIDGE_TOKEN_TTL", 24*time.Hour),
			TokenFile:      getEnvString("POSHOST_BRIDGE_TOKEN_FILE", ""),
			RequestsPerSec: getEnvFloat("POSHOST_BRIDGE_RATE", 20.0),
			Burst:          getEnvInt("POSHOST_BRIDGE_BURST", 40),
		},
		Backup: BackupConfig{
			ExportDir: getEnvString("POSHOST_EXPORT_DIR", ""),
		},
		Audit: AuditConfig{
			Enabled:    getEnvBool("POSHOST_AUDIT_ENABLED", true),
			Sink:       getEnvString("POSHOST_AUDIT_SINK", "file"),
			FilePath:   getEnvString("POSHOST_AUDIT_FILE", ""),
			BufferSize: getEnvInt("POSHOST_AUDIT_BUFFER", 256),
			DropPolicy: getEnvString("POSHOST_AUDIT_DROP_POLICY", "drop"),
		},
		UI: UIConfig{
			Command: getEnvString("POSHOST_UI_COMMAND", ""),
			Args:    getEnvStringSlice("POSHOST_UI_ARGS", nil),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("POSHOST_METRICS_ENABLED", false),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("POSHOST_TRACING_ENABLED", false),
			Endpoint:       getEnvString("POSHOST_TRACING_ENDPOINT", "localhost:4318"),
			ServiceName:    getEnvString("POSHOST_TRACING_SERVICE_NAME", "poshost"),
			ServiceVersion: getEnvString("POSHOST_TRACING_SERVICE_VERSION", "1.0.0"),
			Environment:    getEnvString("POSHOST_TRACING_ENVIRONMENT", "desktop"),
			SamplingRatio:  getEnvFloat("POSHOST_TRACING_SAMPLING_RATIO", 1.0),
			InsecureConn:   getEnvBool("POSHOST_TRACING_INSECURE", true),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Host.DataRoot == "" {
		return fmt.Errorf("data root must be specified")
	}

	if c.Host.Mode != ModeDevelopment && c.Host.Mode != ModeProduction {
		return fmt.Errorf("invalid mode: %s (must be development or production)", c.Host.Mode)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	validLogFormats := map[string]bool{
		"text": true,
		"json": true,
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Log.Format)
	}

	if c.Database.Storage != StoragePersistent && c.Database.Storage != StorageEphemeral {
		return fmt.Errorf("invalid database storage: %s (must be persistent or ephemeral)", c.Database.Storage)
	}

	if c.Host.Mode == ModeProduction {
		if c.Database.Binary == "" {
			return fmt.Errorf("database binary must be specified in production mode")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			return fmt.Errorf("invalid database port: %d (must be 1-65535)", c.Database.Port)
		}
		if c.Server.Command == "" {
			return fmt.Errorf("server command must be specified in production mode")
		}
	} else if c.Database.DevURI == "" {
		return fmt.Errorf("development database URI must be specified")
	}

	if c.Database.StartTimeout <= 0 {
		return fmt.Errorf("invalid database start timeout: %v (must be positive)", c.Database.StartTimeout)
	}
	if c.Database.StopTimeout <= 0 {
		return fmt.Errorf("invalid database stop timeout: %v (must be positive)", c.Database.StopTimeout)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.URIEnv == "" {
		return fmt.Errorf("server URI environment variable name must be specified")
	}
	if c.Server.StopTimeout <= 0 {
		return fmt.Errorf("invalid server stop timeout: %v (must be positive)", c.Server.StopTimeout)
	}

	if c.Bridge.Port < 0 || c.Bridge.Port > 65535 {
		return fmt.Errorf("invalid bridge port: %d (must be 0-65535)", c.Bridge.Port)
	}
	if c.Bridge.TokenTTL <= 0 {
		return fmt.Errorf("bridge token TTL must be positive")
	}
	if c.Bridge.RequestsPerSec <= 0 {
		return fmt.Errorf("bridge rate limit must be positive")
	}
	if c.Bridge.Burst <= 0 {
		return fmt.Errorf("bridge burst must be positive")
	}

	if c.Audit.Enabled {
		if c.Audit.Sink != "file" && c.Audit.Sink != "stdout" {
			return fmt.Errorf("invalid audit sink: %s (must be file or stdout)", c.Audit.Sink)
		}
		if c.Audit.DropPolicy != "drop" && c.Audit.DropPolicy != "block" {
			return fmt.Errorf("invalid audit drop policy: %s (must be drop or block)", c.Audit.DropPolicy)
		}
		if c.Audit.BufferSize <= 0 {
			return fmt.Errorf("audit buffer size must be positive")
		}
	}

	if c.Tracing.Enabled && (c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1) {
		return fmt.Errorf("invalid tracing sampling ratio: %v (must be 0-1)", c.Tracing.SamplingRatio)
	}

	return nil
}

// IsDevelopment reports whether the host runs against externally managed services.
func (c *Config) IsDevelopment() bool {
	return c.Host.Mode == ModeDevelopment
}

// BridgeAddress returns the bridge listen address in host:port format
func (c *Config) BridgeAddress() string {
	return fmt.Sprintf("%s:%d", c.Bridge.Host, c.Bridge.Port)
}

// getEnvString gets a string environment variable with a default value
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvFloat gets a float environment variable with a default value
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvStringSlice reads a comma-separated list. Empty elements are dropped.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var result []string
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				result = append(result, v)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
