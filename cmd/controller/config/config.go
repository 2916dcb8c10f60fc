// Package config loads the controller's environment-variable driven
// configuration, following the teacher's getEnv/getEnvInt/getEnvBool
// helper style.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
)

// Config holds the controller's runtime configuration (spec §6
// "Configuration").
type Config struct {
	Port     string
	APIKey   string
	DatabaseURL string
	StorageRoot string

	WorkerTokenTTL        time.Duration
	BuildHeartbeatTimeout time.Duration
	SweepInterval         time.Duration
	StaleWorkerThreshold  time.Duration

	MaxSourceBytes int64
	MaxCertsBytes  int64
	MaxResultBytes int64

	// OpenTelemetry configuration, following lib/otel's Config shape.
	OtelEnabled           bool
	OtelEndpoint          string
	OtelServiceName       string
	OtelServiceInstanceID string
	OtelInsecure          bool
	Version               string
	Env                   string

	LogLevel string

	ShutdownGracePeriod time.Duration
}

// Load loads configuration from environment variables, optionally
// preceded by a .env file (failing silently if absent).
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:        getEnv("PORT", "8080"),
		APIKey:      getEnv("CONTROLLER_API_KEY", ""),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		StorageRoot: getEnv("STORAGE_ROOT", "/var/lib/buildmesh"),

		WorkerTokenTTL:        getEnvSeconds("WORKER_TOKEN_TTL_SECONDS", 90),
		BuildHeartbeatTimeout: getEnvSeconds("BUILD_HEARTBEAT_TIMEOUT_SECONDS", 120),
		SweepInterval:         getEnvSeconds("LIVENESS_SWEEP_INTERVAL_SECONDS", 5),
		StaleWorkerThreshold:  getEnvSeconds("STALE_WORKER_THRESHOLD_SECONDS", 120),

		MaxSourceBytes: getEnvBytes("MAX_SOURCE_BYTES", "500MB"),
		MaxCertsBytes:  getEnvBytes("MAX_CERTS_BYTES", "50MB"),
		MaxResultBytes: getEnvBytes("MAX_RESULT_BYTES", "2GB"),

		OtelEnabled:           getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:          getEnv("OTEL_ENDPOINT", "127.0.0.1:4317"),
		OtelServiceName:       getEnv("OTEL_SERVICE_NAME", "buildmesh-controller"),
		OtelServiceInstanceID: getEnv("OTEL_SERVICE_INSTANCE_ID", getHostname()),
		OtelInsecure:          getEnvBool("OTEL_INSECURE", true),
		Version:               getEnv("VERSION", "dev"),
		Env:                   getEnv("ENV", "unset"),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		ShutdownGracePeriod: getEnvSeconds("SHUTDOWN_GRACE_PERIOD_SECONDS", 30),
	}
}

// Validate checks configuration values required by spec §6.
func (c *Config) Validate() error {
	if len(c.APIKey) < 32 {
		return fmt.Errorf("CONTROLLER_API_KEY must be at least 32 characters, got %d", len(c.APIKey))
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.StorageRoot == "" {
		return fmt.Errorf("STORAGE_ROOT is required")
	}
	if c.WorkerTokenTTL <= 0 {
		return fmt.Errorf("WORKER_TOKEN_TTL_SECONDS must be positive, got %v", c.WorkerTokenTTL)
	}
	if c.BuildHeartbeatTimeout <= 0 {
		return fmt.Errorf("BUILD_HEARTBEAT_TIMEOUT_SECONDS must be positive, got %v", c.BuildHeartbeatTimeout)
	}
	if c.MaxSourceBytes <= 0 || c.MaxCertsBytes <= 0 || c.MaxResultBytes <= 0 {
		return fmt.Errorf("MAX_SOURCE_BYTES, MAX_CERTS_BYTES and MAX_RESULT_BYTES must be positive")
	}
	return nil
}

func getHostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}

// getEnvBytes parses a byte-size env var (e.g. "500MB") the way the
// teacher parses MAX_OVERLAY_SIZE, falling back to defaultHR (also
// human-readable) if the var is unset or malformed.
func getEnvBytes(key, defaultHR string) int64 {
	value := getEnv(key, defaultHR)
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(value)); err != nil {
		var fallback datasize.ByteSize
		_ = fallback.UnmarshalText([]byte(defaultHR))
		return int64(fallback)
	}
	return int64(size)
}
