package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/alertrelay/alertrelay/internal/validation"
)

const (
	DefaultPort              = 3000
	DefaultDuplicateWaitTime = 3000 * time.Millisecond
	DefaultLogLevel          = "info"
	DefaultMetricsPort       = 9090
	DefaultMetricsHost       = "127.0.0.1"
	DefaultDispatchTimeout   = 10 * time.Second
	DefaultSweepInterval     = 1 * time.Second
	DefaultShutdownTimeout   = 5 * time.Second
	DefaultMaxMessageBytes   = 64 * 1024
	DefaultTracingEnabled    = false
	DefaultTracingSampleRate = 1.0
	DefaultOTLPEndpoint      = "localhost:4318"
	DefaultEnvFile           = ".env"
	DefaultVersion           = "v0.1.0"
)

const (
	DefaultMetricsReadTimeout     = 5 * time.Second
	DefaultMetricsWriteTimeout    = 10 * time.Second
	DefaultMetricsShutdownTimeout = 5 * time.Second
	DefaultReadHeaderTimeout      = 10 * time.Second
	DefaultTracingExporterTimeout = 10 * time.Second
	MaxRequestSize                = 1024 * 1024
	DefaultRateLimitPerSec        = 10
	DefaultRateLimitBurst         = 20
	MaxSinkResponseBodyBytes      = 512
)

const (
	EnvPort              = "PORT"
	EnvDuplicateWaitTime = "DUPLICATE_WAIT_TIME"
	EnvSlackWebhookURL   = "SLACK_WEBHOOK_URL"
	EnvLogLevel          = "RELAY_LOG_LEVEL"
	EnvMetricsAddr       = "RELAY_METRICS_ADDR"
	EnvMetricsAnyAddr    = "RELAY_METRICS_INSECURE_ALLOW_ANY_ADDR"
	EnvDispatchTimeout   = "RELAY_DISPATCH_TIMEOUT"
	EnvSweepInterval     = "RELAY_SWEEP_INTERVAL"
	EnvShutdownTimeout   = "RELAY_SHUTDOWN_TIMEOUT"
	EnvMaxMessageBytes   = "RELAY_MAX_MESSAGE_BYTES"
	EnvTracingEnabled    = "RELAY_TRACING_ENABLED"
	EnvOTLPEndpoint      = "RELAY_OTLP_ENDPOINT"
	EnvTracingSampleRate = "RELAY_TRACING_SAMPLE_RATE"
	EnvVersion           = "RELAY_VERSION"
)

var ErrMissingWebhookURL = errors.New(EnvSlackWebhookURL + " is not defined")

var (
	RateLimitPerSec = getIntEnvOrDefault("RELAY_RATE_LIMIT_PER_SEC", DefaultRateLimitPerSec)
	RateLimitBurst  = getIntEnvOrDefault("RELAY_RATE_LIMIT_BURST", DefaultRateLimitBurst)
	Version         = getEnvOrDefault(EnvVersion, DefaultVersion)
)

type Config struct {
	Port              int
	DuplicateWaitTime time.Duration
	WebhookURL        string
	LogLevel          string
	MetricsAddr       string
	DispatchTimeout   time.Duration
	SweepInterval     time.Duration
	ShutdownTimeout   time.Duration
	MaxMessageBytes   int64
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64
}

// Load reads envFile (if present) into the process environment and builds a
// validated Config from it. Variables already set in the environment win over
// the file. A missing webhook URL is reported as ErrMissingWebhookURL.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func FromEnv() *Config {
	return &Config{
		Port:              getIntEnvOrDefault(EnvPort, DefaultPort),
		DuplicateWaitTime: getMillisEnvOrDefault(EnvDuplicateWaitTime, DefaultDuplicateWaitTime),
		WebhookURL:        os.Getenv(EnvSlackWebhookURL),
		LogLevel:          getEnvOrDefault(EnvLogLevel, DefaultLogLevel),
		MetricsAddr:       GetMetricsAddress(),
		DispatchTimeout:   getDurationEnvOrDefault(EnvDispatchTimeout, DefaultDispatchTimeout),
		SweepInterval:     getDurationEnvOrDefault(EnvSweepInterval, DefaultSweepInterval),
		ShutdownTimeout:   getDurationEnvOrDefault(EnvShutdownTimeout, DefaultShutdownTimeout),
		MaxMessageBytes:   getInt64EnvOrDefault(EnvMaxMessageBytes, DefaultMaxMessageBytes),
		TracingEnabled:    getEnvOrDefault(EnvTracingEnabled, "false") == "true",
		OTLPEndpoint:      getEnvOrDefault(EnvOTLPEndpoint, DefaultOTLPEndpoint),
		TracingSampleRate: getFloatEnvOrDefault(EnvTracingSampleRate, DefaultTracingSampleRate),
	}
}

func (c *Config) Validate() error {
	if c.WebhookURL == "" {
		return ErrMissingWebhookURL
	}
	if err := validation.ValidateWebhookURL(c.WebhookURL); err != nil {
		return fmt.Errorf("invalid %s: %w", EnvSlackWebhookURL, err)
	}
	if err := validation.ValidatePort(c.Port); err != nil {
		return fmt.Errorf("invalid %s: %w", EnvPort, err)
	}
	if err := validation.ValidateDuplicateWindow(c.DuplicateWaitTime); err != nil {
		return fmt.Errorf("invalid %s: %w", EnvDuplicateWaitTime, err)
	}
	if err := validation.ValidateSampleRate(c.TracingSampleRate); err != nil {
		return fmt.Errorf("invalid %s: %w", EnvTracingSampleRate, err)
	}
	return nil
}

func (c *Config) ListenAddress() string {
	return ":" + strconv.Itoa(c.Port)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getFloatEnvOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getIntEnvOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil && i > 0 {
			return i
		}
	}
	return defaultValue
}

func getInt64EnvOrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil && i > 0 {
			return i
		}
	}
	return defaultValue
}

func getDurationEnvOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

// getMillisEnvOrDefault reads a plain integer number of milliseconds.
func getMillisEnvOrDefault(key string, defaultValue time.Duration) time.Duration {
	if ms := getInt64EnvOrDefault(key, 0); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func GetMetricsAddress() string {
	addr := os.Getenv(EnvMetricsAddr)
	if addr == "" {
		addr = DefaultMetricsHost + ":" + strconv.Itoa(DefaultMetricsPort)
	}
	return addr
}

func AllowNonLoopbackMetrics() bool {
	return os.Getenv(EnvMetricsAnyAddr) == "1"
}

func GetVersion() string {
	return Version
}

func GetUserAgent() string {
	return "alertrelay/" + Version
}
