package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MaxPollDeadline is the longest synchronous wait the gateway will hold a caller for.
const MaxPollDeadline = 180 * time.Second

type Config struct {
	// Server
	Port          string // default: 8080
	AppEnv        string // "development" switches to console logging
	AllowedOrigin string // default: "*"

	// Dzine (AI enhancement)
	DzineAPIKey       string
	DzineBaseURL      string
	DzineStyleCode    string
	DzineOutputFormat string

	// Cloudinary (CDN transformation)
	CloudinaryCloudName   string
	CloudinaryAPIKey      string
	CloudinaryAPISecret   string
	CloudinaryAPIBaseURL  string
	CloudinaryMaterialize bool

	// Job polling
	SubmitMode         string        // "deferred" or "sync", default: deferred
	PollDeadline       time.Duration // default: 25s, capped at MaxPollDeadline
	PollInterval       time.Duration // default: 1.5s
	PollRequestTimeout time.Duration // default: 10s

	// CircuitBreakerEnabled shares provider failure counts across requests.
	CircuitBreakerEnabled bool // default: false

	// Optional persistence for tenants and the usage ledger
	PostgresDSN string
	RedisAddr   string

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitRPM int64 // job submissions per minute, default: 60
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		AppEnv:               getEnv("APP_ENV", "production"),
		AllowedOrigin:        getEnv("ALLOWED_ORIGIN", "*"),
		DzineAPIKey:          strings.TrimSpace(os.Getenv("DZINE_API_KEY")),
		DzineBaseURL:         getEnv("DZINE_BASE_URL", "https://papi.dzine.ai/openapi/v1"),
		DzineStyleCode:       getEnv("DZINE_STYLE_CODE", "Style-7feccf2b-f2ad-43a6-89cb-354fb5d928d2"),
		DzineOutputFormat:    getEnv("DZINE_OUTPUT_FORMAT", "jpg"),
		CloudinaryCloudName:  os.Getenv("CLOUDINARY_CLOUD_NAME"),
		CloudinaryAPIKey:     os.Getenv("CLOUDINARY_API_KEY"),
		CloudinaryAPISecret:  os.Getenv("CLOUDINARY_API_SECRET"),
		CloudinaryAPIBaseURL: getEnv("CLOUDINARY_API_BASE_URL", "https://api.cloudinary.com/v1_1"),
		SubmitMode:           strings.ToLower(getEnv("SUBMIT_MODE", "deferred")),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.CloudinaryMaterialize, err = getEnvBool("CLOUDINARY_MATERIALIZE", false); err != nil {
		return nil, err
	}
	if cfg.CircuitBreakerEnabled, err = getEnvBool("CIRCUIT_BREAKER_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.PollDeadline, err = getEnvDuration("POLL_DEADLINE", 25*time.Second); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = getEnvDuration("POLL_INTERVAL", 1500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.PollRequestTimeout, err = getEnvDuration("POLL_REQUEST_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	// Rate Limiting Default
	rpmStr := getEnv("DEFAULT_RATE_LIMIT_RPM", "60")
	rpm, err := strconv.ParseInt(rpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_RPM: %w", err)
	}
	cfg.DefaultRateLimitRPM = rpm

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural settings and clamps the poll deadline. Missing
// provider credentials are not an error here: they are reported per request.
func (c *Config) Validate() error {
	switch c.SubmitMode {
	case "deferred", "sync":
	default:
		return fmt.Errorf("invalid SUBMIT_MODE %q (want deferred or sync)", c.SubmitMode)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.PollDeadline <= 0 {
		return fmt.Errorf("POLL_DEADLINE must be positive")
	}
	if c.PollDeadline > MaxPollDeadline {
		c.PollDeadline = MaxPollDeadline
	}
	if c.PollRequestTimeout <= 0 {
		return fmt.Errorf("POLL_REQUEST_TIMEOUT must be positive")
	}
	if c.DefaultRateLimitRPM <= 0 {
		return fmt.Errorf("DEFAULT_RATE_LIMIT_RPM must be positive")
	}
	return nil
}

// CloudinaryConfigured reports whether the CDN signing credentials are all present.
func (c *Config) CloudinaryConfigured() bool {
	return c.CloudinaryCloudName != "" && c.CloudinaryAPIKey != "" && c.CloudinaryAPISecret != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) (bool, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

// getEnvDuration accepts Go duration strings ("1.5s") or bare milliseconds ("1500").
func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
