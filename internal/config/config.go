package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	EventTransport string

	Scheduler SchedulerConfig
	OpenStack OpenStackConfig
	Metrics   MetricsPushConfig
	RateLimit RateLimitConfig
}

type SchedulerConfig struct {
	Enabled             bool
	RunInterval         time.Duration
	BatchSize           int
	Workers             int
	StaleOrderThreshold time.Duration
	EnabledJobs         []string
}

type OpenStackConfig struct {
	Enabled          bool
	IdentityEndpoint string
	Username         string
	Password         string
	TenantName       string
	DomainName       string
	Region           string
}

// RateLimitConfig bounds order submission per user. Rate is in orders per
// second.
type RateLimitConfig struct {
	Enabled              bool
	OrderSubmissionRate  float64
	OrderSubmissionBurst int
}

// MetricsPushConfig configures where one-shot reconcile runs push their metrics.
type MetricsPushConfig struct {
	Exporter  string
	Endpoint  string
	AuthToken string
}

const (
	EventTransportInProcess = "inprocess"
	EventTransportRedis     = "redis"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "marketplace"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "marketplace"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		RedisAddr:      strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:  getenv("REDIS_PASSWORD", ""),
		RedisDB:        getenvInt("REDIS_DB", 0),
		EventTransport: normalizeTransport(getenv("EVENT_TRANSPORT", EventTransportInProcess)),

		Scheduler: SchedulerConfig{
			Enabled:             getenvBool("SCHEDULER_ENABLED", true),
			RunInterval:         getenvDuration("SCHEDULER_RUN_INTERVAL", 30*time.Second),
			BatchSize:           getenvInt("SCHEDULER_BATCH_SIZE", 50),
			Workers:             getenvInt("SCHEDULER_WORKERS", 8),
			StaleOrderThreshold: getenvDuration("STALE_ORDER_THRESHOLD", 2*time.Hour),
			EnabledJobs:         parseList(getenv("SCHEDULER_ENABLED_JOBS", "")),
		},
		OpenStack: OpenStackConfig{
			Enabled:          getenvBool("OPENSTACK_ENABLED", false),
			IdentityEndpoint: strings.TrimSpace(getenv("OS_AUTH_URL", "")),
			Username:         getenv("OS_USERNAME", ""),
			Password:         getenv("OS_PASSWORD", ""),
			TenantName:       getenv("OS_PROJECT_NAME", ""),
			DomainName:       getenv("OS_USER_DOMAIN_NAME", "Default"),
			Region:           getenv("OS_REGION_NAME", "RegionOne"),
		},
		Metrics: MetricsPushConfig{
			Exporter:  strings.ToLower(getenv("METRICS_PUSH_EXPORTER", "")),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_AUTH_TOKEN", "")),
		},
		RateLimit: RateLimitConfig{
			Enabled:              getenvBool("RATE_LIMIT_ENABLED", false),
			OrderSubmissionRate:  getenvFloat("RATE_LIMIT_ORDER_SUBMISSION_RATE", 1),
			OrderSubmissionBurst: getenvInt("RATE_LIMIT_ORDER_SUBMISSION_BURST", 10),
		},
	}

	return cfg
}

// RedisEnabled reports whether a Redis address is configured.
func (c Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

func normalizeTransport(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case EventTransportRedis:
		return EventTransportRedis
	default:
		return EventTransportInProcess
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
