// Package config loads karbos configuration from environment variables,
// optionally seeded from a .env file and overridden by a YAML file named in
// CONFIG_FILE.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Provider names accepted by CARBON_PROVIDER.
const (
	ProviderElectricityMaps = "electricitymaps"
	ProviderWattTime        = "watttime"
)

// Config holds all configuration for the karbos binaries.
// Values are loaded from environment variables by Load; printUsage in
// cmd/karbos lists the common ones, not all of them.
type Config struct {
	DatabaseURL   string `yaml:"database_url" json:"database_url"`
	RedisHost     string `yaml:"redis_host" json:"redis_host"`
	RedisPort     string `yaml:"redis_port" json:"redis_port"`
	RedisPassword string `yaml:"redis_password" json:"-"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`

	HTTPAddr      string `yaml:"http_addr" json:"http_addr"`
	DefaultRegion string `yaml:"default_region" json:"default_region"`

	ImmediateQueueKey string `yaml:"immediate_queue_key" json:"immediate_queue_key"`
	DelayedSetKey     string `yaml:"delayed_set_key" json:"delayed_set_key"`

	PoolSize     int           `yaml:"pool_size" json:"pool_size"`
	PollInterval time.Duration `yaml:"poll_interval" json:"-"`
	JobTimeout   time.Duration `yaml:"job_timeout" json:"-"`
	DrainBudget  time.Duration `yaml:"drain_budget" json:"-"`

	SlotSize        time.Duration `yaml:"slot_size" json:"-"`
	Threshold       float64       `yaml:"threshold" json:"threshold"`
	SchedulerWindow time.Duration `yaml:"scheduler_window" json:"-"`

	PromoterInterval time.Duration `yaml:"promoter_interval" json:"-"`
	JanitorInterval  time.Duration `yaml:"janitor_interval" json:"-"`
	CacheMaxAge      time.Duration `yaml:"cache_max_age" json:"-"`
	CacheTTL         time.Duration `yaml:"cache_ttl" json:"-"`

	BreakerMaxFailures    int           `yaml:"breaker_max_failures" json:"breaker_max_failures"`
	BreakerTimeout        time.Duration `yaml:"breaker_timeout" json:"-"`
	BreakerResetTimeout   time.Duration `yaml:"breaker_reset_timeout" json:"-"`
	BreakerStaticFallback float64       `yaml:"breaker_static_fallback" json:"breaker_static_fallback"`

	Provider         string `yaml:"carbon_provider" json:"carbon_provider"`
	ProviderBaseURL  string `yaml:"carbon_api_url" json:"carbon_api_url"`
	ProviderAPIKey   string `yaml:"carbon_api_key" json:"-"`
	ProviderUsername string `yaml:"carbon_api_username" json:"-"`
	ProviderPassword string `yaml:"carbon_api_password" json:"-"`

	DockerMemoryLimit int64 `yaml:"docker_memory_limit" json:"docker_memory_limit"`
	DockerCPUQuota    int64 `yaml:"docker_cpu_quota" json:"docker_cpu_quota"`

	DBOpTimeout time.Duration `yaml:"db_op_timeout" json:"-"`

	MetricsEnabled bool   `yaml:"metrics_enabled" json:"metrics_enabled"`
	MetricsPath    string `yaml:"metrics_path" json:"metrics_path"`

	LeaderLockKey int64 `yaml:"leader_lock_key" json:"leader_lock_key"`
}

// Load reads configuration from environment variables with defaults, then
// applies the optional YAML overlay named by CONFIG_FILE.
func Load() Config {
	// .env is optional; in production the environment is authoritative.
	if err := godotenv.Load(); err == nil {
		log.Println("config: loaded .env file")
	}

	cfg := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		DefaultRegion: getEnv("DEFAULT_REGION", "US-EAST"),

		ImmediateQueueKey: getEnv("IMMEDIATE_QUEUE_KEY", "karbos:queue:immediate"),
		DelayedSetKey:     getEnv("DELAYED_SET_KEY", "karbos:queue:delayed"),

		PoolSize:     getEnvInt("WORKER_POOL_SIZE", 5),
		PollInterval: getEnvDuration("WORKER_POLL_INTERVAL", 2*time.Second),
		JobTimeout:   getEnvDuration("WORKER_JOB_TIMEOUT", 10*time.Minute),
		DrainBudget:  getEnvDuration("POOL_DRAIN_BUDGET", 30*time.Second),

		SlotSize:        getEnvDuration("SCHEDULER_SLOT_SIZE", time.Hour),
		Threshold:       getEnvFloat("SCHEDULER_THRESHOLD", 400.0),
		SchedulerWindow: getEnvDuration("SCHEDULER_WINDOW", 24*time.Hour),

		PromoterInterval: getEnvDuration("PROMOTER_INTERVAL", 10*time.Second),
		JanitorInterval:  getEnvDuration("JANITOR_INTERVAL", time.Hour),
		CacheMaxAge:      getEnvDuration("CACHE_MAX_AGE", 24*time.Hour),
		CacheTTL:         getEnvDuration("CARBON_CACHE_TTL", time.Hour),

		BreakerMaxFailures:    getEnvInt("BREAKER_MAX_FAILURES", 5),
		BreakerTimeout:        getEnvDuration("BREAKER_TIMEOUT", 30*time.Second),
		BreakerResetTimeout:   getEnvDuration("BREAKER_RESET_TIMEOUT", 10*time.Second),
		BreakerStaticFallback: getEnvFloat("BREAKER_STATIC_FALLBACK", 400.0),

		Provider:         getEnv("CARBON_PROVIDER", ProviderElectricityMaps),
		ProviderBaseURL:  os.Getenv("CARBON_API_URL"),
		ProviderAPIKey:   os.Getenv("CARBON_API_KEY"),
		ProviderUsername: os.Getenv("CARBON_API_USERNAME"),
		ProviderPassword: os.Getenv("CARBON_API_PASSWORD"),

		DockerMemoryLimit: getEnvInt64("DOCKER_MEMORY_LIMIT", 512*1024*1024),
		DockerCPUQuota:    getEnvInt64("DOCKER_CPU_QUOTA", 50000),

		DBOpTimeout: getEnvDuration("DB_OP_TIMEOUT", 5*time.Second),

		MetricsEnabled: os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:    getEnv("METRICS_PATH", "/metrics"),

		LeaderLockKey: getEnvInt64("LEADER_LOCK_KEY", 652031),
	}

	if cfg.HTTPAddr = os.Getenv("HTTP_ADDR"); cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			log.Printf("config: failed to apply %s: %v", path, err)
		}
	}

	return cfg
}

// applyFile overlays a YAML config file onto the loaded configuration.
// Only keys present in the file are applied.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	log.Printf("config: applied overlay from %s", path)
	return nil
}

// RedisAddr returns the host:port Redis address.
func (c Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	type masked struct {
		Config
		DatabaseURL string `json:"database_url"`
		APIKey      string `json:"carbon_api_key"`
	}
	return json.MarshalIndent(masked{
		Config:      c,
		DatabaseURL: maskSecret(c.DatabaseURL),
		APIKey:      maskSecret(c.ProviderAPIKey),
	}, "", "  ")
}

// maskSecret masks a secret value, preserving only a postgres:// or
// postgresql:// scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("config: invalid %s %q, using default %d", key, value, fallback)
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		log.Printf("config: invalid %s %q, using default %d", key, value, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Printf("config: invalid %s %q, using default %g", key, value, fallback)
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("config: invalid %s %q, using default %s", key, value, fallback)
		return fallback
	}
	return d
}
