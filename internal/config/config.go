/*
Package config loads promptlab's gateway configuration from
environment variables (plus an optional .env file), following the
teacher gateway's pattern of a single immutable record populated once
at startup rather than ad-hoc option bags threaded through every
constructor.
*/
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-derived setting promptlab needs.
// It is read once at startup and passed by value/pointer to
// constructors; nothing re-reads the environment after Load.
type Config struct {
	// Server
	Addr            string
	Env             string
	GracefulTimeout time.Duration

	// Redis (optional; empty RedisURL means "use the in-memory cache store")
	RedisURL string

	// Evolution defaults, overridable per-request
	DefaultPopulationSize int
	DefaultGenerations    int
	DefaultMutationRate   float64
	DefaultCrossoverRate  float64
	DefaultEliteCount     int

	// Router defaults
	DefaultRequestTimeout time.Duration
	RouterMaxAttempts     int
	RouterBaseDelay       time.Duration
	RouterMaxDelay        time.Duration
	RouterJitter          float64
	CircuitFailThreshold  int
	CircuitCooldown       time.Duration

	// Cache defaults
	CacheMaxEntries int
	CacheDefaultTTL time.Duration

	// Models declares the registry of model names to backend base
	// URLs the router dispatches against, in the form
	// "name1=http://url1,http://url2;name2=http://url3" (the first
	// URL per model is its declared primary, the rest are fallbacks
	// in priority order). Left empty, no models are registered and
	// route/generate fail with no-backend-available until an operator
	// configures at least one.
	Models         string
	BackendTimeout time.Duration

	// HTTP rate limiting
	RateLimitEnabled bool
	RateLimitRPM     int
	RateLimitBurst   int

	LogLevel string
}

// Load reads configuration from environment variables and an optional
// .env file, applying the same production defaults the gateway used.
func Load() *Config {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("PROMPTLAB_GRACEFUL_TIMEOUT_SEC", 15)
	reqTimeoutSec := getEnvInt("PROMPTLAB_REQUEST_TIMEOUT_SEC", 30)

	return &Config{
		Addr:            getEnv("PROMPTLAB_ADDR", ":8080"),
		Env:             getEnv("ENV", "development"),
		GracefulTimeout: time.Duration(gracefulSec) * time.Second,
		RedisURL:        getEnv("REDIS_URL", ""),

		DefaultPopulationSize: getEnvInt("EVOLUTION_POPULATION_SIZE", 20),
		DefaultGenerations:    getEnvInt("EVOLUTION_GENERATIONS", 10),
		DefaultMutationRate:   getEnvFloat("EVOLUTION_MUTATION_RATE", 0.1),
		DefaultCrossoverRate:  getEnvFloat("EVOLUTION_CROSSOVER_RATE", 0.7),
		DefaultEliteCount:     getEnvInt("EVOLUTION_ELITE_COUNT", 2),

		DefaultRequestTimeout: time.Duration(reqTimeoutSec) * time.Second,
		RouterMaxAttempts:     getEnvInt("ROUTER_MAX_ATTEMPTS", 3),
		RouterBaseDelay:       time.Duration(getEnvInt("ROUTER_BASE_DELAY_MS", 100)) * time.Millisecond,
		RouterMaxDelay:        time.Duration(getEnvInt("ROUTER_MAX_DELAY_MS", 5000)) * time.Millisecond,
		RouterJitter:          getEnvFloat("ROUTER_JITTER", 0.2),
		CircuitFailThreshold:  getEnvInt("ROUTER_CIRCUIT_FAIL_THRESHOLD", 5),
		CircuitCooldown:       time.Duration(getEnvInt("ROUTER_CIRCUIT_COOLDOWN_SEC", 30)) * time.Second,

		CacheMaxEntries: getEnvInt("CACHE_MAX_ENTRIES", 10000),
		CacheDefaultTTL: time.Duration(getEnvInt("CACHE_DEFAULT_TTL_SEC", 3600)) * time.Second,

		Models:         getEnv("PROMPTLAB_MODELS", ""),
		BackendTimeout: time.Duration(getEnvInt("PROMPTLAB_BACKEND_TIMEOUT_SEC", 30)) * time.Second,

		RateLimitEnabled: getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:     getEnvInt("RATE_LIMIT_RPM", 60),
		RateLimitBurst:   getEnvInt("RATE_LIMIT_BURST", 10),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
