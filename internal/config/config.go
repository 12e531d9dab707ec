package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	Port                     string
	AllowedOrigin            string
	DatabaseURL              string
	RunMigrations            bool
	RedisAddr                string
	RedisPassword            string
	RedisDB                  int
	KafkaBrokers             []string
	KafkaTopic               string
	AuthSecret               string
	AuthIssuer               string
	DefaultTenantID          string
	BusinessTimezone         string
	CatalogCacheTTLSeconds   int
	StaleSessionSweepMinutes int
	LogLevel                 string
	HeldSaleBackend          string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	cacheTTL, err := strconv.Atoi(getEnv("CATALOG_CACHE_TTL_SECONDS", "30"))
	if err != nil || cacheTTL < 0 {
		cacheTTL = 30
	}
	sweep, err := strconv.Atoi(getEnv("STALE_SESSION_SWEEP_MINUTES", "15"))
	if err != nil || sweep < 1 {
		sweep = 15
	}
	migrations, err := strconv.ParseBool(getEnv("RUN_MIGRATIONS", "true"))
	if err != nil {
		migrations = true
	}

	cfg := Config{
		Port:                     getEnv("PORT", "8080"),
		AllowedOrigin:            getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		RunMigrations:            migrations,
		RedisAddr:                os.Getenv("REDIS_ADDR"),
		RedisPassword:            os.Getenv("REDIS_PASSWORD"),
		RedisDB:                  redisDB,
		KafkaBrokers:             splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:               getEnv("KAFKA_TOPIC", "register-events"),
		AuthSecret:               strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AuthIssuer:               strings.TrimSpace(os.Getenv("AUTH_ISSUER")),
		DefaultTenantID:          getEnv("DEFAULT_TENANT_ID", "main-tenant"),
		BusinessTimezone:         getEnv("BUSINESS_TIMEZONE", "Asia/Jakarta"),
		CatalogCacheTTLSeconds:   cacheTTL,
		StaleSessionSweepMinutes: sweep,
		LogLevel:                 strings.ToLower(getEnv("LOG_LEVEL", "info")),
		HeldSaleBackend:          strings.ToLower(strings.TrimSpace(os.Getenv("HELD_SALE_BACKEND"))),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// Location resolves the timezone business dates are computed in.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.BusinessTimezone)
	if err != nil {
		return nil, fmt.Errorf("BUSINESS_TIMEZONE %q: %w", c.BusinessTimezone, err)
	}
	return loc, nil
}

func (c Config) CatalogCacheTTL() time.Duration {
	return time.Duration(c.CatalogCacheTTLSeconds) * time.Second
}

func (c Config) StaleSessionSweep() time.Duration {
	return time.Duration(c.StaleSessionSweepMinutes) * time.Minute
}

// HeldSales returns the backend that stores held sales. Without an explicit
// choice Redis wins over Postgres, and memory is the last resort.
func (c Config) HeldSales() (string, error) {
	switch c.HeldSaleBackend {
	case "":
		switch {
		case c.RedisAddr != "":
			return BackendRedis, nil
		case c.DatabaseURL != "":
			return BackendPostgres, nil
		}
		return BackendMemory, nil
	case BackendRedis:
		if c.RedisAddr == "" {
			return "", fmt.Errorf("HELD_SALE_BACKEND=redis needs REDIS_ADDR")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return "", fmt.Errorf("HELD_SALE_BACKEND=postgres needs DATABASE_URL")
		}
	case BackendMemory:
	default:
		return "", fmt.Errorf("unknown HELD_SALE_BACKEND %q", c.HeldSaleBackend)
	}
	return c.HeldSaleBackend, nil
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
