package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	AppName string
	Env     string
	Host    string
	Port    int

	DatabaseDriver string
	DatabaseURL    string

	RedisURL        string
	PresencePrefix  string
	PresenceTTL     time.Duration
	CleanupInterval time.Duration
	StoreRetries    int
	HandlerTimeout  time.Duration
	RelayEnabled    bool
	RelayChannel    string

	JWTSecret   string
	CORSOrigins []string
	LogLevel    string
	Debug       bool
}

func Load() (*Config, error) {
	cfg := &Config{
		AppName: getEnv("APP_NAME", "asyv realtime"),
		Env:     getEnv("APP_ENV", "development"),
		Host:    getEnv("HTTP_HOST", "0.0.0.0"),
		Port:    getEnvAsInt("HTTP_PORT", 8000),

		DatabaseDriver: strings.ToLower(getEnv("DB_DRIVER", DriverPostgres)),

		RedisURL:        getEnv("REDIS_URL", "redis://localhost:6379"),
		PresencePrefix:  getEnv("PRESENCE_PREFIX", "presence:"),
		PresenceTTL:     time.Duration(getEnvAsInt("PRESENCE_TTL_SECONDS", 3600)) * time.Second,
		CleanupInterval: time.Duration(getEnvAsInt("PRESENCE_CLEANUP_INTERVAL_SECONDS", 60)) * time.Second,
		StoreRetries:    getEnvAsInt("PRESENCE_STORE_RETRIES", 3),
		HandlerTimeout:  time.Duration(getEnvAsInt("WS_HANDLER_TIMEOUT_SECONDS", 10)) * time.Second,
		RelayEnabled:    getEnvAsBool("PRESENCE_RELAY_ENABLED", false),
		RelayChannel:    getEnv("PRESENCE_RELAY_CHANNEL", "realtime:fanout"),

		JWTSecret: os.Getenv("JWT_SECRET"),
		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		Debug:     getEnvAsBool("DEBUG", false),
	}

	switch cfg.DatabaseDriver {
	case DriverPostgres:
		cfg.DatabaseURL = getEnv("DATABASE_URL", postgresURL())
	case DriverSQLite:
		cfg.DatabaseURL = getEnv("SQLITE_PATH", "realtime.db")
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DatabaseDriver)
	}

	cors := getEnv("CORS_ORIGINS", "")
	if cors != "" {
		parts := strings.Split(cors, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		cfg.CORSOrigins = parts
	} else {
		cfg.CORSOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}

	if cfg.PresenceTTL <= 0 {
		return nil, fmt.Errorf("PRESENCE_TTL_SECONDS must be positive")
	}
	if cfg.CleanupInterval <= 0 {
		return nil, fmt.Errorf("PRESENCE_CLEANUP_INTERVAL_SECONDS must be positive")
	}
	if cfg.HandlerTimeout <= 0 {
		return nil, fmt.Errorf("WS_HANDLER_TIMEOUT_SECONDS must be positive")
	}
	if cfg.StoreRetries < 0 {
		return nil, fmt.Errorf("PRESENCE_STORE_RETRIES must not be negative")
	}

	return cfg, nil
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RESTEnabled reports whether the token-protected REST fallback is served.
func (c *Config) RESTEnabled() bool {
	return c.JWTSecret != ""
}

func postgresURL() string {
	dbHost := getEnv("POSTGRES_HOST", "localhost")
	dbPort := getEnv("POSTGRES_PORT", "5432")
	dbUser := getEnv("POSTGRES_USER", "postgres")
	dbPass := getEnv("POSTGRES_PASSWORD", "postgres")
	dbName := getEnv("POSTGRES_DB", "asyv")

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(dbUser, dbPass),
		Host:     fmt.Sprintf("%s:%s", dbHost, dbPort),
		Path:     dbName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvAsBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
