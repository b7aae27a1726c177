package database

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment variables consulted by LoadConfigFromEnv.
const (
	envDialect  = "DB_DIALECT"
	envPath     = "DB_PATH"
	envHost     = "DB_HOST"
	envPort     = "DB_PORT"
	envUser     = "DB_USER"
	envPassword = "DB_PASSWORD"
	envDatabase = "DB_NAME"
	envSSLMode  = "DB_SSLMODE"
)

// LoadConfigFromEnv builds a Config from environment variables with sane
// defaults: an embedded sqlite file unless DB_DIALECT=postgres.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		Dialect:         Dialect(getEnv(envDialect, string(DialectSQLite))),
		Path:            getEnv(envPath, "squadron.db"),
		Host:            getEnv(envHost, "localhost"),
		User:            getEnv(envUser, "squadron"),
		Password:        os.Getenv(envPassword),
		Database:        getEnv(envDatabase, "squadron"),
		SSLMode:         getEnv(envSSLMode, "disable"),
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}

	port := getEnv(envPort, "5432")
	p, err := strconv.Atoi(port)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s %q: %w", envPort, port, err)
	}
	cfg.Port = p

	switch cfg.Dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return Config{}, fmt.Errorf("invalid %s %q", envDialect, cfg.Dialect)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
