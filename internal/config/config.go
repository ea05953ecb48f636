package config

import (
	"errors"
	"os"
	"strconv"
)

// ErrMissingJWTSecret is returned when CHAT_JWT_SECRET is unset. The relay
// refuses to start without it: a baked-in fallback secret would let anyone
// who knows the fallback forge tokens.
var ErrMissingJWTSecret = errors.New("CHAT_JWT_SECRET is required")

type Config struct {
	Port        string
	DatabaseURL string
	JWTSecret   string
	RedisURL    string // optional; empty disables the cross-instance bridge
	LogLevel    string
	LogFormat   string
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", "postgres://localhost:5432/openroam?sslmode=disable"),
		JWTSecret:   getEnv("CHAT_JWT_SECRET", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "text"),
	}

	if cfg.JWTSecret == "" {
		return nil, ErrMissingJWTSecret
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}
