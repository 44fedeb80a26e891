package config

import (
	"os"
	"strconv"
)

type Postgres struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

type Config struct {
	Port                  string
	LogLevel              string
	JWTPublicKeyPath      string
	StaleSweepCron        string
	ThrottleRetentionDays int
	Postgres              Postgres
}

func Load() Config {
	return Config{
		Port:                  getenv("AUTOMATION_ENGINE_PORT", "8096"),
		LogLevel:              getenv("LOG_LEVEL", "info"),
		JWTPublicKeyPath:      getenv("JWT_PUBLIC_KEY_PATH", ""),
		StaleSweepCron:        getenv("STALE_SWEEP_CRON", "0 */10 * * * *"),
		ThrottleRetentionDays: getenvInt("THROTTLE_RETENTION_DAYS", 30),
		Postgres: Postgres{
			User:     getenv("POSTGRES_USER", ""),
			Password: getenv("POSTGRES_PASSWORD", ""),
			DBName:   getenv("POSTGRES_DB", ""),
			Host:     getenv("POSTGRES_HOST", ""),
			Port:     getenv("POSTGRES_PORT", ""),
			SSLMode:  getenv("POSTGRES_SSLMODE", "disable"),
		},
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
