package config

import (
	"os"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port            string
	LogLevel        string
	DatabaseURL     string
	DatabaseDriver  string
	RedisAddr       string
	KeyringSecret   string
	ProfilesDir     string
	VerifierTimeout time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	driver := os.Getenv("DATABASE_DRIVER")
	if driver == "" {
		driver = "memory"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" && driver == "postgres" {
		// Default to local generic postgres
		dbURL = "postgres://trustcore@localhost:5432/trustcore?sslmode=disable"
	}

	timeout := 5 * time.Second
	if raw := os.Getenv("VERIFIER_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			timeout = d
		}
	}

	return &Config{
		Port:            port,
		LogLevel:        logLevel,
		DatabaseURL:     dbURL,
		DatabaseDriver:  driver,
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		KeyringSecret:   os.Getenv("KEYRING_SECRET"),
		ProfilesDir:     os.Getenv("PROFILES_DIR"),
		VerifierTimeout: timeout,
	}
}
