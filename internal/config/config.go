// Package config loads application settings from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the runtime settings of the server.
type Config struct {
	Addr              string
	DataDir           string
	SnapshotRetention int
	AutosaveInterval  time.Duration
	Operator          string
}

// Load reads an optional .env file and resolves settings with defaults.
func Load() Config {
	_ = godotenv.Load()
	return Config{
		Addr:              getenv("ADDR", ":8080"),
		DataDir:           getenv("DATA_DIR", "data"),
		SnapshotRetention: getint("SNAPSHOT_RETENTION", 10),
		AutosaveInterval:  getduration("AUTOSAVE_INTERVAL", time.Minute),
		Operator:          getenv("OPERATOR", "teacher"),
	}
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getint(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
