// Package db opens the optional Postgres snapshot backend.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Config struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
}

// Database wraps the snapshot database handle.
type Database struct {
	cfg Config
	sql *sql.DB
}

// ConnectFromEnv opens the snapshot database when DB_HOST is configured.
// Without it the store runs on local snapshot files alone and (nil, nil) is
// returned.
func ConnectFromEnv(ctx context.Context) (*Database, error) {
	if os.Getenv("DB_HOST") == "" {
		return nil, nil
	}
	cfg := loadConfigFromEnv()
	handle, err := sql.Open("pgx", dsn(cfg))
	if err != nil {
		return nil, err
	}
	database := &Database{cfg: cfg, sql: handle}
	if err := database.PingContext(ctx); err != nil {
		return database, fmt.Errorf("database ping failed: %w", err)
	}
	return database, nil
}

func dsn(cfg Config) string {
	return fmt.Sprintf(
		"host=%s port=%s dbname=%s user=%s password=%s sslmode=disable",
		cfg.Host,
		cfg.Port,
		cfg.Name,
		cfg.User,
		cfg.Password,
	)
}

// SQL exposes the underlying handle for snapshot reads and writes.
func (d *Database) SQL() *sql.DB {
	if d == nil {
		return nil
	}
	return d.sql
}

func (d *Database) PingContext(ctx context.Context) error {
	if d == nil || d.sql == nil {
		return fmt.Errorf("database is not initialized")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return d.sql.PingContext(pingCtx)
}

func (d *Database) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

func loadConfigFromEnv() Config {
	return Config{
		Host:     getenv("DB_HOST", "localhost"),
		Port:     getenv("DB_PORT", "5432"),
		Name:     getenv("DB_NAME", "classdesk"),
		User:     getenv("DB_USER", "postgres"),
		Password: getenv("DB_PASS", "postgres"),
	}
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
