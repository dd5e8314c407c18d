// Package db provides the PostgreSQL persistence adapter for the messaging
// core.
//
// The schema mirrors the "Persisted state layout" contract: a messages table
// keyed by messageId with a unique index on (chat_id, sender_id,
// client_message_id) for idempotent accept, a per-recipient delivery table,
// a read-cursor table, and a room snapshot table.
package db

import (
	"database/sql"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	_ "github.com/lib/pq"
)

// Config holds database connection configuration.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Database wraps the pooled PostgreSQL connection.
type Database struct {
	db *sql.DB
}

// validateConfig guards against malformed connection parameters reaching the
// DSN string. Host/port are never user-controlled in practice, but the
// check is cheap to keep.
func validateConfig(config Config) error {
	if config.Host == "" {
		return fmt.Errorf("database host cannot be empty")
	}
	if net.ParseIP(config.Host) == nil {
		hostnameRegex := regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-\.]{0,253}[a-zA-Z0-9])?$`)
		if !hostnameRegex.MatchString(config.Host) {
			return fmt.Errorf("invalid database host: %s", config.Host)
		}
	}
	if config.Port == "" {
		return fmt.Errorf("database port cannot be empty")
	}
	port, err := strconv.Atoi(config.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid database port: %s (must be 1-65535)", config.Port)
	}
	if config.DBName == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	return nil
}

// NewDatabase opens a pooled PostgreSQL connection.
func NewDatabase(config Config) (*Database, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	sqlDB.SetConnMaxIdleTime(1 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{db: sqlDB}, nil
}

// NewDatabaseForTesting wraps an existing *sql.DB (e.g. sqlmock) for tests.
func NewDatabaseForTesting(sqlDB *sql.DB) *Database {
	return &Database{db: sqlDB}
}

// Close closes the underlying connection pool.
func (d *Database) Close() error {
	return d.db.Close()
}

// DB returns the underlying *sql.DB for callers that need raw access.
func (d *Database) DB() *sql.DB {
	return d.db
}

// Migrate creates the messaging schema if it does not already exist.
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			message_id VARCHAR(128) PRIMARY KEY,
			chat_id VARCHAR(512) NOT NULL,
			sender_id VARCHAR(255) NOT NULL,
			recipient_id VARCHAR(255),
			room_id VARCHAR(255),
			room_message_id VARCHAR(128),
			content TEXT NOT NULL,
			message_type VARCHAR(16) NOT NULL,
			state VARCHAR(32) NOT NULL,
			client_message_id VARCHAR(255),
			edited BOOLEAN NOT NULL DEFAULT false,
			deleted BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_idempotency
			ON messages (chat_id, sender_id, client_message_id)
			WHERE client_message_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_order ON messages (chat_id, message_id)`,

		`CREATE TABLE IF NOT EXISTS message_deliveries (
			message_id VARCHAR(128) NOT NULL,
			recipient_id VARCHAR(255) NOT NULL,
			state VARCHAR(32) NOT NULL,
			marked_at TIMESTAMPTZ,
			PRIMARY KEY (message_id, recipient_id)
		)`,

		`CREATE TABLE IF NOT EXISTS read_cursors (
			user_id VARCHAR(255) NOT NULL,
			chat_id VARCHAR(512) NOT NULL,
			last_read_message_id VARCHAR(128) NOT NULL,
			last_read_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, chat_id)
		)`,

		`CREATE TABLE IF NOT EXISTS rooms (
			room_id VARCHAR(255) PRIMARY KEY,
			name VARCHAR(255),
			thumbnail_url TEXT,
			created_by VARCHAR(255) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			version BIGINT NOT NULL DEFAULT 1
		)`,

		`CREATE TABLE IF NOT EXISTS room_members (
			room_id VARCHAR(255) NOT NULL REFERENCES rooms(room_id) ON DELETE CASCADE,
			user_id VARCHAR(255) NOT NULL,
			role VARCHAR(16) NOT NULL,
			joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (room_id, user_id)
		)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
