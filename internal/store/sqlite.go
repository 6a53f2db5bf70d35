// Package store provides storage backends for WhatIA user records.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ak-intelligence/whatia/internal/models"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

const sqliteMigrations = `
CREATE TABLE IF NOT EXISTS users (
	phone_number       TEXT PRIMARY KEY,
	history            TEXT NOT NULL DEFAULT '[]',
	history_timestamp  TIMESTAMP NOT NULL,
	nb_tokens          INTEGER NOT NULL DEFAULT 0,
	nb_messages        INTEGER NOT NULL DEFAULT 0,
	current_period_end TIMESTAMP,
	is_blocked         INTEGER NOT NULL DEFAULT 0,
	created_at         TIMESTAMP NOT NULL,
	updated_at         TIMESTAMP NOT NULL
);
`

// SQLiteStore persists user records in a local SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN (a file path).
// The parent directory is created if missing; migrations run on open.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite store ready", "dsn", cfg.DSN)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) FindByPhone(phone string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT phone_number, history, history_timestamp, nb_tokens, nb_messages,
		current_period_end, is_blocked, created_at, updated_at FROM users WHERE phone_number = ?`, phone)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore FindByPhone not found", "phone", phone)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore FindByPhone failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to query user %s: %w", phone, err)
	}
	return u, nil
}

func (s *SQLiteStore) CreateUser(user models.User) error {
	if user.PhoneNumber == "" {
		return models.ErrNoPhoneNumber
	}
	historyJSON, err := marshalHistory(user.History)
	if err != nil {
		return err
	}
	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	_, err = s.db.Exec(`INSERT INTO users
		(phone_number, history, history_timestamp, nb_tokens, nb_messages, current_period_end, is_blocked, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.PhoneNumber, historyJSON, user.HistoryTimestamp, user.NbTokens, user.NbMessages,
		nullableTime(user.CurrentPeriodEnd), user.IsBlocked, user.CreatedAt, now)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			slog.Warn("SQLiteStore CreateUser duplicate", "phone", user.PhoneNumber)
			return models.ErrDuplicateUser
		}
		slog.Error("SQLiteStore CreateUser failed", "error", err, "phone", user.PhoneNumber)
		return fmt.Errorf("failed to insert user %s: %w", user.PhoneNumber, err)
	}
	slog.Debug("SQLiteStore CreateUser succeeded", "phone", user.PhoneNumber)
	return nil
}

func (s *SQLiteStore) UpdateHistory(phone string, history []models.ChatMessage, ts time.Time) error {
	historyJSON, err := marshalHistory(history)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE users SET history = ?, history_timestamp = ?, updated_at = ? WHERE phone_number = ?`,
		historyJSON, ts, time.Now(), phone)
	if err != nil {
		slog.Error("SQLiteStore UpdateHistory failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to update history for %s: %w", phone, err)
	}
	return requireRow(res, phone)
}

func (s *SQLiteStore) IncrementCounters(phone string, tokens, messages int) error {
	res, err := s.db.Exec(`UPDATE users SET nb_tokens = nb_tokens + ?, nb_messages = nb_messages + ?, updated_at = ? WHERE phone_number = ?`,
		tokens, messages, time.Now(), phone)
	if err != nil {
		slog.Error("SQLiteStore IncrementCounters failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to increment counters for %s: %w", phone, err)
	}
	return requireRow(res, phone)
}

func (s *SQLiteStore) Block(phone string) error {
	res, err := s.db.Exec(`UPDATE users SET is_blocked = 1, updated_at = ? WHERE phone_number = ?`, time.Now(), phone)
	if err != nil {
		slog.Error("SQLiteStore Block failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to block %s: %w", phone, err)
	}
	return requireRow(res, phone)
}

func (s *SQLiteStore) UpsertSubscription(phone string, periodEnd time.Time) error {
	if phone == "" {
		return models.ErrNoPhoneNumber
	}
	now := time.Now()
	_, err := s.db.Exec(`INSERT INTO users
		(phone_number, history, history_timestamp, nb_tokens, nb_messages, current_period_end, is_blocked, created_at, updated_at)
		VALUES (?, '[]', ?, 0, 0, ?, 0, ?, ?)
		ON CONFLICT(phone_number) DO UPDATE SET
			history = '[]', history_timestamp = excluded.history_timestamp,
			nb_tokens = 0, nb_messages = 0,
			current_period_end = excluded.current_period_end,
			is_blocked = 0, updated_at = excluded.updated_at`,
		phone, now, periodEnd, now, now)
	if err != nil {
		slog.Error("SQLiteStore UpsertSubscription failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to upsert subscription for %s: %w", phone, err)
	}
	slog.Debug("SQLiteStore UpsertSubscription succeeded", "phone", phone, "period_end", periodEnd)
	return nil
}

func (s *SQLiteStore) DeleteUser(phone string) error {
	_, err := s.db.Exec(`DELETE FROM users WHERE phone_number = ?`, phone)
	if err != nil {
		slog.Error("SQLiteStore DeleteUser failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to delete user %s: %w", phone, err)
	}
	return nil
}

func (s *SQLiteStore) ListAll() ([]models.User, error) {
	rows, err := s.db.Query(`SELECT phone_number, history, history_timestamp, nb_tokens, nb_messages,
		current_period_end, is_blocked, created_at, updated_at FROM users`)
	if err != nil {
		slog.Error("SQLiteStore ListAll query failed", "error", err)
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()
	return collectUsers(rows)
}

func (s *SQLiteStore) DeleteExpired(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM users WHERE current_period_end IS NOT NULL AND current_period_end < ?`, cutoff)
	if err != nil {
		slog.Error("SQLiteStore DeleteExpired failed", "error", err)
		return 0, fmt.Errorf("failed to delete expired users: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug("SQLiteStore DeleteExpired succeeded", "deleted", n)
	return n, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
