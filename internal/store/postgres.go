// Package store provides storage backends for WhatIA user records.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ak-intelligence/whatia/internal/models"
	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL error code for duplicate-key inserts.
const uniqueViolation = "23505"

const postgresMigrations = `
CREATE TABLE IF NOT EXISTS users (
	phone_number       TEXT PRIMARY KEY,
	history            TEXT NOT NULL DEFAULT '[]',
	history_timestamp  TIMESTAMPTZ NOT NULL,
	nb_tokens          INTEGER NOT NULL DEFAULT 0,
	nb_messages        INTEGER NOT NULL DEFAULT 0,
	current_period_end TIMESTAMPTZ,
	is_blocked         BOOLEAN NOT NULL DEFAULT FALSE,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);
`

// PostgresStore persists user records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres store ready")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) FindByPhone(phone string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT phone_number, history, history_timestamp, nb_tokens, nb_messages,
		current_period_end, is_blocked, created_at, updated_at FROM users WHERE phone_number = $1`, phone)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore FindByPhone not found", "phone", phone)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore FindByPhone failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to query user %s: %w", phone, err)
	}
	return u, nil
}

func (s *PostgresStore) CreateUser(user models.User) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		user.PhoneNumber, historyJSON, user.HistoryTimestamp, user.NbTokens, user.NbMessages,
		nullableTime(user.CurrentPeriodEnd), user.IsBlocked, user.CreatedAt, now)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			slog.Warn("PostgresStore CreateUser duplicate", "phone", user.PhoneNumber)
			return models.ErrDuplicateUser
		}
		slog.Error("PostgresStore CreateUser failed", "error", err, "phone", user.PhoneNumber)
		return fmt.Errorf("failed to insert user %s: %w", user.PhoneNumber, err)
	}
	slog.Debug("PostgresStore CreateUser succeeded", "phone", user.PhoneNumber)
	return nil
}

func (s *PostgresStore) UpdateHistory(phone string, history []models.ChatMessage, ts time.Time) error {
	historyJSON, err := marshalHistory(history)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE users SET history = $1, history_timestamp = $2, updated_at = $3 WHERE phone_number = $4`,
		historyJSON, ts, time.Now(), phone)
	if err != nil {
		slog.Error("PostgresStore UpdateHistory failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to update history for %s: %w", phone, err)
	}
	return requireRow(res, phone)
}

func (s *PostgresStore) IncrementCounters(phone string, tokens, messages int) error {
	res, err := s.db.Exec(`UPDATE users SET nb_tokens = nb_tokens + $1, nb_messages = nb_messages + $2, updated_at = $3 WHERE phone_number = $4`,
		tokens, messages, time.Now(), phone)
	if err != nil {
		slog.Error("PostgresStore IncrementCounters failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to increment counters for %s: %w", phone, err)
	}
	return requireRow(res, phone)
}

func (s *PostgresStore) Block(phone string) error {
	res, err := s.db.Exec(`UPDATE users SET is_blocked = TRUE, updated_at = $1 WHERE phone_number = $2`, time.Now(), phone)
	if err != nil {
		slog.Error("PostgresStore Block failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to block %s: %w", phone, err)
	}
	return requireRow(res, phone)
}

func (s *PostgresStore) UpsertSubscription(phone string, periodEnd time.Time) error {
	if phone == "" {
		return models.ErrNoPhoneNumber
	}
	now := time.Now()
	_, err := s.db.Exec(`INSERT INTO users
		(phone_number, history, history_timestamp, nb_tokens, nb_messages, current_period_end, is_blocked, created_at, updated_at)
		VALUES ($1, '[]', $2, 0, 0, $3, FALSE, $4, $5)
		ON CONFLICT (phone_number) DO UPDATE SET
			history = '[]', history_timestamp = EXCLUDED.history_timestamp,
			nb_tokens = 0, nb_messages = 0,
			current_period_end = EXCLUDED.current_period_end,
			is_blocked = FALSE, updated_at = EXCLUDED.updated_at`,
		phone, now, periodEnd, now, now)
	if err != nil {
		slog.Error("PostgresStore UpsertSubscription failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to upsert subscription for %s: %w", phone, err)
	}
	slog.Debug("PostgresStore UpsertSubscription succeeded", "phone", phone, "period_end", periodEnd)
	return nil
}

func (s *PostgresStore) DeleteUser(phone string) error {
	_, err := s.db.Exec(`DELETE FROM users WHERE phone_number = $1`, phone)
	if err != nil {
		slog.Error("PostgresStore DeleteUser failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to delete user %s: %w", phone, err)
	}
	return nil
}

func (s *PostgresStore) ListAll() ([]models.User, error) {
	rows, err := s.db.Query(`SELECT phone_number, history, history_timestamp, nb_tokens, nb_messages,
		current_period_end, is_blocked, created_at, updated_at FROM users`)
	if err != nil {
		slog.Error("PostgresStore ListAll query failed", "error", err)
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()
	return collectUsers(rows)
}

func (s *PostgresStore) DeleteExpired(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM users WHERE current_period_end IS NOT NULL AND current_period_end < $1`, cutoff)
	if err != nil {
		slog.Error("PostgresStore DeleteExpired failed", "error", err)
		return 0, fmt.Errorf("failed to delete expired users: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug("PostgresStore DeleteExpired succeeded", "deleted", n)
	return n, nil
}

// Close closes the PostgreSQL connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres connection")
	return s.db.Close()
}
