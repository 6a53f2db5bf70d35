// Package store provides storage backends for WhatIA user records.
//
// A user record is one document per phone number: bounded conversation
// history, usage counters, and subscription state. SQLite and PostgreSQL
// adapters share the same interface; the in-memory store backs tests.
package store

import (
	"strings"
	"time"

	"github.com/ak-intelligence/whatia/internal/models"
)

// Store is the user-record persistence contract consumed by the orchestrator
// and the billing webhook handler.
type Store interface {
	// FindByPhone returns the record for a phone number, or (nil, nil) when absent.
	FindByPhone(phone string) (*models.User, error)
	// CreateUser inserts a new record. Returns models.ErrDuplicateUser when the
	// phone number already has one, models.ErrNoPhoneNumber on an empty key.
	CreateUser(user models.User) error
	// UpdateHistory overwrites the stored history window and its timestamp.
	UpdateHistory(phone string, history []models.ChatMessage, ts time.Time) error
	// IncrementCounters adds to the cumulative token and message counters.
	IncrementCounters(phone string, tokens, messages int) error
	// Block sets is_blocked. The flag is one-way; only a subscription upsert
	// re-admits the user.
	Block(phone string) error
	// UpsertSubscription writes a full replacement record for the phone number
	// with the given paid period end: empty history, zeroed counters, unblocked.
	UpsertSubscription(phone string, periodEnd time.Time) error
	// DeleteUser removes the record. Deleting an absent record is not an error.
	DeleteUser(phone string) error
	// ListAll returns every record, for notification fan-out.
	ListAll() ([]models.User, error)
	// DeleteExpired removes records whose paid period ended before the cutoff,
	// returning how many were removed.
	DeleteExpired(cutoff time.Time) (int64, error)
	// Close releases the underlying connection.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store construction.
type Option func(*Opts)

// WithDSN sets the database connection string (file path for SQLite,
// connection URL for PostgreSQL).
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite". PostgreSQL DSNs
// use URL or key=value forms; anything else is treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}
