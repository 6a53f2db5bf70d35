package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ak-intelligence/whatia/internal/models"
)

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	var historyJSON string
	var periodEnd sql.NullTime
	if err := row.Scan(&u.PhoneNumber, &historyJSON, &u.HistoryTimestamp, &u.NbTokens, &u.NbMessages,
		&periodEnd, &u.IsBlocked, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	if periodEnd.Valid {
		t := periodEnd.Time
		u.CurrentPeriodEnd = &t
	}
	if historyJSON != "" {
		if err := json.Unmarshal([]byte(historyJSON), &u.History); err != nil {
			slog.Error("store: history JSON unmarshal failed", "error", err, "phone", u.PhoneNumber)
			// Continue with empty history rather than failing the read.
			u.History = nil
		}
	}
	return &u, nil
}

func collectUsers(rows *sql.Rows) ([]models.User, error) {
	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			slog.Error("store: user row scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		slog.Error("store: user rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate user rows: %w", err)
	}
	return users, nil
}

func marshalHistory(history []models.ChatMessage) (string, error) {
	if len(history) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(history)
	if err != nil {
		slog.Error("store: history JSON marshal failed", "error", err)
		return "", fmt.Errorf("failed to marshal history: %w", err)
	}
	return string(b), nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// requireRow converts a zero-row UPDATE into models.ErrUserNotFound so callers
// can branch on a missing record instead of silently no-opping.
func requireRow(res sql.Result, phone string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		slog.Debug("store: update matched no record", "phone", phone)
		return models.ErrUserNotFound
	}
	return nil
}
