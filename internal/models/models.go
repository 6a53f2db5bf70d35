// Package models defines the core data structures for WhatIA.
//
// It includes the per-phone-number user record, role-tagged chat messages,
// and the API response envelope shared across modules.
package models

import (
	"errors"
	"time"
)

// Chat roles for conversation history entries.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Gating and window defaults, overridable via configuration.
const (
	// DefaultMaxInboundTokens is the inbound question size ceiling, in model tokens.
	DefaultMaxInboundTokens = 200
	// DefaultFreeTrialLimit is the number of answered turns before the trial gate closes.
	DefaultFreeTrialLimit = 10
	// DefaultHistoryTTL is how long stored history stays usable before a fresh seed.
	DefaultHistoryTTL = 30 * time.Minute
	// DefaultChunkMaxLen is the messaging-provider per-message size limit.
	DefaultChunkMaxLen = 1200
	// MaxHistoryEntries bounds the stored conversation window. When a turn pushes
	// the window past this, the oldest two entries are dropped.
	MaxHistoryEntries = 4
)

// Error variables for better error handling and testability.
var (
	ErrDuplicateUser   = errors.New("user already exists for phone number")
	ErrNoPhoneNumber   = errors.New("phone number is required")
	ErrUserNotFound    = errors.New("user not found")
	ErrServiceStopped  = errors.New("messaging service is stopped")
	ErrLimiterDeadline = errors.New("rate limiter wait exceeded deadline")
)

// ChatMessage is a single role-tagged entry in a user's conversation history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// User is the per-phone-number document backing every conversation turn.
// PhoneNumber is the unique key.
type User struct {
	PhoneNumber      string        `json:"phone_number"`
	History          []ChatMessage `json:"history"`
	HistoryTimestamp time.Time     `json:"history_timestamp"`
	NbTokens         int           `json:"nb_tokens"`
	NbMessages       int           `json:"nb_messages"`
	CurrentPeriodEnd *time.Time    `json:"current_period_end,omitempty"`
	IsBlocked        bool          `json:"is_blocked"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// HasActivePeriod reports whether the user holds a paid period. The trial gate
// only checks presence; expiry cleanup is a store-level sweep, not a turn decision.
func (u *User) HasActivePeriod() bool {
	return u.CurrentPeriodEnd != nil
}

// HistoryStale reports whether the stored history is unusable at now: either
// empty or older than ttl.
func (u *User) HistoryStale(now time.Time, ttl time.Duration) bool {
	if len(u.History) == 0 {
		return true
	}
	return now.Sub(u.HistoryTimestamp) > ttl
}

// TurnOutcome is the terminal state of one inbound-to-outbound cycle.
type TurnOutcome string

const (
	// OutcomeRejectEmpty means the turn carried neither text nor a voice note.
	OutcomeRejectEmpty TurnOutcome = "reject_empty"
	// OutcomeRejectTooLong means the inbound text exceeded the token ceiling.
	OutcomeRejectTooLong TurnOutcome = "reject_too_long"
	// OutcomeRejectBlocked means the trial gate refused the turn.
	OutcomeRejectBlocked TurnOutcome = "reject_blocked"
	// OutcomeOnboard means a record was created and a welcome sent, no model call.
	OutcomeOnboard TurnOutcome = "onboard_new_user"
	// OutcomeAnswer means the model was consulted and a reply delivered.
	OutcomeAnswer TurnOutcome = "answer"
	// OutcomeImage means the !image command path generated and sent an image.
	OutcomeImage TurnOutcome = "image"
)

// InboundMessage is one parsed /bot webhook delivery.
type InboundMessage struct {
	From             string // raw provider sender field, e.g. "whatsapp:+15551234567"
	Body             string
	MediaURL         string
	MediaContentType string
	MessageSID       string
}

// TurnResult reports what the orchestrator did with one inbound message.
type TurnResult struct {
	Outcome     TurnOutcome
	PhoneNumber string
	Reply       string // full (unchunked) reply text, empty for rejections
	ImageURL    string // set for OutcomeImage
	TokensUsed  int
}

// API response types for consistent JSON responses.

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusSuccess mirrors the billing webhook's historical success payload.
	APIStatusSuccess APIStatus = "success"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// BillingSuccess is the fixed body the billing webhook returns once processed.
func BillingSuccess() APIResponse {
	return APIResponse{Status: string(APIStatusSuccess)}
}

// Error creates an error API response with the given message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
