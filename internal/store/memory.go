package store

import (
	"sync"
	"time"

	"github.com/ak-intelligence/whatia/internal/models"
)

// InMemoryStore is a map-backed Store used in tests and local development.
type InMemoryStore struct {
	mu    sync.RWMutex
	users map[string]models.User
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{users: make(map[string]models.User)}
}

func (s *InMemoryStore) FindByPhone(phone string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[phone]
	if !ok {
		return nil, nil
	}
	cp := u
	cp.History = append([]models.ChatMessage(nil), u.History...)
	return &cp, nil
}

func (s *InMemoryStore) CreateUser(user models.User) error {
	if user.PhoneNumber == "" {
		return models.ErrNoPhoneNumber
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.PhoneNumber]; ok {
		return models.ErrDuplicateUser
	}
	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	s.users[user.PhoneNumber] = user
	return nil
}

func (s *InMemoryStore) UpdateHistory(phone string, history []models.ChatMessage, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[phone]
	if !ok {
		return models.ErrUserNotFound
	}
	u.History = append([]models.ChatMessage(nil), history...)
	u.HistoryTimestamp = ts
	u.UpdatedAt = time.Now()
	s.users[phone] = u
	return nil
}

func (s *InMemoryStore) IncrementCounters(phone string, tokens, messages int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[phone]
	if !ok {
		return models.ErrUserNotFound
	}
	u.NbTokens += tokens
	u.NbMessages += messages
	u.UpdatedAt = time.Now()
	s.users[phone] = u
	return nil
}

func (s *InMemoryStore) Block(phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[phone]
	if !ok {
		return models.ErrUserNotFound
	}
	u.IsBlocked = true
	u.UpdatedAt = time.Now()
	s.users[phone] = u
	return nil
}

func (s *InMemoryStore) UpsertSubscription(phone string, periodEnd time.Time) error {
	if phone == "" {
		return models.ErrNoPhoneNumber
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	created := now
	if existing, ok := s.users[phone]; ok {
		created = existing.CreatedAt
	}
	s.users[phone] = models.User{
		PhoneNumber:      phone,
		History:          nil,
		HistoryTimestamp: now,
		CurrentPeriodEnd: &periodEnd,
		IsBlocked:        false,
		CreatedAt:        created,
		UpdatedAt:        now,
	}
	return nil
}

func (s *InMemoryStore) DeleteUser(phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, phone)
	return nil
}

func (s *InMemoryStore) ListAll() ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out, nil
}

func (s *InMemoryStore) DeleteExpired(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for phone, u := range s.users {
		if u.CurrentPeriodEnd != nil && u.CurrentPeriodEnd.Before(cutoff) {
			delete(s.users, phone)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Close() error { return nil }
