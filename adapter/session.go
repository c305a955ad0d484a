package deriv

import (
	"context"
	"fmt"
	"sync"
)

// Session holds the process wide session token. The value is cached in
// memory and mirrored to durable storage under session_token.
type Session struct {
	storage Storage

	mu     sync.RWMutex
	token  string
	loaded bool
}

func NewSession(storage Storage) *Session {
	return &Session{storage: storage}
}

// Load reads the persisted token into the cache
func (s *Session) Load(ctx context.Context) error {
	token, err := getString(ctx, s.storage, KeySessionToken)
	if err != nil {
		return fmt.Errorf("failed to load session token: %w", err)
	}
	s.mu.Lock()
	s.token = token
	s.loaded = true
	s.mu.Unlock()
	return nil
}

// GetSessionToken returns the cached token or "" when logged out
func (s *Session) GetSessionToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// HasSessionToken reports whether a token is present
func (s *Session) HasSessionToken() bool {
	return s.GetSessionToken() != ""
}

func (s *Session) StoreSessionToken(ctx context.Context, token string) error {
	if err := s.storage.Set(ctx, KeySessionToken, token); err != nil {
		return fmt.Errorf("failed to store session token: %w", err)
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

func (s *Session) ClearSessionToken(ctx context.Context) error {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
	if err := s.storage.Remove(ctx, KeySessionToken); err != nil {
		return fmt.Errorf("failed to clear session token: %w", err)
	}
	return nil
}
