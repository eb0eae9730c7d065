package accesstoken

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Store keeps opaque random tokens in memory. One mutex serializes issue,
// validate and sweep, so there is never more than one mutator at a time.
type Store struct {
	mu     sync.Mutex
	ttl    time.Duration
	tokens map[string]Grant
	now    func() time.Time
}

func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Store{
		ttl:    ttl,
		tokens: make(map[string]Grant),
		now:    time.Now,
	}
}

func (s *Store) Mode() string { return "memory" }

func (s *Store) Issue(g Grant) (Token, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return Token{}, fmt.Errorf("generate token: %w", err)
	}
	value := base64.RawURLEncoding.EncodeToString(b)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	g.ExpiresAt = now.Add(s.ttl)
	s.sweepLocked(now)
	s.tokens[value] = g
	return Token{Value: value, ExpiresAt: g.ExpiresAt}, nil
}

func (s *Store) Validate(token string) (Grant, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Grant{}, ErrInvalidToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	g, ok := s.tokens[token]
	s.sweepLocked(now)
	if !ok {
		return Grant{}, ErrInvalidToken
	}
	if !g.ExpiresAt.After(now) {
		return Grant{}, ErrExpiredToken
	}
	return g, nil
}

// Len reports live tokens without sweeping.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.now().UTC())
}

func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

func (s *Store) sweepLocked(now time.Time) int {
	removed := 0
	for token, g := range s.tokens {
		if !g.ExpiresAt.After(now) {
			delete(s.tokens, token)
			removed++
		}
	}
	return removed
}
