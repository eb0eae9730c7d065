package accesstoken

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestStoreIssueValidate(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(5 * time.Minute)
	s.now = clock.Now

	tok, err := s.Issue(Grant{PersonaID: "assistant", Voice: "alloy", UpstreamSecret: "ek_123"})
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Value)
	assert.Equal(t, clock.Now().Add(5*time.Minute), tok.ExpiresAt)

	g, err := s.Validate(tok.Value)
	require.NoError(t, err)
	assert.Equal(t, "assistant", g.PersonaID)
	assert.Equal(t, "ek_123", g.UpstreamSecret)

	_, err = s.Validate("unknown")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = s.Validate("  ")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestStoreExpiresAndSweeps(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(time.Minute)
	s.now = clock.Now

	old, err := s.Issue(Grant{})
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	fresh, err := s.Issue(Grant{})
	require.NoError(t, err)
	require.Equal(t, 2, s.Len())

	clock.Advance(31 * time.Second)
	_, err = s.Validate(old.Value)
	assert.ErrorIs(t, err, ErrExpiredToken)
	assert.Equal(t, 1, s.Len(), "validate should sweep the expired token")

	_, err = s.Validate(old.Value)
	assert.ErrorIs(t, err, ErrInvalidToken, "a swept token is no longer known")

	_, err = s.Validate(fresh.Value)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 0, s.Len())
}

func TestStoreConcurrentUse(t *testing.T) {
	s := NewStore(time.Minute)
	var wg sync.WaitGroup
	tokens := make(chan string, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := s.Issue(Grant{Voice: "alloy"})
			if err == nil {
				tokens <- tok.Value
			}
			s.Sweep()
		}()
	}
	wg.Wait()
	close(tokens)

	seen := map[string]bool{}
	for v := range tokens {
		require.False(t, seen[v], "duplicate token issued")
		seen[v] = true
		_, err := s.Validate(v)
		require.NoError(t, err)
	}
	assert.Len(t, seen, 64)
}
