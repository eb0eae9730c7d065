package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("session not found")

type Session struct {
	ID        string    `json:"session_id"`
	PersonaID string    `json:"persona_id,omitempty"`
	Voice     string    `json:"voice"`
	State     State     `json:"state"`
	Phase     Phase     `json:"phase"`
	Reason    string    `json:"reason,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Counters
}

// Manager tracks relay sessions from accept to completion. Each session is
// written only by the relay invocation that owns it; the manager only guards
// the shared index.
type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	retention time.Duration
	onFinish  func(*Session)
}

func NewManager(retention time.Duration) *Manager {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &Manager{
		sessions:  make(map[string]*Session),
		retention: retention,
	}
}

// SetFinishHook registers a callback invoked once per finished session,
// outside the manager lock.
func (m *Manager) SetFinishHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFinish = hook
}

func (m *Manager) Create(personaID, voice string) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		PersonaID: personaID,
		Voice:     voice,
		State:     StateActive,
		Phase:     PhaseIdle,
		StartedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) SetPhase(sessionID string, phase Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.State != StateActive {
		return nil
	}
	s.Phase = phase
	return nil
}

// Finish records the outcome. Finishing an already finished session is a no-op.
func (m *Manager) Finish(sessionID string, out Outcome) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if s.State != StateActive {
		c := clone(s)
		m.mu.Unlock()
		return c, nil
	}
	s.State = out.State
	if s.State == "" || s.State == StateActive {
		s.State = StateFailed
	}
	s.Phase = PhaseClosed
	if s.State == StateFailed {
		s.Phase = PhaseFailed
	}
	s.Reason = out.Reason
	s.Counters = out.Counters
	s.EndedAt = time.Now().UTC()
	finished := clone(s)
	hook := m.onFinish
	m.mu.Unlock()

	if hook != nil {
		hook(finished)
	}
	return finished, nil
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.State == StateActive {
			count++
		}
	}
	return count
}

// List returns tracked sessions, newest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, clone(s))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
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
				m.pruneFinished()
			}
		}
	}()
}

func (m *Manager) pruneFinished() int {
	cutoff := time.Now().UTC().Add(-m.retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if s.State == StateActive {
			continue
		}
		if s.EndedAt.After(cutoff) {
			continue
		}
		delete(m.sessions, id)
		removed++
	}
	return removed
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
