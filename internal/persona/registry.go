package persona

import (
	"errors"
	"fmt"
	"strings"
)

const (
	DefaultVoice = "alloy"
	DefaultIcon  = "🎙️"
)

var ErrNotFound = errors.New("persona not found")

// Persona is a named preset of voice and behavioral instructions.
type Persona struct {
	ID                 string `json:"id" mapstructure:"id"`
	Name               string `json:"name" mapstructure:"name"`
	Description        string `json:"description" mapstructure:"description"`
	Voice              string `json:"voice" mapstructure:"voice"`
	SystemInstructions string `json:"systemInstructions" mapstructure:"systemInstructions"`
	Icon               string `json:"icon" mapstructure:"icon"`
}

// Settings is the effective voice/instructions pair for one session.
type Settings struct {
	Voice        string
	Instructions string
}

// Registry is an immutable, insertion-ordered persona table. It is safe for
// concurrent use because nothing mutates it after New returns.
type Registry struct {
	ordered []Persona
	byID    map[string]int
}

// New builds a registry, rejecting empty or duplicate ids.
func New(personas []Persona) (*Registry, error) {
	r := &Registry{
		ordered: make([]Persona, 0, len(personas)),
		byID:    make(map[string]int, len(personas)),
	}
	for i, p := range personas {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("persona at index %d has an empty id", i)
		}
		if _, dup := r.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate persona id %q", p.ID)
		}
		if strings.TrimSpace(p.Voice) == "" {
			p.Voice = DefaultVoice
		}
		if p.Icon == "" {
			p.Icon = DefaultIcon
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		r.byID[p.ID] = len(r.ordered)
		r.ordered = append(r.ordered, p)
	}
	return r, nil
}

func (r *Registry) Lookup(id string) (Persona, bool) {
	if r == nil {
		return Persona{}, false
	}
	idx, ok := r.byID[strings.TrimSpace(id)]
	if !ok {
		return Persona{}, false
	}
	return r.ordered[idx], true
}

// List returns a fresh copy of all personas in catalog order.
func (r *Registry) List() []Persona {
	if r == nil {
		return []Persona{}
	}
	out := make([]Persona, len(r.ordered))
	copy(out, r.ordered)
	return out
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.ordered)
}

// Resolve returns the persona's settings when id is known, otherwise defaults.
// The boolean reports whether the persona was found; an unknown id is not an error.
func (r *Registry) Resolve(id string, defaults Settings) (Settings, bool) {
	if strings.TrimSpace(id) == "" {
		return defaults, false
	}
	p, ok := r.Lookup(id)
	if !ok {
		return defaults, false
	}
	s := Settings{Voice: p.Voice, Instructions: p.SystemInstructions}
	if strings.TrimSpace(s.Instructions) == "" {
		s.Instructions = defaults.Instructions
	}
	return s, true
}
