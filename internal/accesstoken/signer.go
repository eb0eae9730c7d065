package accesstoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "voicerelay"

type relayClaims struct {
	PersonaID string `json:"pid,omitempty"`
	Voice     string `json:"voice,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues stateless HS256 tokens so any replica can validate them.
// Upstream secrets are never embedded; holders fall back to the service key.
type Signer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewSigner(key string, ttl time.Duration) (*Signer, error) {
	if len(strings.TrimSpace(key)) < 16 {
		return nil, fmt.Errorf("signing key must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Signer{key: []byte(key), ttl: ttl, now: time.Now}, nil
}

func (s *Signer) Mode() string { return "jwt" }

func (s *Signer) Issue(g Grant) (Token, error) {
	now := s.now().UTC().Truncate(time.Second)
	exp := now.Add(s.ttl)
	claims := relayClaims{
		PersonaID: g.PersonaID,
		Voice:     g.Voice,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{Value: signed, ExpiresAt: exp}, nil
}

func (s *Signer) Validate(token string) (Grant, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Grant{}, ErrInvalidToken
	}

	var claims relayClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Grant{}, ErrExpiredToken
		}
		return Grant{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	g := Grant{PersonaID: claims.PersonaID, Voice: claims.Voice}
	if claims.ExpiresAt != nil {
		g.ExpiresAt = claims.ExpiresAt.Time
	}
	return g, nil
}
