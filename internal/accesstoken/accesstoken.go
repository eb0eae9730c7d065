// Package accesstoken mints and validates the credentials callers present to
// the relay entry point.
package accesstoken

import (
	"errors"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid access token")
	ErrExpiredToken = errors.New("access token expired")
)

// Grant is what a relay token entitles its holder to.
type Grant struct {
	PersonaID    string
	Voice        string
	Instructions string
	// UpstreamSecret is the provider-issued ephemeral key, when one was issued.
	UpstreamSecret string
	ExpiresAt      time.Time
}

type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Authority issues and validates relay tokens.
type Authority interface {
	Issue(g Grant) (Token, error)
	Validate(token string) (Grant, error)
	Mode() string
}
