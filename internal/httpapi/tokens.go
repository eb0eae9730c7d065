package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/antoniostano/voicerelay/internal/accesstoken"
	"github.com/antoniostano/voicerelay/internal/issuer"
)

type tokenRequest struct {
	PersonaID string `json:"personaId"`
}

// tokenResponse keeps the field names the browser client already reads.
type tokenResponse struct {
	ClientSecret        string    `json:"clientSecret"`
	ExpiresAt           time.Time `json:"expiresAt"`
	RealtimeURL         string    `json:"realtimeUrl"`
	Voice               string    `json:"voice"`
	SystemInstructions  string    `json:"systemInstructions"`
	PersonaID           string    `json:"personaId,omitempty"`
	RelayToken          string    `json:"relayToken,omitempty"`
	RelayTokenExpiresAt time.Time `json:"relayTokenExpiresAt,omitzero"`
}

type legacyTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if r.Method == http.MethodPost {
		if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}
	if q := strings.TrimSpace(r.URL.Query().Get("personaId")); q != "" && req.PersonaID == "" {
		req.PersonaID = q
	}

	if s.issuer == nil {
		respondError(w, http.StatusInternalServerError, "configuration_invalid", "token issuer not configured")
		return
	}

	cred, err := s.issuer.CreateSessionToken(r.Context(), req.PersonaID)
	if err != nil {
		status, code, retryable := issuanceFailure(err)
		s.logger.Error("token issuance failed", "persona_id", req.PersonaID, "code", code, "err", err)
		respondJSON(w, status, errorResponse{Error: err.Error(), Code: code, Retryable: retryable})
		return
	}

	resp := tokenResponse{
		ClientSecret:       cred.Secret,
		ExpiresAt:          cred.ExpiresAt,
		RealtimeURL:        cred.RealtimeURL,
		Voice:              cred.Voice,
		SystemInstructions: cred.SystemInstructions,
		PersonaID:          cred.PersonaID,
	}
	if s.tokens != nil {
		relayToken, err := s.tokens.Issue(accesstoken.Grant{
			PersonaID:      cred.PersonaID,
			Voice:          cred.Voice,
			Instructions:   cred.SystemInstructions,
			UpstreamSecret: cred.Secret,
		})
		if err != nil {
			s.logger.Error("relay token issuance failed", "err", err)
			respondError(w, http.StatusInternalServerError, "relay_token_failed", err.Error())
			return
		}
		resp.RelayToken = relayToken.Value
		resp.RelayTokenExpiresAt = relayToken.ExpiresAt
	}
	s.metrics.ObserveSessionEvent("token_issued")
	respondJSON(w, http.StatusOK, resp)
}

// handleLegacyToken mints a relay-only token bound to the process defaults.
func (s *Server) handleLegacyToken(w http.ResponseWriter, _ *http.Request) {
	if s.tokens == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "relay tokens not configured")
		return
	}
	var voice, instructions string
	if s.issuer != nil {
		settings, _ := s.issuer.ResolveSettings("")
		voice, instructions = settings.Voice, settings.Instructions
	}
	tok, err := s.tokens.Issue(accesstoken.Grant{Voice: voice, Instructions: instructions})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "relay_token_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, legacyTokenResponse{Token: tok.Value, ExpiresAt: tok.ExpiresAt})
}

// issuanceFailure maps issuer errors to status, code and retry hint.
func issuanceFailure(err error) (int, string, bool) {
	var rejected *issuer.RejectedError
	switch {
	case errors.Is(err, issuer.ErrConfigurationInvalid):
		return http.StatusInternalServerError, "configuration_invalid", false
	case errors.As(err, &rejected):
		return http.StatusBadGateway, "upstream_rejected", rejected.Retryable()
	case errors.Is(err, issuer.ErrMalformedResponse):
		return http.StatusBadGateway, "malformed_upstream_response", false
	case errors.Is(err, issuer.ErrUpstreamUnavailable):
		return http.StatusBadGateway, "upstream_unavailable", true
	default:
		return http.StatusInternalServerError, "internal_error", false
	}
}
