package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/voicerelay/internal/accesstoken"
	"github.com/antoniostano/voicerelay/internal/relay"
	"github.com/antoniostano/voicerelay/internal/transport"
)

// handleRealtimeWS authenticates the caller, upgrades the connection and
// hands it to the relay engine for the lifetime of the call.
func (s *Server) handleRealtimeWS(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		respondError(w, http.StatusBadRequest, "websocket_required", "expected a websocket upgrade request")
		return
	}
	if s.tokens == nil || s.relay == nil || s.issuer == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "relay not configured")
		return
	}

	grant, err := s.tokens.Validate(relayTokenFrom(r))
	if err != nil {
		code := "invalid_token"
		if errors.Is(err, accesstoken.ErrExpiredToken) {
			code = "expired_token"
		}
		respondError(w, http.StatusUnauthorized, code, "invalid or expired token")
		return
	}

	bearer := grant.UpstreamSecret
	if bearer == "" {
		bearer = s.cfg.RealtimeAPIKey
	}
	if strings.TrimSpace(bearer) == "" {
		respondError(w, http.StatusInternalServerError, "configuration_invalid", "no upstream credential available")
		return
	}

	settings, _ := s.issuer.ResolveSettings(grant.PersonaID)
	if grant.Voice != "" {
		settings.Voice = grant.Voice
	}
	if grant.Instructions != "" {
		settings.Instructions = grant.Instructions
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	caller := transport.NewBridge(conn, transport.Options{
		WriteTimeout:    s.cfg.RelayWriteTimeout,
		MaxMessageBytes: int64(s.cfg.RelayMaxMessage),
	})
	defer caller.Close(websocket.CloseNormalClosure, "")

	sess := s.sessions.Create(grant.PersonaID, settings.Voice)
	if s.metrics != nil {
		s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	}
	s.metrics.ObserveSessionEvent("ws_connected")
	s.logger.Info("relay session accepted", "session_id", sess.ID, "persona_id", grant.PersonaID, "voice", settings.Voice)

	out := s.relay.Run(r.Context(), caller, relay.Params{
		SessionID: sess.ID,
		Bearer:    bearer,
		Settings:  s.issuer.SessionSettings(settings),
	})
	if _, err := s.sessions.Finish(sess.ID, out); err != nil {
		s.logger.Warn("finish session", "session_id", sess.ID, "err", err)
	}
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

// relayTokenFrom reads the token from the query string, falling back to an
// Authorization bearer header for non-browser callers.
func relayTokenFrom(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
