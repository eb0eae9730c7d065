package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/voicerelay/internal/accesstoken"
	"github.com/antoniostano/voicerelay/internal/config"
	"github.com/antoniostano/voicerelay/internal/history"
	"github.com/antoniostano/voicerelay/internal/issuer"
	"github.com/antoniostano/voicerelay/internal/observability"
	"github.com/antoniostano/voicerelay/internal/persona"
	"github.com/antoniostano/voicerelay/internal/protocol"
	"github.com/antoniostano/voicerelay/internal/relay"
	"github.com/antoniostano/voicerelay/internal/session"
)

// TokenIssuer negotiates upstream credentials and resolves session settings.
type TokenIssuer interface {
	CreateSessionToken(ctx context.Context, personaID string) (issuer.Credential, error)
	ResolveSettings(personaID string) (persona.Settings, bool)
	SessionSettings(s persona.Settings) protocol.SessionSettings
	Configured() bool
}

// RelayRunner bridges one accepted caller to the upstream.
type RelayRunner interface {
	Run(ctx context.Context, caller protocol.Duplex, p relay.Params) session.Outcome
}

// Dependencies are the collaborators the HTTP surface fans out to.
type Dependencies struct {
	Personas *persona.Registry
	Issuer   TokenIssuer
	Tokens   accesstoken.Authority
	Relay    RelayRunner
	Sessions *session.Manager
	History  history.Store
	Metrics  *observability.Metrics
	Logger   *log.Logger
}

type Server struct {
	cfg      config.Config
	personas *persona.Registry
	issuer   TokenIssuer
	tokens   accesstoken.Authority
	relay    RelayRunner
	sessions *session.Manager
	history  history.Store
	metrics  *observability.Metrics
	logger   *log.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Dependencies) *Server {
	s := &Server{
		cfg:      cfg,
		personas: deps.Personas,
		issuer:   deps.Issuer,
		tokens:   deps.Tokens,
		relay:    deps.Relay,
		sessions: deps.Sessions,
		history:  deps.History,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
	}
	if s.logger == nil {
		s.logger = observability.Discard()
	}
	if s.sessions == nil {
		s.sessions = session.NewManager(cfg.SessionRetention)
	}
	s.sessions.SetFinishHook(s.onSessionFinished)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				// Non-browser clients often omit Origin. Allow them.
				return true
			}
			if s.originAllowed(origin) {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return false
			}
			return strings.EqualFold(u.Host, r.Host)
		},
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.corsHandler())

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/personas", s.handleListPersonas)
		r.Get("/personas/{id}", s.handleGetPersona)

		r.Get("/token", s.handleIssueToken)
		r.Post("/token", s.handleIssueToken)

		r.Get("/realtime/token", s.handleLegacyToken)
		r.Get("/realtime/ws", s.handleRealtimeWS)

		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/history", s.handleSessionHistory)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	configured := s.issuer != nil && s.issuer.Configured()
	status, code := "ready", http.StatusOK
	if !configured {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":            status,
		"issuer_configured": configured,
		"token_mode":        s.tokenMode(),
		"history_mode":      s.historyMode(),
		"personas":          s.personas.Len(),
	})
}

// onSessionFinished runs once per finished relay session.
func (s *Server) onSessionFinished(sess *session.Session) {
	if s.metrics != nil {
		s.metrics.RelaySessions.WithLabelValues(string(sess.State)).Inc()
		s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	}
	s.metrics.ObserveSessionEvent("finished")

	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.history.SaveCall(ctx, history.CallRecord{
		SessionID:        sess.ID,
		PersonaID:        sess.PersonaID,
		Voice:            sess.Voice,
		State:            string(sess.State),
		Reason:           sess.Reason,
		FramesToUpstream: sess.FramesToUpstream,
		FramesToCaller:   sess.FramesToCaller,
		BytesToUpstream:  sess.BytesToUpstream,
		BytesToCaller:    sess.BytesToCaller,
		StartedAt:        sess.StartedAt,
		EndedAt:          sess.EndedAt,
	})
	if err != nil {
		s.logger.Error("save call history", "session_id", sess.ID, "err", err)
	}
}

func (s *Server) tokenMode() string {
	if s.tokens == nil {
		return "disabled"
	}
	return s.tokens.Mode()
}

func (s *Server) historyMode() string {
	if s.history == nil {
		return "disabled"
	}
	return s.history.Mode()
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
