package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/voicerelay/internal/persona"
)

func (s *Server) handleListPersonas(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.personas.List())
}

func (s *Server) handleGetPersona(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := s.personas.Lookup(id)
	if !ok {
		s.logger.Warn("persona not found", "persona_id", id)
		respondError(w, http.StatusNotFound, "persona_not_found", fmt.Sprintf("%s: %q", persona.ErrNotFound, id))
		return
	}
	respondJSON(w, http.StatusOK, p)
}
