package panel

import (
	"encoding/json"
	"errors"
	"net/http"

	"viewonly-guard/internal/host"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type preferenceRequest struct {
	Value *bool `json:"value"`
}

// Routes returns the panel HTTP API.
func (p *Panel) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/panel", p.handlePanel)
		r.Get("/state", p.handleState)
		r.Post("/toggle", p.handleToggle)
		r.Get("/shortcuts", p.handleShortcuts)
		r.Put("/preferences/{key}", p.handleSetPreference)
	})
	return r
}

func (p *Panel) handlePanel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.spec)
}

func (p *Panel) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.Snapshot())
}

func (p *Panel) handleToggle(w http.ResponseWriter, r *http.Request) {
	p.Toggle()
	writeJSON(w, http.StatusOK, p.Snapshot())
}

func (p *Panel) handleShortcuts(w http.ResponseWriter, r *http.Request) {
	shortcuts := p.backend.Shortcuts()
	if shortcuts == nil {
		shortcuts = []host.Shortcut{}
	}
	writeJSON(w, http.StatusOK, shortcuts)
}

func (p *Panel) handleSetPreference(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req preferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"value\": true|false}")
		return
	}

	if err := p.backend.SetPreference(key, *req.Value); err != nil {
		if errors.Is(err, host.ErrUnknownPreference) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
