package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/example/touristwatch/internal/alert/domain"
	"github.com/example/touristwatch/internal/alert/service"
)

// HTTP exposes alert endpoints.
type HTTP struct {
	svc *service.Service
}

// NewHTTP constructs a handler.
func NewHTTP(svc *service.Service) *HTTP {
	return &HTTP{svc: svc}
}

// Register mounts the alert routes on r. Creation goes through protect.
func (h *HTTP) Register(r chi.Router, protect func(http.Handler) http.Handler) {
	if protect == nil {
		protect = func(next http.Handler) http.Handler { return next }
	}
	r.Route("/v1/alerts", func(r chi.Router) {
		r.With(protect).Post("/", h.createAlert)
		r.Get("/", h.listAlerts)
		r.Get("/{id}", h.getAlert)
		r.Get("/{id}/affected", h.affectedTourists)
	})
}

func (h *HTTP) createAlert(w http.ResponseWriter, r *http.Request) {
	var draft domain.Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		writeError(w, http.StatusBadRequest, "malformed alert body")
		return
	}
	alert, err := h.svc.Create(r.Context(), draft)
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Missing or invalid fields", "fields": verr.Fields})
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to create alert")
		return
	}
	writeJSON(w, http.StatusCreated, alert)
}

func (h *HTTP) listAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.svc.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to fetch alerts")
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (h *HTTP) getAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := alertID(w, r)
	if !ok {
		return
	}
	alert, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (h *HTTP) affectedTourists(w http.ResponseWriter, r *http.Request) {
	id, ok := alertID(w, r)
	if !ok {
		return
	}
	ids, err := h.svc.Affected(r.Context(), id)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alertId": id, "tourists": ids})
}

func alertID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
