// Package handler exposes the dashboard read model and feed controls over HTTP.
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	alerthandler "github.com/example/touristwatch/internal/alert/handler"
	"github.com/example/touristwatch/internal/auth"
	"github.com/example/touristwatch/internal/dashboard/live"
	"github.com/example/touristwatch/internal/geo"
	"github.com/example/touristwatch/internal/monitor"
	"github.com/example/touristwatch/internal/tourist/domain"
	"github.com/example/touristwatch/pkg/observability"
)

// Limiter is satisfied by the Redis and in-process rate limiters.
type Limiter interface {
	Middleware(http.Handler) http.Handler
}

// Options holds the optional collaborators of the router.
type Options struct {
	// JWTSecret protects the feed controls and alert creation. Empty leaves
	// them open.
	JWTSecret string

	// AllowedOrigins enables CORS for browser dashboards served elsewhere.
	AllowedOrigins []string

	Limiter Limiter
	Alerts  *alerthandler.HTTP
	Hub     *live.Hub
	Logger  *zap.Logger
}

// HTTP exposes dashboard endpoints.
type HTTP struct {
	svc  *monitor.Service
	opts Options
}

// NewHTTP constructs a handler.
func NewHTTP(svc *monitor.Service, opts Options) *HTTP {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &HTTP{svc: svc, opts: opts}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, observability.RequestLogger(h.opts.Logger), chimw.Recoverer)
	if len(h.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: h.opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}
	r.Mount("/observability", observability.MetricsRouter())

	protect := auth.Middleware(h.opts.JWTSecret, auth.RolePolice, auth.RoleAdmin)
	r.Group(func(r chi.Router) {
		if h.opts.Limiter != nil {
			r.Use(h.opts.Limiter.Middleware)
		}
		r.Get("/v1/overview", h.overview)
		r.Get("/v1/tourists", h.listTourists)
		r.Get("/v1/tourists/nearby", h.nearbyTourists)
		r.Get("/v1/tourists/{id}", h.getTourist)
		r.Get("/v1/metrics", h.metrics)
		r.Get("/v1/connection", h.connection)
		r.With(protect).Post("/v1/connection/connect", h.connect)
		r.With(protect).Post("/v1/connection/disconnect", h.disconnect)
		if h.opts.Alerts != nil {
			h.opts.Alerts.Register(r, protect)
		}
	})
	if h.opts.Hub != nil {
		r.Get("/v1/live", live.Handler(h.opts.Hub, h.greeting))
	}
	return r
}

func (h *HTTP) overview(w http.ResponseWriter, r *http.Request) {
	ov, err := h.svc.Overview(r.Context())
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

func (h *HTTP) listTourists(w http.ResponseWriter, r *http.Request) {
	ov, err := h.svc.Overview(r.Context())
	if err != nil {
		h.internalError(w, err)
		return
	}
	tourists := ov.Tourists
	if c := r.URL.Query().Get("category"); c != "" {
		filtered := make([]monitor.Tourist, 0, len(tourists))
		for _, t := range tourists {
			if t.Category == geo.SafetyCategory(c) {
				filtered = append(filtered, t)
			}
		}
		tourists = filtered
	}
	writeJSON(w, http.StatusOK, tourists)
}

func (h *HTTP) getTourist(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.Tourist(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *HTTP) nearbyTourists(w http.ResponseWriter, r *http.Request) {
	lat, errLat := parseQueryFloat(r, "lat")
	lon, errLon := parseQueryFloat(r, "lon")
	radius, errRadius := parseQueryFloat(r, "radius_km")
	if errLat != nil || errLon != nil || errRadius != nil {
		writeError(w, http.StatusBadRequest, "lat, lon and radius_km must be numbers")
		return
	}
	res, err := h.svc.Nearby(r.Context(), lat, lon, radius)
	if errors.Is(err, monitor.ErrInvalidQuery) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTP) metrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.Metrics(r.Context())
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *HTTP) connection(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Connection())
}

func (h *HTTP) connect(w http.ResponseWriter, r *http.Request) {
	h.svc.Connect()
	h.logControl(r, "connect")
	writeJSON(w, http.StatusAccepted, h.svc.Connection())
}

func (h *HTTP) disconnect(w http.ResponseWriter, r *http.Request) {
	h.svc.Disconnect()
	h.logControl(r, "disconnect")
	writeJSON(w, http.StatusAccepted, h.svc.Connection())
}

func (h *HTTP) logControl(r *http.Request, action string) {
	fields := []zap.Field{zap.String("action", action)}
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		fields = append(fields, zap.String("operator", claims.Subject), zap.String("role", claims.Role))
	}
	h.opts.Logger.Info("feed control requested", fields...)
}

func (h *HTTP) greeting(r *http.Request) []live.Message {
	ov, err := h.svc.Overview(r.Context())
	if err != nil {
		h.opts.Logger.Warn("build live greeting", zap.Error(err))
		return nil
	}
	return []live.Message{{Type: live.MessageTypeUpdate, Data: ov}}
}

func (h *HTTP) internalError(w http.ResponseWriter, err error) {
	h.opts.Logger.Error("dashboard request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func parseQueryFloat(r *http.Request, key string) (float64, error) {
	return strconv.ParseFloat(r.URL.Query().Get(key), 64)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
