// Package api is the REST pull surface: bearer-authenticated JSON endpoints over
// conversations and the caller's own session.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"desk/cmd/identity"
	"desk/cmd/internal/chat"
	"desk/cmd/internal/ratelimit"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Sessions is the slice of the session service the API needs.
type Sessions interface {
	Authenticate(ctx context.Context, token string, now time.Time) (identity.Identity, error)
	RevokeSession(ctx context.Context, now time.Time, sessionID string) error
	RevokeAll(ctx context.Context, now time.Time, userID string) error
}

// Handler serves the REST endpoints.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	sessions Sessions
	chat     *chat.Service
	auditLog AuditLog
	limiter  *ratelimit.Keyed
	now      func() time.Time
}

// Option customizes a Handler.
type Option func(*Handler)

// WithAudit replaces the default log-backed audit sink.
func WithAudit(a AuditLog) Option {
	return func(h *Handler) { h.auditLog = a }
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, cfg Config, sessions Sessions, svc *chat.Service, opts ...Option) *Handler {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.normalized()
	h := &Handler{
		log:      log,
		cfg:      cfg,
		sessions: sessions,
		chat:     svc,
		auditLog: LogAudit{Log: log},
		now:      func() time.Time { return time.Now().UTC() },
	}
	if cfg.WriteLimit > 0 {
		h.limiter = ratelimit.New(cfg.WriteLimit, cfg.WriteWindow)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes returns the router. Paths are relative; the caller mounts it (normally under /api).
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(h.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   h.cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
			AllowCredentials: false,
			MaxAge:           h.cfg.CORSMaxAge,
		}))
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	r.Group(func(r chi.Router) {
		r.Use(h.requireIdentity)
		r.Use(h.throttleWrites)

		r.Get("/auth/me", h.handleMe)
		r.Post("/auth/logout", h.handleLogout)
		r.Post("/auth/logout_all", h.handleLogoutAll)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", h.handleListConversations)
			r.Post("/", h.handleCreateConversation)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.handleGetConversation)
				r.Get("/messages", h.handleListMessages)
				r.Post("/messages", h.handleSendMessage)

				r.With(requireRole(identity.RoleOperator)).Patch("/status", h.handleUpdateStatus)
			})
		})
	})

	return r
}
