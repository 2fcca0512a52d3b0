package api

import (
	"context"
	"net/http"
	"strings"

	"desk/cmd/identity"
	v1 "desk/shared/contracts/chat/v1"
)

type identityKey struct{}

func withIdentity(ctx context.Context, who identity.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, who)
}

// IdentityFrom returns the identity bound by the auth middleware.
func IdentityFrom(ctx context.Context) (identity.Identity, bool) {
	who, ok := ctx.Value(identityKey{}).(identity.Identity)
	return who, ok && who.Valid()
}

// requireIdentity validates the bearer token once per request and stores the identity in the context.
func (h *Handler) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := bearerToken(r)
		if tok == "" {
			writeError(w, http.StatusUnauthorized, v1.CodeUnauthenticated, "missing bearer token")
			return
		}
		who, err := h.sessions.Authenticate(r.Context(), tok, h.now())
		if err != nil {
			h.writeServiceError(w, r, "api.auth", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), who)))
	})
}

func requireRole(role identity.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			who, ok := IdentityFrom(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, v1.CodeUnauthenticated, "authentication required")
				return
			}
			if who.Role != role {
				writeError(w, http.StatusForbidden, v1.CodeForbidden, "requires the "+string(role)+" role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	who, _ := IdentityFrom(r.Context())
	writeJSON(w, http.StatusOK, toMeResponse(who))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	who, _ := IdentityFrom(r.Context())
	if err := h.sessions.RevokeSession(r.Context(), h.now(), who.SessionID); err != nil {
		h.writeServiceError(w, r, "api.logout", err)
		return
	}
	h.log.Info("api.logout", "user_id", who.Subject, "session_id", who.SessionID)
	h.audit(r, "auth.logout", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	who, _ := IdentityFrom(r.Context())
	if err := h.sessions.RevokeAll(r.Context(), h.now(), who.Subject); err != nil {
		h.writeServiceError(w, r, "api.logout_all", err)
		return
	}
	h.log.Info("api.logout_all", "user_id", who.Subject)
	h.audit(r, "auth.logout_all", nil)
	w.WriteHeader(http.StatusNoContent)
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
