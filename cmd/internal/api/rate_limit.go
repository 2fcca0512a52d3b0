package api

import (
	"net/http"
	"strconv"
	"time"

	v1 "desk/shared/contracts/chat/v1"
)

// throttleWrites limits POST and PATCH per authenticated subject. A nil limiter passes everything.
func (h *Handler) throttleWrites(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		who, _ := IdentityFrom(r.Context())
		ok, retry := h.limiter.Allow(who.Subject, h.now())
		if !ok {
			h.log.Warn("api.rate_limited", "user_id", who.Subject, "path", r.URL.Path)
			h.audit(r, "api.rate_limited", map[string]any{"path": r.URL.Path})
			writeRateLimited(w, retry)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, v1.CodeRateLimited, "too many requests")
}
