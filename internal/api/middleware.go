package api

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/cipherpost/cipherpost-server/internal/protocol"
	"github.com/cipherpost/cipherpost-server/internal/service"
	"github.com/cipherpost/cipherpost-server/internal/storage"
)

type callerKey struct{}

func callerFrom(r *http.Request) storage.User {
	user, _ := r.Context().Value(callerKey{}).(storage.User)
	return user
}

// requireUser authenticates the bearer token and resolves the caller in the
// user directory before the wrapped handler runs. The resolved row rides in
// the request context.
func (h *Handler) requireUser(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := strings.TrimSpace(r.Header.Get("Authorization"))
		parts := strings.SplitN(hdr, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			h.writeError(w, r, service.NewAppError(http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token", false, nil))
			return
		}
		claims, err := h.verifier.Verify(strings.TrimSpace(parts[1]))
		if err != nil {
			h.writeError(w, r, service.NewAppError(http.StatusUnauthorized, "UNAUTHORIZED", "invalid bearer token", false, err))
			return
		}
		user, ok, err := h.courier.User(r.Context(), claims.UserID)
		if err != nil {
			h.writeError(w, r, service.Internal("resolve caller", err))
			return
		}
		if !ok {
			h.writeError(w, r, service.NewAppError(http.StatusUnauthorized, "UNAUTHORIZED", "unknown user", false, nil))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, user)))
	})
}

func IPAllowListMiddleware(cidrs []string) (func(http.Handler) http.Handler, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, netw, err := net.ParseCIDR(c)
		if err != nil {
			return nil, err
		}
		nets = append(nets, netw)
	}
	if len(nets) == 0 {
		return func(next http.Handler) http.Handler { return next }, nil
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			ip := net.ParseIP(host)
			if ip == nil {
				writeJSON(w, http.StatusForbidden, protocol.ErrorResponse{Error: protocol.ErrorBody{
					Code:      "FORBIDDEN",
					Message:   "source ip not allowed",
					Retryable: false,
				}})
				return
			}
			allowed := false
			for _, n := range nets {
				if n.Contains(ip) {
					allowed = true
					break
				}
			}
			if !allowed {
				writeJSON(w, http.StatusForbidden, protocol.ErrorResponse{Error: protocol.ErrorBody{
					Code:      "FORBIDDEN",
					Message:   "source ip not allowed",
					Retryable: false,
				}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}, nil
}
