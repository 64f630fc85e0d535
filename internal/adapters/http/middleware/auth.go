package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openbrainhub/neuroagent/internal/adapters/http/dto"
	"github.com/openbrainhub/neuroagent/internal/ports"
)

type contextKey string

const userContextKey contextKey = "user"

// Auth resolves the bearer token through the identity provider and stores the
// user identity in the request context. Requests without a valid token get a
// 401 before reaching any handler.
func Auth(gate ports.AuthGate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				unauthorized(w)
				return
			}

			user, err := gate.Verify(r.Context(), token)
			if err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("token verification failed")
				unauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), userContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUser returns the authenticated user stored by Auth, or nil outside an
// authenticated route.
func GetUser(ctx context.Context) *ports.UserInfo {
	user, _ := ctx.Value(userContextKey).(*ports.UserInfo)
	return user
}

// WithUser is used by handler tests to simulate the Auth middleware.
func WithUser(ctx context.Context, user *ports.UserInfo) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(dto.NewDetail("Invalid or expired token."))
}
