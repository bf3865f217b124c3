package api

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AdminAuthConfig controls admin authentication behavior.
type AdminAuthConfig struct {
	// TokenHash is the bcrypt hash of the admin bearer token.
	// When empty, admin writes are allowed without credentials.
	TokenHash string

	// Logger for authentication events.
	Logger *slog.Logger
}

// AdminAuthMiddleware creates middleware that validates the admin bearer token
// on policy and window writes.
func (s *Server) AdminAuthMiddleware(config AdminAuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.TokenHash == "" {
				config.Logger.Debug("admin auth: no token configured, allowing",
					"path", r.URL.Path,
					"actor", r.Header.Get("X-Actor"),
				)
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				config.Logger.Warn("admin auth failed: missing credentials",
					"path", r.URL.Path,
					"has_auth_header", authHeader != "",
				)
				s.writeError(w, http.StatusUnauthorized, "unauthorized: missing credentials")
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")
			if err := bcrypt.CompareHashAndPassword([]byte(config.TokenHash), []byte(token)); err != nil {
				config.Logger.Warn("admin auth failed: invalid token",
					"path", r.URL.Path,
					"method", r.Method,
				)
				s.writeError(w, http.StatusUnauthorized, "unauthorized: invalid token")
				return
			}

			config.Logger.Debug("admin auth successful",
				"path", r.URL.Path,
				"actor", r.Header.Get("X-Actor"),
			)
			next.ServeHTTP(w, r)
		})
	}
}

// wrapHandler converts an http.HandlerFunc to use middleware.
func wrapHandler(h http.HandlerFunc, middleware func(http.Handler) http.Handler) http.HandlerFunc {
	return middleware(h).ServeHTTP
}
