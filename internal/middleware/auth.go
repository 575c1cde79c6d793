package middleware

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/anthropics/octobot/internal/config"
	"github.com/anthropics/octobot/internal/sandbox"
)

// servicePassThrough matches sandbox service paths that are exempt from
// bearer auth. The subdomain proxy rewrites public service traffic onto
// these paths, and browsers hitting a service subdomain carry no token.
var servicePassThrough = regexp.MustCompile(`^/services/[^/]+/http/`)

// BearerAuth validates the Authorization header against the configured
// salted secret hash. The comparison is constant time (sandbox.VerifySecret)
// so timing does not leak how much of a guessed token matched. When auth is
// disabled every request passes.
func BearerAuth(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.AuthEnabled {
				next.ServeHTTP(w, r)
				return
			}

			if servicePassThrough.MatchString(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r)
			if token == "" {
				http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
				return
			}
			if !sandbox.VerifySecret(token, cfg.OctobotSecret) {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the token from an "Authorization: Bearer ..." header.
// The scheme match is case-insensitive per RFC 7235.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
