package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/anthropics/octobot/internal/sandbox"
)

// serviceSubdomainPattern matches {session-id}-svc-{service-id}.* hosts.
// Session ids are UUIDs; hex segments can never spell "svc" so the
// separator is unambiguous. Hosts arrive in arbitrary case because DNS is
// case-insensitive. Service ids are normalized lowercase (a-z0-9_- only).
var serviceSubdomainPattern = regexp.MustCompile(
	`^([0-9A-Fa-f]{8}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{12})-svc-([a-z0-9_-]+)\.`)

// findSessionID resolves the session id from a host label to the canonical
// casing the provider knows. UUIDs are stored lowercase, so the fast path is
// a direct lookup of the lowercased label; the List fallback covers
// providers that preserved a differently-cased id.
func findSessionID(ctx context.Context, provider sandbox.Provider, urlSessionID string) (string, error) {
	lower := strings.ToLower(urlSessionID)
	if sb, err := provider.Get(ctx, lower); err == nil && sb != nil {
		return sb.SessionID, nil
	}

	sandboxes, err := provider.List(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list sandboxes: %w", err)
	}
	for _, sb := range sandboxes {
		if strings.ToLower(sb.SessionID) == lower {
			return sb.SessionID, nil
		}
	}

	return "", fmt.Errorf("session not found: %s", urlSessionID)
}

// ServiceProxy intercepts requests whose Host matches a service subdomain
// and reverse-proxies them to the sandbox's service pass-through endpoint.
//
// Subdomain format: {session-id}-svc-{service-id}.{base-domain}
// Example: 1f0c9f3a-4be2-4a1d-9c58-1d6c2ab1f0aa-svc-web.localhost:8080
//
// The proxy attaches no credentials: service HTTP endpoints are public
// within the sandbox, and the matching paths are exempt from bearer auth.
// httputil.ReverseProxy with the sandbox transport handles WebSocket
// upgrades, SSE, and chunked streaming; FlushInterval -1 disables response
// buffering so streams flow immediately.
func ServiceProxy(provider sandbox.Provider, log *zap.SugaredLogger) func(http.Handler) http.Handler {
	log = log.With("component", "service-proxy")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			matches := serviceSubdomainPattern.FindStringSubmatch(r.Host)
			if matches == nil {
				next.ServeHTTP(w, r)
				return
			}

			urlSessionID := matches[1]
			serviceID := matches[2]
			ctx := r.Context()

			sessionID, err := findSessionID(ctx, provider, urlSessionID)
			if err != nil {
				writeProxyError(w, http.StatusBadGateway, "failed to find session", map[string]string{
					"sessionId": urlSessionID,
					"serviceId": serviceID,
					"message":   err.Error(),
				})
				return
			}

			client, err := provider.HTTPClient(ctx, sessionID)
			if err != nil {
				writeProxyError(w, http.StatusBadGateway, "failed to connect to sandbox", map[string]string{
					"sessionId": sessionID,
					"serviceId": serviceID,
					"message":   err.Error(),
				})
				return
			}

			target, _ := url.Parse("http://sandbox")

			proxy := &httputil.ReverseProxy{
				Director: func(req *http.Request) {
					req.URL.Scheme = target.Scheme
					req.URL.Host = target.Host
					req.URL.Path = "/services/" + serviceID + "/http" + r.URL.Path
					req.URL.RawQuery = r.URL.RawQuery
					req.Host = target.Host

					req.Header.Set("X-Forwarded-Path", r.URL.Path)
					req.Header.Set("X-Forwarded-Host", r.Host)
					req.Header.Set("X-Forwarded-Proto", getScheme(r))

					clientIP := r.RemoteAddr
					if idx := strings.LastIndex(clientIP, ":"); idx != -1 {
						clientIP = clientIP[:idx]
					}
					if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
						req.Header.Set("X-Forwarded-For", prior+", "+clientIP)
					} else {
						req.Header.Set("X-Forwarded-For", clientIP)
					}
				},
				Transport: client.Transport,
				ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
					log.Warnw("proxy error", "session", sessionID, "service", serviceID, "error", err)
					writeProxyError(w, http.StatusBadGateway, "service unavailable", map[string]string{
						"sessionId": sessionID,
						"serviceId": serviceID,
						"message":   err.Error(),
					})
				},
				FlushInterval: -1,
			}

			proxy.ServeHTTP(w, r)
		})
	}
}

// writeProxyError writes a JSON error response with extra detail fields.
func writeProxyError(w http.ResponseWriter, status int, errorType string, fields map[string]string) {
	body := map[string]string{"error": errorType}
	for k, v := range fields {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// getScheme returns the request scheme (http or https).
func getScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}
