package middleware

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/anthropics/octobot/internal/store"
)

type contextKey string

// ProjectIDKey holds the verified project id in the request context.
const ProjectIDKey contextKey = "projectID"

// ProjectCtx verifies the {projectId} route parameter names an existing
// project and stores it in the request context. Requests against unknown
// projects stop here with a 404 so the handlers below can trust the id.
func ProjectCtx(s *store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			projectID := chi.URLParam(r, "projectId")
			if projectID == "" {
				http.Error(w, `{"error":"project ID required"}`, http.StatusBadRequest)
				return
			}

			if _, err := s.GetProjectByID(r.Context(), projectID); err != nil {
				http.Error(w, `{"error":"project not found"}`, http.StatusNotFound)
				return
			}

			ctx := context.WithValue(r.Context(), ProjectIDKey, projectID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetProjectID extracts the project id stored by ProjectCtx.
func GetProjectID(ctx context.Context) string {
	if id, ok := ctx.Value(ProjectIDKey).(string); ok {
		return id
	}
	return ""
}
