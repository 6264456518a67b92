package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/llathrop/ansible-fleet/control_plane/auth"
)

type contextKey string

const (
	// WorkerKey is the context key for the authenticated worker ID.
	WorkerKey contextKey = "worker_id"
	// RoleKey is the context key for the caller's role.
	RoleKey contextKey = "role"
)

// AuthMiddleware enforces bearer token authentication. Missing or
// malformed headers fail fast with 401.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(header, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization format. Expected 'Bearer <token>'", http.StatusUnauthorized)
			return
		}

		claims, err := auth.ValidateToken(parts[1])
		if err != nil {
			http.Error(w, fmt.Sprintf("Unauthorized: %v", err), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), WorkerKey, claims.WorkerID)
		ctx = context.WithValue(ctx, RoleKey, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WorkerFromContext returns the authenticated worker ID, empty for
// operator tokens.
func WorkerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(WorkerKey).(string); ok {
		return v
	}
	return ""
}

// RoleFromContext returns the caller's role.
func RoleFromContext(ctx context.Context) (string, error) {
	v := ctx.Value(RoleKey)
	if v == nil {
		return "", fmt.Errorf("role not found in context")
	}
	role, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("role in context is not a string")
	}
	return role, nil
}

// RequireAdmin gates an endpoint to operator tokens.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, err := RoleFromContext(r.Context())
		if err != nil || role != auth.RoleAdmin {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
