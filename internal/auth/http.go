// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Extracts JWT from Authorization header and adds identity to context

package auth

import (
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Middleware creates an HTTP middleware that extracts and validates JWT
// tokens, attaching the authenticated Identity to the request context.
// Failures always produce the auth_failed error code so callers can tell
// an auth problem apart from a quota rejection.
func Middleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeAuthError(w, http.StatusUnauthorized, errMsg)
				return
			}

			id, err := verifier.Verify(token)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireTenant returns a 403 error unless the authenticated identity
// belongs to the given tenant. Call from handlers after Middleware.
func RequireTenant(w http.ResponseWriter, r *http.Request, tenant string) bool {
	id := FromContext(r.Context())
	if id == nil {
		writeAuthError(w, http.StatusUnauthorized, "not authenticated")
		return false
	}
	if id.Tenant != tenant {
		http.Error(w, `{"error":"tenant_mismatch","message":"token is not valid for this tenant"}`, http.StatusForbidden)
		return false
	}
	return true
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	http.Error(w, `{"error":"auth_failed","message":"`+msg+`"}`, status)
}
