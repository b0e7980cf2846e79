package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/cakranode/control-plane/control_plane/auth"
	"github.com/cakranode/control-plane/control_plane/errs"
)

// ContextKey is a strict type for context keys to prevent collisions.
type ContextKey string

// IdentityKey is the context key for the resolved caller identity.
const IdentityKey ContextKey = "identity"

// AuthMiddleware resolves the bearer credential through the identity
// verifier and injects the Identity into the request context.
// Fails fast on missing or malformed headers.
func AuthMiddleware(verifier auth.Verifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization format. Expected 'Bearer <token>'", http.StatusUnauthorized)
			return
		}

		ident, err := verifier.Resolve(r.Context(), parts[1])
		if err != nil {
			http.Error(w, err.Error(), errs.HTTPStatus(err))
			return
		}

		ctx := context.WithValue(r.Context(), IdentityKey, ident)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetIdentityFromContext safely retrieves the caller identity.
func GetIdentityFromContext(ctx context.Context) (*auth.Identity, error) {
	val := ctx.Value(IdentityKey)
	if val == nil {
		return nil, fmt.Errorf("identity not found in context")
	}
	ident, ok := val.(*auth.Identity)
	if !ok {
		return nil, fmt.Errorf("identity in context has wrong type")
	}
	return ident, nil
}
