package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// JWKSPath is appended to the identity service URL to locate its key set.
const JWKSPath = "/.well-known/jwks.json"

// NewJWKSAuthMiddleware fetches the identity service key set once to fail
// early on a bad URL, then keeps it refreshed in the background for as long
// as ctx lives.
func NewJWKSAuthMiddleware(ctx context.Context, identityServiceURL string, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	jwksURL := strings.TrimRight(strings.Trim(identityServiceURL, "\""), "/") + JWKSPath

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS url %s: %w", jwksURL, err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}
	logger.Info("JWKS loaded", "url", jwksURL)
	return NewJWTAuthMiddleware(jwk.NewCachedSet(cache, jwksURL), logger), nil
}

// NewJWTAuthMiddleware validates bearer tokens against keys and stores the
// token subject as the user ID.
func NewJWTAuthMiddleware(keys jwk.Set, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("component", "auth_middleware")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				WriteJSONError(w, http.StatusUnauthorized, "Unauthorized: Missing token")
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				WriteJSONError(w, http.StatusUnauthorized, "Unauthorized: Invalid token format")
				return
			}

			token, err := jwt.Parse([]byte(tokenString),
				jwt.WithKeySet(keys, jws.WithInferAlgorithmFromKey(true)),
				jwt.WithValidate(true),
				jwt.WithAcceptableSkew(30*time.Second))
			if err != nil {
				logger.Debug("Rejected token", "err", err)
				WriteJSONError(w, http.StatusUnauthorized, "Unauthorized: Invalid token")
				return
			}
			if token.Subject() == "" {
				WriteJSONError(w, http.StatusUnauthorized, "Unauthorized: Invalid user ID in token")
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), token.Subject())))
		})
	}
}
