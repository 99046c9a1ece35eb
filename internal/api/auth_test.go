package api_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-keysearch/internal/api"
)

// createTestToken generates a JWT signed by the given private key.
func createTestToken(t *testing.T, privateKey *rsa.PrivateKey, userID string, expires time.Time) string {
	t.Helper()

	token, err := jwt.NewBuilder().
		Subject(userID).
		IssuedAt(time.Now()).
		Expiration(expires).
		Build()
	require.NoError(t, err)

	jwkKey, err := jwk.FromRaw(privateKey)
	require.NoError(t, err)
	_ = jwkKey.Set(jwk.KeyIDKey, "test-key-id")

	signedToken, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, jwkKey))
	require.NoError(t, err)
	return string(signedToken)
}

func publicKeySet(t *testing.T, privateKey *rsa.PrivateKey) jwk.Set {
	t.Helper()
	pub, err := jwk.FromRaw(&privateKey.PublicKey)
	require.NoError(t, err)
	_ = pub.Set(jwk.KeyIDKey, "test-key-id")
	_ = pub.Set(jwk.AlgorithmKey, jwa.RS256)
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	return set
}

// echoUser writes the authenticated user id.
var echoUser = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	userID, _ := api.GetUserIDFromContext(r.Context())
	_, _ = w.Write([]byte(userID))
})

func TestJWTAuthMiddleware(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	handler := api.NewJWTAuthMiddleware(publicKeySet(t, privateKey), newTestLogger())(echoUser)

	testCases := []struct {
		name   string
		header string
		code   int
		body   string
	}{
		{"Success - valid token", "Bearer " + createTestToken(t, privateKey, "alice", time.Now().Add(time.Hour)), http.StatusOK, "alice"},
		{"Failure - missing token", "", http.StatusUnauthorized, ""},
		{"Failure - not a bearer token", "Basic abc", http.StatusUnauthorized, ""},
		{"Failure - expired token", "Bearer " + createTestToken(t, privateKey, "alice", time.Now().Add(-time.Hour)), http.StatusUnauthorized, ""},
		{"Failure - unknown signer", "Bearer " + createTestToken(t, otherKey, "alice", time.Now().Add(time.Hour)), http.StatusUnauthorized, ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/mirror/keys", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			assert.Equal(t, tc.code, rr.Code)
			if tc.code == http.StatusOK {
				assert.Equal(t, tc.body, rr.Body.String())
			}
		})
	}
}

func TestJWKSAuthMiddleware(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	set := publicKeySet(t, privateKey)

	identity := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != api.JWKSPath {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	defer identity.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t.Run("Success - fetches the key set", func(t *testing.T) {
		mw, err := api.NewJWKSAuthMiddleware(ctx, `"`+identity.URL+`/"`, newTestLogger())
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("Authorization", "Bearer "+createTestToken(t, privateKey, "bob", time.Now().Add(time.Hour)))
		rr := httptest.NewRecorder()
		mw(echoUser).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "bob", rr.Body.String())
	})

	t.Run("Failure - unreachable identity service", func(t *testing.T) {
		_, err := api.NewJWKSAuthMiddleware(ctx, identity.URL+"/missing", newTestLogger())
		assert.Error(t, err)
	})
}
