package server

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIssuer = "https://issuer.example.com"

func signToken(t *testing.T, key *rsa.PrivateKey, claims map[string]any) string {
	t.Helper()
	header, err := json.Marshal(map[string]string{"alg": "RS256", "typ": "JWT"})
	require.NoError(t, err)
	payload, err := json.Marshal(claims)
	require.NoError(t, err)

	signingInput := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	hashed := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
	require.NoError(t, err)
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func TestOIDCVerifier(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	keySet := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{key.Public()}}
	verify := newOIDCVerifier(oidc.NewVerifier(testIssuer, keySet, &oidc.Config{ClientID: "natgridstats"}))
	ctx := context.Background()

	claims := func(extra map[string]any) map[string]any {
		c := map[string]any{
			"iss": testIssuer,
			"aud": "natgridstats",
			"sub": "123",
			"iat": time.Now().Unix(),
			"exp": time.Now().Add(time.Hour).Unix(),
		}
		for k, v := range extra {
			c[k] = v
		}
		return c
	}

	t.Run("Valid", func(t *testing.T) {
		email, err := verify(ctx, signToken(t, key, claims(map[string]any{
			"email":          "admin@example.com",
			"email_verified": true,
		})))
		require.NoError(t, err)
		assert.Equal(t, "admin@example.com", email)
	})

	t.Run("Unverified", func(t *testing.T) {
		_, err := verify(ctx, signToken(t, key, claims(map[string]any{
			"email":          "admin@example.com",
			"email_verified": false,
		})))
		assert.EqualError(t, err, "email not verified")
	})

	t.Run("WrongAudience", func(t *testing.T) {
		_, err := verify(ctx, signToken(t, key, claims(map[string]any{"aud": "someone-else"})))
		assert.Error(t, err)
	})

	t.Run("Expired", func(t *testing.T) {
		_, err := verify(ctx, signToken(t, key, claims(map[string]any{
			"exp": time.Now().Add(-time.Hour).Unix(),
		})))
		assert.Error(t, err)
	})

	t.Run("WrongKey", func(t *testing.T) {
		_, err := verify(ctx, signToken(t, otherKey, claims(nil)))
		assert.Error(t, err)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := verify(ctx, "not-a-token")
		assert.Error(t, err)
	})
}

func TestIsAdmin(t *testing.T) {
	s := &Server{adminEmails: []string{"a@example.com", "b@example.com"}}
	assert.True(t, s.isAdmin("b@example.com"))
	assert.False(t, s.isAdmin("c@example.com"))
	assert.False(t, s.isAdmin(""))
}

func TestAdminMiddlewareInvalidHeader(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.verifier = func(ctx context.Context, raw string) (string, error) {
		return "admin@example.com", nil
	}
	srv.adminEmails = []string{"admin@example.com"}

	req := httptest.NewRequest(http.MethodPost, "/api/refresh", nil)
	req.Header.Set("Authorization", "Basic abc")
	rr := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid auth header", decodeError(t, rr))
}
