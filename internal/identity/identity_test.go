package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "orbit-test-secret"

func newTestVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier(JWTConfig{Secret: testSecret}, nil)
	require.NoError(t, err)
	return v
}

func TestJWTVerifierAcceptsSignedToken(t *testing.T) {
	v := newTestVerifier(t)
	token, err := SignHS256(testSecret, Identity{ID: "u1", Email: "u1@example.com", Roles: []string{"admin"}}, time.Minute)
	require.NoError(t, err)

	id, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, ID("u1"), id.ID)
	assert.Equal(t, "u1@example.com", id.Email)
	assert.True(t, id.HasRole("admin"))
	assert.False(t, id.HasRole("owner"))
}

func TestJWTVerifierRejectsBadTokens(t *testing.T) {
	v := newTestVerifier(t)

	expired, err := SignHS256(testSecret, Identity{ID: "u1"}, -time.Minute)
	require.NoError(t, err)
	wrongKey, err := SignHS256("another-secret", Identity{ID: "u1"}, time.Minute)
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"id": "u1"}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := map[string]string{
		"expired":    expired,
		"wrong key":  wrongKey,
		"no expiry":  noExpiry,
		"no subject": noSubject,
		"garbage":    "not-a-token",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), token)
			assert.ErrorIs(t, err, ErrInvalidCredential)
		})
	}

	_, err = v.Verify(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestNewJWTVerifierNeedsKeyMaterial(t *testing.T) {
	_, err := NewJWTVerifier(JWTConfig{}, nil)
	assert.Error(t, err)
}

func TestCredentialFromRequest(t *testing.T) {
	t.Run("cookie wins", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws?token=query", nil)
		r.AddCookie(&http.Cookie{Name: "auth_token", Value: "cookie"})
		r.Header.Set("Authorization", "Bearer header")
		cred, err := CredentialFromRequest(r, "auth_token")
		require.NoError(t, err)
		assert.Equal(t, "cookie", cred)
	})

	t.Run("bearer header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws?token=query", nil)
		r.Header.Set("Authorization", "bearer header")
		cred, err := CredentialFromRequest(r, "auth_token")
		require.NoError(t, err)
		assert.Equal(t, "header", cred)
	})

	t.Run("handshake token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws?token=query", nil)
		cred, err := CredentialFromRequest(r, "auth_token")
		require.NoError(t, err)
		assert.Equal(t, "query", cred)
	})

	t.Run("missing", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("Authorization", "Basic abc")
		_, err := CredentialFromRequest(r, "auth_token")
		assert.ErrorIs(t, err, ErrMissingCredential)
	})
}

func TestContextCarriesIdentity(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	roles := []string{"member"}
	ctx := NewContext(context.Background(), Identity{ID: "u9", Roles: roles})
	roles[0] = "admin"

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, ID("u9"), got.ID)
	assert.Equal(t, []string{"member"}, got.Roles)
}
