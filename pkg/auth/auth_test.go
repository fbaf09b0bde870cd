package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "realtime-sync/pkg/errors"
)

const testSecret = "test-secret"

func TestJWTVerifier(t *testing.T) {
	cfg := JWTConfig{SecretKey: testSecret, Issuer: "realtime-sync"}
	verifier, err := NewJWTVerifier(cfg)
	require.NoError(t, err)
	issuer, err := NewJWTIssuer(cfg, time.Minute)
	require.NoError(t, err)

	t.Run("Should accept an issued token", func(t *testing.T) {
		token, err := issuer.Issue("user-a", "Alice")
		require.NoError(t, err)

		id, err := verifier.Verify(context.Background(), "Bearer "+token)
		require.NoError(t, err)
		assert.Equal(t, "user-a", id.UserID)
		assert.Equal(t, "Alice", id.DisplayName)
	})

	t.Run("Should reject a token signed with another key", func(t *testing.T) {
		other, err := NewJWTIssuer(JWTConfig{SecretKey: "other", Issuer: "realtime-sync"}, time.Minute)
		require.NoError(t, err)
		token, err := other.Issue("user-a", "")
		require.NoError(t, err)

		_, err = verifier.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("Should reject an expired token", func(t *testing.T) {
		expired := &JWTIssuer{secretKey: []byte(testSecret), issuer: "realtime-sync", ttl: -time.Minute}
		token, err := expired.Issue("user-a", "")
		require.NoError(t, err)

		_, err = verifier.ValidateToken(token)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("Should reject a foreign issuer", func(t *testing.T) {
		foreign, err := NewJWTIssuer(JWTConfig{SecretKey: testSecret, Issuer: "elsewhere"}, time.Minute)
		require.NoError(t, err)
		token, err := foreign.Issue("user-a", "")
		require.NoError(t, err)

		_, err = verifier.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidClaims)
	})

	t.Run("Should map failures to UNAUTHENTICATED", func(t *testing.T) {
		_, err := verifier.Verify(context.Background(), "")
		assert.True(t, apperrors.IsUnauthenticated(err))

		_, err = verifier.Verify(context.Background(), "not-a-jwt")
		assert.True(t, apperrors.IsUnauthenticated(err))
	})
}

func TestNewJWTVerifier_Config(t *testing.T) {
	_, err := NewJWTVerifier(JWTConfig{})
	assert.Error(t, err)
	_, err = NewJWTVerifier(JWTConfig{SigningMethod: "RS256"})
	assert.Error(t, err)
	_, err = NewJWTVerifier(JWTConfig{SigningMethod: "none", SecretKey: "x"})
	assert.Error(t, err)
}

func TestSupabaseVerifier(t *testing.T) {
	v := &SupabaseVerifier{lookup: func(_ context.Context, token string) (Identity, error) {
		if token == "good" {
			return Identity{UserID: "5f0c", DisplayName: "Ana"}, nil
		}
		return Identity{}, errors.New("invalid JWT")
	}}

	id, err := v.Verify(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "5f0c", id.UserID)

	_, err = v.Verify(context.Background(), "bad")
	assert.True(t, apperrors.IsUnauthenticated(err))

	_, err = v.Verify(context.Background(), "")
	assert.True(t, apperrors.IsUnauthenticated(err))
}

func TestCredentialFromRequest(t *testing.T) {
	t.Run("Should prefer the query parameter", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
		r.Header.Set("Authorization", "Bearer h")
		assert.Equal(t, "q", CredentialFromRequest(r))
	})

	t.Run("Should read the bearer header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("Authorization", "Bearer h")
		assert.Equal(t, "h", CredentialFromRequest(r))
	})

	t.Run("Should fall back to the cookie", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.AddCookie(&http.Cookie{Name: CookieName, Value: "c"})
		assert.Equal(t, "c", CredentialFromRequest(r))
	})

	t.Run("Should return empty when absent", func(t *testing.T) {
		assert.Empty(t, CredentialFromRequest(httptest.NewRequest(http.MethodGet, "/ws", nil)))
	})
}

func TestIdentityContext(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{UserID: "user-a"})
	id, ok := IdentityFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "user-a", id.UserID)

	_, ok = IdentityFromContext(context.Background())
	assert.False(t, ok)
}
