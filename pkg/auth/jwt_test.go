package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	svc, err := NewJWTService("test-secret", "compounding-api", time.Hour)
	require.NoError(t, err)

	userID := uuid.New()
	token, err := svc.GenerateAccessToken(Identity{UserID: userID, Name: "Dana Pharm", Email: "dana@example.com"})
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	got, err := claims.UserID()
	require.NoError(t, err)
	assert.Equal(t, userID, got)
	assert.Equal(t, RolePharmacist, claims.Role)
	assert.Equal(t, "dana@example.com", claims.Email)
}

func TestValidateTokenRejects(t *testing.T) {
	svc, err := NewJWTService("test-secret", "compounding-api", time.Hour)
	require.NoError(t, err)
	other, err := NewJWTService("other-secret", "compounding-api", time.Hour)
	require.NoError(t, err)

	foreign, err := other.GenerateAccessToken(Identity{UserID: uuid.New()})
	require.NoError(t, err)

	expired := svc.(*jwtService)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	stale, err := expired.GenerateAccessToken(Identity{UserID: uuid.New()})
	require.NoError(t, err)
	expired.now = time.Now

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"wrong key": foreign,
		"expired":   stale,
		"alg none":  none,
		"garbage":   "not-a-token",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.ValidateToken(token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestNewJWTServiceRequiresSecret(t *testing.T) {
	_, err := NewJWTService("", "", time.Hour)
	assert.ErrorIs(t, err, ErrMissingKey)
}
