package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, claims Claims, method jwt.SigningMethod) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(testSecret)
	require.NoError(t, err)
	return token
}

func TestParseClaims(t *testing.T) {
	token := signToken(t, Claims{
		TenantID: "t1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}, jwt.SigningMethodHS256)

	uc, err := ParseClaims(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "t1", uc.TenantID)
	assert.Equal(t, "u1", uc.UserID)
}

func TestParseClaimsRejectsWrongSecret(t *testing.T) {
	token := signToken(t, Claims{TenantID: "t1"}, jwt.SigningMethodHS256)

	_, err := ParseClaims(token, []byte("other-secret"))
	require.Error(t, err)
}

func TestParseClaimsRejectsExpired(t *testing.T) {
	token := signToken(t, Claims{
		TenantID: "t1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}, jwt.SigningMethodHS256)

	_, err := ParseClaims(token, testSecret)
	require.Error(t, err)
}

func TestParseClaimsRequiresTenant(t *testing.T) {
	token := signToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"},
	}, jwt.SigningMethodHS256)

	_, err := ParseClaims(token, testSecret)
	require.ErrorIs(t, err, ErrTenantMissing)
}

func TestUserContextRoundTrip(t *testing.T) {
	ctx := WithUserContext(context.Background(), UserContext{UserID: "u1", TenantID: "t1"})

	uc, err := GetUserContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", uc.TenantID)
	assert.Equal(t, "t1", TenantID(ctx))

	_, err = GetUserContext(context.Background())
	require.ErrorIs(t, err, ErrTenantMissing)
	assert.Empty(t, TenantID(context.Background()))
}
