// ABOUTME: Tests for JWT operator token verification
// ABOUTME: Covers round-trips, expiry, missing claims, and wrong secrets

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v, err := NewJWTVerifier([]byte("test-secret"))
	require.NoError(t, err)

	op := Operator{ID: "op-1", TenantID: "acme", DisplayName: "Alice"}
	token, err := v.Generate(op, time.Hour)
	require.NoError(t, err)

	got, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, op, got)
}

func TestJWTVerifier_EmptySecretRejected(t *testing.T) {
	_, err := NewJWTVerifier(nil)
	assert.Error(t, err)
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	v, err := NewJWTVerifier([]byte("test-secret"))
	require.NoError(t, err)

	token, err := v.Generate(Operator{ID: "op-1", TenantID: "acme"}, -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	v1, err := NewJWTVerifier([]byte("secret-one"))
	require.NoError(t, err)
	v2, err := NewJWTVerifier([]byte("secret-two"))
	require.NoError(t, err)

	token, err := v1.Generate(Operator{ID: "op-1", TenantID: "acme"}, time.Hour)
	require.NoError(t, err)

	_, err = v2.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTVerifier_MissingTenantClaim(t *testing.T) {
	secret := []byte("test-secret")
	v, err := NewJWTVerifier(secret)
	require.NoError(t, err)

	claims := jwt.MapClaims{
		"sub": "op-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	_, err = v.Verify(raw)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestJWTVerifier_GarbageToken(t *testing.T) {
	v, err := NewJWTVerifier([]byte("test-secret"))
	require.NoError(t, err)

	_, err = v.Verify("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTVerifier_NameDefaultsToSub(t *testing.T) {
	secret := []byte("test-secret")
	v, err := NewJWTVerifier(secret)
	require.NoError(t, err)

	claims := jwt.MapClaims{
		"sub":    "op-1",
		"tenant": "acme",
		"exp":    time.Now().Add(time.Hour).Unix(),
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	got, err := v.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "op-1", got.DisplayName)
}

func TestOperator_MemberOf(t *testing.T) {
	op := Operator{ID: "op-1", TenantID: "acme"}
	assert.True(t, op.MemberOf("acme"))
	assert.False(t, op.MemberOf("globex"))
}
