// ABOUTME: JWT token verification for authenticating operator connections
// ABOUTME: Uses HS256 signing with configurable secret; claims carry tenant membership

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Operator is the verified identity behind an operator connection.
type Operator struct {
	ID          string
	TenantID    string
	DisplayName string
}

// MemberOf reports whether the operator belongs to the given tenant.
// This is the authorization enforcement point for dashboard joins and
// claim attempts; policy design lives outside this core.
func (o Operator) MemberOf(tenantID string) bool {
	return o.TenantID == tenantID
}

// TokenVerifier defines the interface for operator token verification
type TokenVerifier interface {
	Verify(tokenString string) (Operator, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret must not be empty")
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the token and extracts the operator identity.
// Required claims: "sub" (operator id), "tenant". "name" is optional.
func (v *JWTVerifier) Verify(tokenString string) (Operator, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Operator{}, ErrExpiredToken
		}
		return Operator{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return Operator{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Operator{}, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Operator{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	tenant, ok := claims["tenant"].(string)
	if !ok || tenant == "" {
		return Operator{}, fmt.Errorf("%w: tenant", ErrMissingClaim)
	}

	name, _ := claims["name"].(string)
	if name == "" {
		name = sub
	}

	return Operator{ID: sub, TenantID: tenant, DisplayName: name}, nil
}

// Generate creates a new JWT token for the given operator with expiration
func (v *JWTVerifier) Generate(op Operator, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":    op.ID,
		"tenant": op.TenantID,
		"name":   op.DisplayName,
		"iat":    now.Unix(),
		"exp":    now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
