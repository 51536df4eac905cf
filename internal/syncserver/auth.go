// Package syncserver implements the central server side of the sync
// wire API, plus bearer-token auth and client-version enforcement.
package syncserver

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identifies which datasite email a sync token authenticates.
type Claims struct {
	jwt.RegisteredClaims
}

// AuthService issues and validates the bearer tokens datasite clients
// present on every sync request.
type AuthService struct {
	secret []byte
	issuer string
	expiry time.Duration
}

// NewAuthService builds an AuthService signing with secret.
func NewAuthService(secret, issuer string, expiry time.Duration) *AuthService {
	if expiry == 0 {
		expiry = 24 * time.Hour
	}
	return &AuthService{secret: []byte(secret), issuer: issuer, expiry: expiry}
}

// IssueToken mints a signed token for email.
func (a *AuthService) IssueToken(email string) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(a.expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken parses and verifies tokenString, returning the email it
// authenticates.
func (a *AuthService) ValidateToken(tokenString string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("syncserver: invalid token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("syncserver: invalid token")
	}
	return claims.Subject, nil
}
