// Package auth authenticates the daemon's single bootstrapped operator
// account for the local admin API: JWT session tokens, bcrypt password
// hashing, and password strength validation, all scoped to the one
// operator identity in procconfig.AdminConfig rather than a multi-user
// account store.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OperatorClaims are the JWT claims minted for the bootstrapped operator
// account. There is exactly one account per daemon, so claims carry its
// username and role rather than an opaque user ID.
type OperatorClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateOperatorToken mints a session token for the operator account
// after a successful login.
func GenerateOperatorToken(username, role, secret, issuer string, expiration time.Duration) (string, error) {
	claims := &OperatorClaims{
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateOperatorToken parses and verifies a session token minted by
// GenerateOperatorToken, returning its claims.
func ValidateOperatorToken(tokenString, secret string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to parse operator token: %w", err)
	}

	if claims, ok := token.Claims.(*OperatorClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, fmt.Errorf("invalid operator token")
}
