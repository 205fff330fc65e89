package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// BcryptCost is the cost factor used when hashing the bootstrapped
	// operator account's password.
	BcryptCost = 12
)

// HashPassword hashes the operator account's password with bcrypt, for
// storage in procconfig.AdminConfig.OperatorPasswordHash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword checks a login attempt's password against the operator
// account's stored hash.
func VerifyPassword(password, hash string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// ValidatePasswordStrength rejects operator passwords that don't meet the
// daemon's minimum bootstrap requirements: at least 8 characters, with at
// least one letter and one number.
func ValidatePasswordStrength(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("operator password must be at least 8 characters long")
	}

	hasNumber := false
	hasLetter := false

	for _, char := range password {
		switch {
		case char >= '0' && char <= '9':
			hasNumber = true
		case (char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z'):
			hasLetter = true
		}
	}

	if !hasNumber {
		return fmt.Errorf("operator password must contain at least one number")
	}
	if !hasLetter {
		return fmt.Errorf("operator password must contain at least one letter")
	}

	return nil
}
