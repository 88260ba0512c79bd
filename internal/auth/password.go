package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// PasswordCost is the bcrypt work factor applied to every stored password.
const PasswordCost = 10

const maxPasswordBytes = 72

// HashPassword hashes plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	if len(password) > maxPasswordBytes {
		return "", fmt.Errorf("%w: password exceeds %d bytes", ErrInvalidInput, maxPasswordBytes)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), PasswordCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword compares plaintext password with stored hash.
// Accounts without a hash (federated login only) never match.
func VerifyPassword(password, hash string) bool {
	if hash == "" || password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
