package utils

import "golang.org/x/crypto/bcrypt"

// HashPassword derives the stored form of a password. Only the hash is ever
// persisted; the plaintext is discarded after this call.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckPassword reports whether password matches the stored bcrypt hash.
// A malformed hash counts as a mismatch.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
