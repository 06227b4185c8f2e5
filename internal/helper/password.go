package helper

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// CredentialEntry hashes password with bcrypt and formats it as one
// "user:hash" item of the AUTHENTICATION list.
func CredentialEntry(user, password string, cost int) (string, error) {
	if user == "" || strings.ContainsAny(user, ":,") {
		return "", errors.New("user must be non-empty and contain no ':' or ','")
	}
	if password == "" {
		return "", errors.New("password is empty")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return user + ":" + string(hash), nil
}

// MatchCredential checks pass against a configured secret, which is either
// a bcrypt hash or plain text.
func MatchCredential(expected, pass string) bool {
	if IsBcryptHash(expected) {
		return bcrypt.CompareHashAndPassword([]byte(expected), []byte(pass)) == nil
	}
	if expected == "" || pass == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(pass)) == 1
}

// IsBcryptHash reports whether s looks like a bcrypt hash ($2a$, $2b$, $2y$).
func IsBcryptHash(s string) bool {
	return len(s) == 60 && (strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$"))
}
