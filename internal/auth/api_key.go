package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// APIKeyVerifier checks the apiKey query parameter against the single
// configured key. Used for AUTH_MODE=api_key.
type APIKeyVerifier struct {
	Expected string
}

// Verify compares in constant time. An empty configured key rejects
// everything rather than allowing everything.
func (v APIKeyVerifier) Verify(apiKey string) error {
	if apiKey == "" || v.Expected == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.Expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
