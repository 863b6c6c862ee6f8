package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateSecretToken returns a fresh random 128-bit token in hex.
func GenerateSecretToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
