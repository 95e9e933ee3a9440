package model

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// NewBotID creates a fresh bot instance id.
func NewBotID() string {
	return generateSecureID("bot_")
}

// generateSecureID creates a secure random ID with a prefix
func generateSecureID(prefix string) string {
	b := make([]byte, 16)
	_, err := rand.Read(b)
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("%s%s", prefix, base64.RawURLEncoding.EncodeToString(b))
}
