package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// HashKey creates a SHA-256 hash of the API key.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// ParseAuthHeader extracts the credential from an Authorization header value.
// Both "Bearer <key>" and a bare key are accepted.
func ParseAuthHeader(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", fmt.Errorf("authorization header is empty")
	}
	if len(header) >= 7 && strings.EqualFold(header[:7], "bearer ") {
		key := strings.TrimSpace(header[7:])
		if key == "" {
			return "", fmt.Errorf("bearer token is empty")
		}
		return key, nil
	}
	return header, nil
}

// MaskKey returns a masked version of the key for logging.
func MaskKey(key string) string {
	if len(key) <= 12 {
		return "***"
	}
	return key[:8] + "..." + key[len(key)-4:]
}
