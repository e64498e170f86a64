package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	keyPrefix     = "pf"
	keyVersion    = "v1"
	secretIDLen   = 32
	randomDataLen = 64
)

// ParseAPIKey splits pf-v1-<secret_id>-<random_data>. secret_id is 32 lower
// hex characters and random_data 64.
func ParseAPIKey(key string) (secretID, randomData string, err error) {
	parts := strings.Split(key, "-")
	if len(parts) != 4 || parts[0] != keyPrefix || parts[1] != keyVersion {
		return "", "", ErrInvalidKeyFormat
	}
	secretID, randomData = parts[2], parts[3]
	if len(secretID) != secretIDLen || len(randomData) != randomDataLen {
		return "", "", ErrInvalidKeyFormat
	}
	if !isLowerHex(secretID) || !isLowerHex(randomData) {
		return "", "", ErrInvalidKeyFormat
	}
	return secretID, randomData, nil
}

func isLowerHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// ComputeHMAC returns HMAC-SHA256(secret, apiKey).
func ComputeHMAC(secret []byte, apiKey string) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(apiKey))
	return h.Sum(nil)
}

// VerifyHMAC compares two hashes in constant time.
func VerifyHMAC(expectedHash, computedHash []byte) bool {
	return hmac.Equal(expectedHash, computedHash)
}

// FormatAPIKey assembles a key from its parts.
func FormatAPIKey(secretID, randomData string) string {
	return fmt.Sprintf("%s-%s-%s-%s", keyPrefix, keyVersion, secretID, randomData)
}

// GenerateAPIKey issues a fresh key under secretID and returns it with the
// hash to store.
func GenerateAPIKey(secretID string, secret []byte) (key string, hash []byte, err error) {
	if len(secretID) != secretIDLen || !isLowerHex(secretID) {
		return "", nil, fmt.Errorf("%w: secret id must be %d hex characters", ErrInvalidKeyFormat, secretIDLen)
	}
	buf := make([]byte, randomDataLen/2)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("failed to read random data: %w", err)
	}
	key = FormatAPIKey(secretID, hex.EncodeToString(buf))
	return key, ComputeHMAC(secret, key), nil
}
