package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashSHA256 returns the lowercase hex SHA-256 of base. Refresh tokens are
// chained through this: hash1 = HashSHA256(token), hash2 = HashSHA256(hash1).
func HashSHA256(base string) string {
	sum := sha256.Sum256([]byte(base))
	return hex.EncodeToString(sum[:])
}
