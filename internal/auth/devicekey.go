package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashDeviceKey derives the stored form of a device shared secret. Device
// keys are high-entropy provisioned secrets, so a fast one-way hash is the
// intended scheme (unlike user passwords).
func HashDeviceKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// VerifyDeviceKey compares a presented key against the stored hash in
// constant time. An empty stored hash never matches.
func VerifyDeviceKey(storedHash, presented string) bool {
	if storedHash == "" {
		return false
	}
	h := HashDeviceKey(presented)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(h)) == 1
}
