// Package cursor seals device identifiers into opaque tokens so
// non-privileged callers never see raw device ids.
package cursor

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"sync"
)

// Prefix marks a sealed token. Anything else is treated as a raw id and is
// only acceptable from privileged callers.
const Prefix = "enc."

const ivLen = 12

// Codec encrypts device ids under a key derived from the configured secret.
// Derived keys are cached per secret: derivation is deterministic and the
// secret itself is the entropy source.
type Codec struct {
	secret string

	mu   sync.Mutex
	keys map[string][]byte
}

func New(secret string) *Codec {
	return &Codec{secret: secret, keys: make(map[string][]byte)}
}

func (c *Codec) key() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k, ok := c.keys[c.secret]; ok {
		return k
	}
	sum := sha256.Sum256([]byte(c.secret))
	k := sum[:]
	c.keys[c.secret] = k
	return k
}

// Seal encrypts a device id as "enc.<b64url(iv)>.<b64url(ciphertext||tag)>".
func (c *Codec) Seal(deviceID string) (string, error) {
	block, err := aes.NewCipher(c.key())
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	ct := gcm.Seal(nil, iv, []byte(deviceID), nil)
	return Prefix +
		base64.RawURLEncoding.EncodeToString(iv) + "." +
		base64.RawURLEncoding.EncodeToString(ct), nil
}

// Unseal decrypts a token back to the device id. Any malformed input or
// authentication failure returns ("", false); callers must treat that the
// same as "not found".
func (c *Codec) Unseal(token string) (string, bool) {
	if !strings.HasPrefix(token, Prefix) {
		return "", false
	}
	parts := strings.Split(strings.TrimPrefix(token, Prefix), ".")
	if len(parts) != 2 {
		return "", false
	}
	iv, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil || len(iv) != ivLen {
		return "", false
	}
	ct, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", false
	}
	block, err := aes.NewCipher(c.key())
	if err != nil {
		return "", false
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", false
	}
	plain, err := gcm.Open(nil, iv, ct, nil)
	if err != nil {
		return "", false
	}
	return string(plain), true
}

// IsSealed reports whether a caller-supplied device reference is a token.
func IsSealed(s string) bool {
	return strings.HasPrefix(s, Prefix)
}
