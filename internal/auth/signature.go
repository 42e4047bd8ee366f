// Package auth verifies device-presented credentials: the shared device key
// and the per-request HMAC signature with its freshness window.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingHeader    = errors.New("missing header")
	ErrBadTimestamp     = errors.New("unparseable timestamp")
	ErrStaleTimestamp   = errors.New("timestamp outside tolerance")
	ErrSignatureInvalid = errors.New("signature mismatch")
)

const DefaultTolerance = 300 * time.Second

// SignatureVerifier checks HMAC-SHA256 signatures over "<timestamp>.<rawBody>".
// The zero tolerance falls back to DefaultTolerance. nowFn is injectable for
// tests and defaults to time.Now.
type SignatureVerifier struct {
	Tolerance time.Duration
	nowFn     func() time.Time
}

func NewSignatureVerifier(tolerance time.Duration) *SignatureVerifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &SignatureVerifier{Tolerance: tolerance, nowFn: time.Now}
}

// Verify checks freshness first, then the signature. The returned error is
// one of the sentinel errors above; callers log it and answer generically.
func (v *SignatureVerifier) Verify(body []byte, tsHeader, sigHeader string, key []byte) error {
	if strings.TrimSpace(tsHeader) == "" || strings.TrimSpace(sigHeader) == "" {
		return ErrMissingHeader
	}
	ts, err := ParseTimestamp(tsHeader)
	if err != nil {
		return ErrBadTimestamp
	}

	now := v.nowFn()
	drift := now.Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > v.Tolerance {
		return ErrStaleTimestamp
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(tsHeader))
	mac.Write([]byte("."))
	mac.Write(body)
	want := mac.Sum(nil)

	got, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(sigHeader)))
	if err != nil {
		return ErrSignatureInvalid
	}
	if !hmac.Equal(want, got) {
		return ErrSignatureInvalid
	}
	return nil
}

// Sign computes the hex signature for a timestamp/body pair. Used by tests
// and device-side tooling.
func Sign(body []byte, tsHeader string, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(tsHeader))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseTimestamp accepts 10-digit epoch seconds, longer all-digit epoch
// milliseconds, or an ISO-8601 string.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrBadTimestamp
	}
	if isDigits(s) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, ErrBadTimestamp
		}
		if len(s) == 10 {
			return time.Unix(n, 0).UTC(), nil
		}
		return time.UnixMilli(n).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, ErrBadTimestamp
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
