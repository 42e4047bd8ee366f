// Package ratelimit provides the two ingest limiters: an address-keyed
// token bucket (Redis-backed with an in-memory fallback) and store-backed
// per-device sliding windows.
package ratelimit

import (
	"net"
	"net/http"
	"time"
)

// Decision is the outcome of an address-bucket check. RetryAfter is only
// meaningful when Allowed is false.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// AddressLimiter is one logical bucket per (route, address). The Redis
// implementation is shared across instances; the memory implementation is
// per-instance and therefore a weaker, degraded approximation of the
// global limit.
type AddressLimiter interface {
	Allow(route, addr string) (Decision, error)
}

type Config struct {
	// CapacityPerMinute is both burst capacity and refill rate.
	CapacityPerMinute int
	// BlockFor is how long an exhausted bucket rejects outright.
	BlockFor time.Duration
}

func (c Config) withDefaults() Config {
	if c.CapacityPerMinute <= 0 {
		c.CapacityPerMinute = 60
	}
	if c.BlockFor <= 0 {
		c.BlockFor = time.Minute
	}
	return c
}

// Key by IP address
func KeyByIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
