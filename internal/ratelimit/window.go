package ratelimit

import (
	"context"
	"time"
)

// RequestCounter is the operational-log view the window limiters count
// against (implemented by the store repo).
type RequestCounter interface {
	CountRequests(ctx context.Context, deviceID, route string, since time.Time) (int64, error)
	CountFailures(ctx context.Context, deviceID, route string, since time.Time) (int64, error)
}

// DeviceWindow counts a device's trailing-window requests per route. The
// failure limiter is stricter and counts only non-2xx outcomes, guarding
// against credential stuffing.
type DeviceWindow struct {
	Counter      RequestCounter
	Window       time.Duration
	Limit        int
	FailureLimit int

	nowFn func() time.Time
}

func NewDeviceWindow(counter RequestCounter, limit, failureLimit int) *DeviceWindow {
	return &DeviceWindow{
		Counter:      counter,
		Window:       time.Minute,
		Limit:        limit,
		FailureLimit: failureLimit,
		nowFn:        time.Now,
	}
}

// AllowRequest reports whether the device is under its total-request limit.
// Counter errors fail toward rejection.
func (w *DeviceWindow) AllowRequest(ctx context.Context, deviceID, route string) (bool, error) {
	if w.Limit <= 0 {
		return true, nil
	}
	since := w.nowFn().Add(-w.Window)
	n, err := w.Counter.CountRequests(ctx, deviceID, route, since)
	if err != nil {
		return false, err
	}
	return n < int64(w.Limit), nil
}

// AllowFailures reports whether the device is under its failure budget.
func (w *DeviceWindow) AllowFailures(ctx context.Context, deviceID, route string) (bool, error) {
	if w.FailureLimit <= 0 {
		return true, nil
	}
	since := w.nowFn().Add(-w.Window)
	n, err := w.Counter.CountFailures(ctx, deviceID, route, since)
	if err != nil {
		return false, err
	}
	return n < int64(w.FailureLimit), nil
}
