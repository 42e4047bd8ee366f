package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}

func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(&Device{}, &TelemetrySample{}, &DeviceLatest{}, &IngestNonce{}, &RequestLogEntry{}); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

// GetDevice returns (nil, nil) when the device is unknown.
func (r *Repo) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	var d Device
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *Repo) CreateDevice(ctx context.Context, d *Device) error {
	return r.db.WithContext(ctx).Create(d).Error
}

// ClaimProfile sets profile_id only if currently unset, then re-reads to
// report the final owner. The conditional update plus re-read is safe under
// concurrent first-claims: whichever update lands first wins, and everyone
// sees the winner on the re-read.
func (r *Repo) ClaimProfile(ctx context.Context, deviceID, profileID string) (owner string, err error) {
	res := r.db.WithContext(ctx).
		Model(&Device{}).
		Where("device_id = ? AND profile_id IS NULL", deviceID).
		Update("profile_id", profileID)
	if res.Error != nil {
		return "", res.Error
	}
	d, err := r.GetDevice(ctx, deviceID)
	if err != nil {
		return "", err
	}
	if d == nil || d.ProfileID == nil {
		return "", errors.New("claim did not settle")
	}
	return *d.ProfileID, nil
}

// TouchDevice marks a device online with a fresh last_seen_at (heartbeats
// without metrics take this path alone).
func (r *Repo) TouchDevice(ctx context.Context, deviceID string, seenAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&Device{}).
		Where("device_id = ?", deviceID).
		Updates(map[string]any{"online": true, "last_seen_at": seenAt.UTC()}).Error
}

func (r *Repo) GetLatest(ctx context.Context, deviceID string) (*DeviceLatest, error) {
	var l DeviceLatest
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ListDevicesByProfiles returns devices owned by any of the given profiles.
// An empty profile list returns every device (fleet scope for privileged
// callers).
func (r *Repo) ListDevicesByProfiles(ctx context.Context, profileIDs []string) ([]Device, error) {
	q := r.db.WithContext(ctx).Model(&Device{})
	if len(profileIDs) > 0 {
		q = q.Where("profile_id IN ?", profileIDs)
	}
	var out []Device
	if err := q.Order("device_id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// LogRequest records a terminal outcome for the window limiters; failures
// here are logged by the caller, never surfaced to the device.
func (r *Repo) LogRequest(ctx context.Context, e *RequestLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *Repo) CountRequests(ctx context.Context, deviceID, route string, since time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&RequestLogEntry{}).
		Where("device_id = ? AND route = ? AND created_at >= ?", deviceID, route, since.UTC()).
		Count(&n).Error
	return n, err
}

// CountFailures counts only non-2xx outcomes in the window.
func (r *Repo) CountFailures(ctx context.Context, deviceID, route string, since time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&RequestLogEntry{}).
		Where("device_id = ? AND route = ? AND created_at >= ? AND status >= 300", deviceID, route, since.UTC()).
		Count(&n).Error
	return n, err
}
