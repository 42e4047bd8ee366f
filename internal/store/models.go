package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Device is pre-provisioned (or created unclaimed); ProfileID is set exactly
// once by the first successful ingest from an unclaimed device.
type Device struct {
	DeviceID      string    `gorm:"primaryKey;size:128" json:"device_id"`
	ProfileID     *string   `gorm:"index;size:128" json:"profile_id"`
	DeviceKeyHash string    `gorm:"size:64" json:"-"`
	Site          string    `json:"site"`
	Online        bool      `json:"online"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TelemetrySample is an immutable fact keyed by (device_id, ts_ms); inserts
// are no-ops on conflict.
type TelemetrySample struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	DeviceID   string         `gorm:"size:128;uniqueIndex:idx_samples_device_ts,priority:1" json:"device_id"`
	TsMs       int64          `gorm:"uniqueIndex:idx_samples_device_ts,priority:2" json:"ts_ms"`
	Raw        datatypes.JSON `gorm:"type:jsonb" json:"raw"`
	DeltaT     *float64       `json:"delta_t"`
	ThermalKW  *float64       `json:"thermal_kw"`
	COP        *float64       `gorm:"column:cop" json:"cop"`
	COPQuality *string        `gorm:"column:cop_quality" json:"cop_quality"`
	Faults     datatypes.JSON `gorm:"type:jsonb" json:"faults"`
	Status     datatypes.JSON `gorm:"type:jsonb" json:"status"`
	IngestedAt time.Time      `json:"ingested_at"`
}

// BeforeCreate GORM hook: ensure UUID is set
func (s *TelemetrySample) BeforeCreate(tx *gorm.DB) (err error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// DeviceLatest mirrors the most recently processed sample per device. The
// upsert is unconditional: arrival order wins, not timestamp order.
type DeviceLatest struct {
	DeviceID   string         `gorm:"primaryKey;size:128" json:"device_id"`
	TsMs       int64          `json:"ts_ms"`
	Raw        datatypes.JSON `gorm:"type:jsonb" json:"raw"`
	DeltaT     *float64       `json:"delta_t"`
	ThermalKW  *float64       `json:"thermal_kw"`
	COP        *float64       `gorm:"column:cop" json:"cop"`
	COPQuality *string        `gorm:"column:cop_quality" json:"cop_quality"`
	Faults     datatypes.JSON `gorm:"type:jsonb" json:"faults"`
	RSSI       *int           `json:"rssi"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// IngestNonce is the replay guard: one row per (device_id, ts_ms) inside the
// dedup window. Expired rows are pruned opportunistically before insert.
type IngestNonce struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	DeviceID  string    `gorm:"size:128;uniqueIndex:idx_nonces_device_ts,priority:1" json:"device_id"`
	TsMs      int64     `gorm:"uniqueIndex:idx_nonces_device_ts,priority:2" json:"ts_ms"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RequestLogEntry records every terminal ingest outcome; the per-device
// window limiters count against it.
type RequestLogEntry struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Route      string    `gorm:"size:64;index:idx_reqlog_device_route_time,priority:2" json:"route"`
	DeviceID   string    `gorm:"size:128;index:idx_reqlog_device_route_time,priority:1" json:"device_id"`
	RemoteAddr string    `gorm:"size:64" json:"remote_addr"`
	Status     int       `json:"status"`
	CreatedAt  time.Time `gorm:"index:idx_reqlog_device_route_time,priority:3" json:"created_at"`
}
