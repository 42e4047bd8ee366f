package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PersistOutcome is the explicit result of the atomic try-insert: no
// error-string sniffing, the nonce insert's row count is the sole signal.
type PersistOutcome int

const (
	PersistAccepted PersistOutcome = iota
	PersistDuplicate
)

// errDuplicate aborts the transaction so the duplicate leaves no writes
// behind; PersistSample translates it to PersistDuplicate.
var errDuplicate = errors.New("duplicate ingest nonce")

const minDedupWindow = time.Second

// PersistSample runs the whole accept path in one transaction:
// prune expired nonce → insert sample (no-op on conflict) → unconditionally
// upsert latest state → mark the device seen → insert the nonce. A nonce
// conflict rolls everything back and reports PersistDuplicate.
func (r *Repo) PersistSample(ctx context.Context, sample *TelemetrySample, latest *DeviceLatest, dedupWindow time.Duration) (PersistOutcome, error) {
	if dedupWindow < minDedupWindow {
		dedupWindow = minDedupWindow
	}
	now := time.Now().UTC()
	if sample.IngestedAt.IsZero() {
		sample.IngestedAt = now
	}
	latest.UpdatedAt = now

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// An expired nonce for the same key must not block a legitimately
		// repeated timestamp outside the window.
		if err := tx.
			Where("device_id = ? AND ts_ms = ? AND expires_at <= ?", sample.DeviceID, sample.TsMs, now).
			Delete(&IngestNonce{}).Error; err != nil {
			return err
		}

		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}, {Name: "ts_ms"}},
			DoNothing: true,
		}).Create(sample).Error; err != nil {
			return err
		}

		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}},
			UpdateAll: true,
		}).Create(latest).Error; err != nil {
			return err
		}

		if err := tx.
			Model(&Device{}).
			Where("device_id = ?", sample.DeviceID).
			Updates(map[string]any{"online": true, "last_seen_at": now}).Error; err != nil {
			return err
		}

		nonce := &IngestNonce{
			DeviceID:  sample.DeviceID,
			TsMs:      sample.TsMs,
			ExpiresAt: time.UnixMilli(sample.TsMs).UTC().Add(dedupWindow),
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}, {Name: "ts_ms"}},
			DoNothing: true,
		}).Create(nonce)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errDuplicate
		}
		return nil
	})

	if errors.Is(err, errDuplicate) {
		return PersistDuplicate, nil
	}
	if err != nil {
		return PersistAccepted, err
	}
	return PersistAccepted, nil
}
