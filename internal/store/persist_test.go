package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openTestRepo(t *testing.T) *Repo {
	t.Helper()
	dsn := "file:memdb_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	repo, err := New(db)
	if err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	return repo
}

func seedDevice(t *testing.T, repo *Repo, deviceID string, profileID *string) {
	t.Helper()
	if err := repo.CreateDevice(context.Background(), &Device{
		DeviceID:      deviceID,
		ProfileID:     profileID,
		DeviceKeyHash: "irrelevant-here",
	}); err != nil {
		t.Fatalf("failed to seed device: %v", err)
	}
}

func sampleAt(deviceID string, tsMs int64) (*TelemetrySample, *DeviceLatest) {
	raw := []byte(`{"supplyC":45.0}`)
	s := &TelemetrySample{DeviceID: deviceID, TsMs: tsMs, Raw: raw, Faults: []byte("[]"), Status: []byte("{}")}
	l := &DeviceLatest{DeviceID: deviceID, TsMs: tsMs, Raw: raw, Faults: []byte("[]")}
	return s, l
}

func TestPersistSampleDuplicateRollsBack(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	seedDevice(t, repo, "hp-001", nil)

	ts := time.Now().UnixMilli()
	s1, l1 := sampleAt("hp-001", ts)
	outcome, err := repo.PersistSample(ctx, s1, l1, 5*time.Minute)
	if err != nil {
		t.Fatalf("first persist: %v", err)
	}
	if outcome != PersistAccepted {
		t.Fatalf("first persist outcome = %v, want accepted", outcome)
	}

	s2, l2 := sampleAt("hp-001", ts)
	outcome, err = repo.PersistSample(ctx, s2, l2, 5*time.Minute)
	if err != nil {
		t.Fatalf("second persist: %v", err)
	}
	if outcome != PersistDuplicate {
		t.Fatalf("second persist outcome = %v, want duplicate", outcome)
	}

	var n int64
	if err := repo.db.Model(&TelemetrySample{}).Where("device_id = ?", "hp-001").Count(&n).Error; err != nil {
		t.Fatalf("count samples: %v", err)
	}
	if n != 1 {
		t.Fatalf("sample rows = %d, want 1", n)
	}
}

func TestPersistSampleExpiredNonceAdmitsRepeat(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	seedDevice(t, repo, "hp-002", nil)

	// An hour-old timestamp with a 1s window means the nonce is already
	// expired when the repeat arrives.
	ts := time.Now().Add(-time.Hour).UnixMilli()
	s1, l1 := sampleAt("hp-002", ts)
	if outcome, err := repo.PersistSample(ctx, s1, l1, time.Second); err != nil || outcome != PersistAccepted {
		t.Fatalf("first persist outcome=%v err=%v", outcome, err)
	}

	s2, l2 := sampleAt("hp-002", ts)
	outcome, err := repo.PersistSample(ctx, s2, l2, time.Second)
	if err != nil {
		t.Fatalf("repeat persist: %v", err)
	}
	if outcome != PersistAccepted {
		t.Fatalf("repeat persist outcome = %v, want accepted after nonce expiry", outcome)
	}

	// The sample itself is still stored only once.
	var n int64
	if err := repo.db.Model(&TelemetrySample{}).Where("device_id = ?", "hp-002").Count(&n).Error; err != nil {
		t.Fatalf("count samples: %v", err)
	}
	if n != 1 {
		t.Fatalf("sample rows = %d, want 1", n)
	}
}

func TestPersistSampleLatestFollowsArrivalOrder(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	seedDevice(t, repo, "hp-003", nil)

	base := time.Now().UnixMilli()
	s1, l1 := sampleAt("hp-003", base)
	if _, err := repo.PersistSample(ctx, s1, l1, 5*time.Minute); err != nil {
		t.Fatalf("persist newer: %v", err)
	}
	// An older reading arriving later still overwrites latest state.
	s2, l2 := sampleAt("hp-003", base-60_000)
	if _, err := repo.PersistSample(ctx, s2, l2, 5*time.Minute); err != nil {
		t.Fatalf("persist older: %v", err)
	}

	latest, err := repo.GetLatest(ctx, "hp-003")
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if latest == nil || latest.TsMs != base-60_000 {
		t.Fatalf("latest ts = %+v, want %d", latest, base-60_000)
	}
}

func TestPersistSampleMarksDeviceOnline(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	seedDevice(t, repo, "hp-004", nil)

	s, l := sampleAt("hp-004", time.Now().UnixMilli())
	if _, err := repo.PersistSample(ctx, s, l, 5*time.Minute); err != nil {
		t.Fatalf("persist: %v", err)
	}
	d, err := repo.GetDevice(ctx, "hp-004")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if d == nil || !d.Online || d.LastSeenAt.IsZero() {
		t.Fatalf("device not marked online: %+v", d)
	}
}

func TestClaimProfileFirstClaimWins(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	seedDevice(t, repo, "hp-005", nil)

	owner, err := repo.ClaimProfile(ctx, "hp-005", "profile-a")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if owner != "profile-a" {
		t.Fatalf("first claim owner = %q, want profile-a", owner)
	}

	owner, err = repo.ClaimProfile(ctx, "hp-005", "profile-b")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if owner != "profile-a" {
		t.Fatalf("second claim owner = %q, want profile-a to stick", owner)
	}
}

func TestRequestCountsSplitFailures(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	since := time.Now().Add(-time.Minute)

	for _, status := range []int{200, 200, 401, 409, 500} {
		if err := repo.LogRequest(ctx, &RequestLogEntry{Route: "ingest", DeviceID: "hp-006", RemoteAddr: "10.0.0.1", Status: status}); err != nil {
			t.Fatalf("log request: %v", err)
		}
	}
	// A different route must not count.
	if err := repo.LogRequest(ctx, &RequestLogEntry{Route: "heartbeat", DeviceID: "hp-006", RemoteAddr: "10.0.0.1", Status: 401}); err != nil {
		t.Fatalf("log request: %v", err)
	}

	total, err := repo.CountRequests(ctx, "hp-006", "ingest", since)
	if err != nil {
		t.Fatalf("count requests: %v", err)
	}
	if total != 5 {
		t.Fatalf("requests = %d, want 5", total)
	}
	failures, err := repo.CountFailures(ctx, "hp-006", "ingest", since)
	if err != nil {
		t.Fatalf("count failures: %v", err)
	}
	if failures != 3 {
		t.Fatalf("failures = %d, want 3", failures)
	}
}
