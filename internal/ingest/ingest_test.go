package ingest

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	"telemetry-service/internal/auth"
	"telemetry-service/internal/ratelimit"
	"telemetry-service/internal/store"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testDeviceKey = "dk_b2f1c9d8e7a65432"

func newTestService(t *testing.T) (*Service, *store.Repo) {
	t.Helper()
	dsn := "file:memdb_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	windows := ratelimit.NewDeviceWindow(repo, 120, 20)
	svc := New(repo, auth.NewSignatureVerifier(0), windows, 5*time.Minute)
	return svc, repo
}

func seedDevice(t *testing.T, repo *store.Repo, deviceID string, profileID *string) {
	t.Helper()
	if err := repo.CreateDevice(context.Background(), &store.Device{
		DeviceID:      deviceID,
		ProfileID:     profileID,
		DeviceKeyHash: auth.HashDeviceKey(testDeviceKey),
	}); err != nil {
		t.Fatalf("failed to seed device: %v", err)
	}
}

func telemetryBody(deviceID string, tsMs int64) []byte {
	return []byte(fmt.Sprintf(
		`{"device_id":%q,"ts":%d,"metrics":{"supplyC":45.0,"returnC":38.0,"flowLps":0.3,"powerKW":2.0,"mode":"heating"},"rssi":-61}`,
		deviceID, tsMs))
}

func signedRequest(route, profile string, body []byte) Request {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return Request{
		Route:     route,
		Profile:   profile,
		Body:      body,
		DeviceKey: testDeviceKey,
		Signature: auth.Sign(body, ts, []byte(testDeviceKey)),
		Timestamp: ts,
	}
}

func TestHandleAcceptsSignedTelemetry(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	profile := "profile-a"
	seedDevice(t, repo, "hp-100", &profile)

	tsMs := time.Now().UnixMilli()
	deviceID, appErr := svc.Handle(ctx, signedRequest(RouteIngest, profile, telemetryBody("hp-100", tsMs)))
	if appErr != nil {
		t.Fatalf("handle rejected: %+v", appErr)
	}
	if deviceID != "hp-100" {
		t.Fatalf("device id = %q, want hp-100", deviceID)
	}

	latest, err := repo.GetLatest(ctx, "hp-100")
	if err != nil || latest == nil {
		t.Fatalf("latest = %+v err=%v", latest, err)
	}
	if latest.TsMs != tsMs {
		t.Fatalf("latest ts = %d, want %d", latest.TsMs, tsMs)
	}
	if latest.DeltaT == nil || *latest.DeltaT != 7.0 {
		t.Fatalf("deltaT = %v, want 7.0", latest.DeltaT)
	}
	if latest.ThermalKW == nil || *latest.ThermalKW != 8.77 {
		t.Fatalf("thermalKW = %v, want 8.77", latest.ThermalKW)
	}
	if latest.COP == nil || *latest.COP != 4.39 {
		t.Fatalf("cop = %v, want 4.39", latest.COP)
	}
	if latest.COPQuality == nil || *latest.COPQuality != "measured" {
		t.Fatalf("cop quality = %v, want measured", latest.COPQuality)
	}
	if latest.RSSI == nil || *latest.RSSI != -61 {
		t.Fatalf("rssi = %v, want -61", latest.RSSI)
	}
}

func TestHandleSecondsTimestampNormalized(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	profile := "profile-a"
	seedDevice(t, repo, "hp-101", &profile)

	tsSec := time.Now().Unix()
	if _, appErr := svc.Handle(ctx, signedRequest(RouteIngest, profile, telemetryBody("hp-101", tsSec))); appErr != nil {
		t.Fatalf("handle rejected: %+v", appErr)
	}
	latest, err := repo.GetLatest(ctx, "hp-101")
	if err != nil || latest == nil {
		t.Fatalf("latest = %+v err=%v", latest, err)
	}
	if latest.TsMs != tsSec*1000 {
		t.Fatalf("latest ts = %d, want %d", latest.TsMs, tsSec*1000)
	}
}

func TestHandleDuplicateAnswersConflict(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	profile := "profile-a"
	seedDevice(t, repo, "hp-102", &profile)

	body := telemetryBody("hp-102", time.Now().UnixMilli())
	if _, appErr := svc.Handle(ctx, signedRequest(RouteIngest, profile, body)); appErr != nil {
		t.Fatalf("first handle rejected: %+v", appErr)
	}
	_, appErr := svc.Handle(ctx, signedRequest(RouteIngest, profile, body))
	if appErr == nil || appErr.Code != http.StatusConflict {
		t.Fatalf("duplicate = %+v, want 409", appErr)
	}
	if appErr.Message != "Duplicate payload" {
		t.Fatalf("duplicate message = %q", appErr.Message)
	}
}

func TestHandleStaleSignatureTimestamp(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	profile := "profile-a"
	seedDevice(t, repo, "hp-103", &profile)

	body := telemetryBody("hp-103", time.Now().UnixMilli())
	ts := strconv.FormatInt(time.Now().Add(-10*time.Minute).UnixMilli(), 10)
	req := Request{
		Route:     RouteIngest,
		Profile:   profile,
		Body:      body,
		DeviceKey: testDeviceKey,
		Signature: auth.Sign(body, ts, []byte(testDeviceKey)),
		Timestamp: ts,
	}
	_, appErr := svc.Handle(ctx, req)
	if appErr == nil || appErr.Code != http.StatusUnauthorized {
		t.Fatalf("stale timestamp = %+v, want 401", appErr)
	}
	if appErr.Message != "timestamp outside tolerance" {
		t.Fatalf("stale message = %q", appErr.Message)
	}
}

func TestHandleRejectsBadCredentials(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	profile := "profile-a"
	seedDevice(t, repo, "hp-104", &profile)

	// Unknown device and wrong key answer identically.
	req := signedRequest(RouteIngest, profile, telemetryBody("hp-missing", time.Now().UnixMilli()))
	if _, appErr := svc.Handle(ctx, req); appErr == nil || appErr.Code != http.StatusUnauthorized || appErr.Message != "invalid device key" {
		t.Fatalf("unknown device = %+v, want 401 invalid device key", appErr)
	}

	body := telemetryBody("hp-104", time.Now().UnixMilli())
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req = Request{
		Route:     RouteIngest,
		Profile:   profile,
		Body:      body,
		DeviceKey: "dk_wrong_key_entirely",
		Signature: auth.Sign(body, ts, []byte("dk_wrong_key_entirely")),
		Timestamp: ts,
	}
	if _, appErr := svc.Handle(ctx, req); appErr == nil || appErr.Code != http.StatusUnauthorized || appErr.Message != "invalid device key" {
		t.Fatalf("wrong key = %+v, want 401 invalid device key", appErr)
	}

	// Right key, tampered signature.
	req = signedRequest(RouteIngest, profile, body)
	req.Signature = auth.Sign([]byte("tampered"), req.Timestamp, []byte(testDeviceKey))
	if _, appErr := svc.Handle(ctx, req); appErr == nil || appErr.Message != "invalid signature" {
		t.Fatalf("tampered signature = %+v, want invalid signature", appErr)
	}
}

func TestHandleOwnership(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	// First ingest from an unclaimed device claims the profile.
	seedDevice(t, repo, "hp-105", nil)
	if _, appErr := svc.Handle(ctx, signedRequest(RouteIngest, "profile-a", telemetryBody("hp-105", time.Now().UnixMilli()))); appErr != nil {
		t.Fatalf("claiming ingest rejected: %+v", appErr)
	}
	d, err := repo.GetDevice(ctx, "hp-105")
	if err != nil || d == nil || d.ProfileID == nil || *d.ProfileID != "profile-a" {
		t.Fatalf("claim did not stick: %+v err=%v", d, err)
	}

	// A later ingest via a different profile is a hard conflict.
	_, appErr := svc.Handle(ctx, signedRequest(RouteIngest, "profile-b", telemetryBody("hp-105", time.Now().Add(time.Second).UnixMilli())))
	if appErr == nil || appErr.Code != http.StatusConflict {
		t.Fatalf("mismatched profile = %+v, want 409", appErr)
	}
}

func TestHandleHeartbeatWithoutMetrics(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	profile := "profile-a"
	seedDevice(t, repo, "hp-106", &profile)

	body := []byte(fmt.Sprintf(`{"device_id":"hp-106","ts":%d}`, time.Now().UnixMilli()))
	if _, appErr := svc.Handle(ctx, signedRequest(RouteHeartbeat, profile, body)); appErr != nil {
		t.Fatalf("heartbeat rejected: %+v", appErr)
	}

	d, err := repo.GetDevice(ctx, "hp-106")
	if err != nil || d == nil || !d.Online {
		t.Fatalf("heartbeat did not touch device: %+v err=%v", d, err)
	}
	latest, err := repo.GetLatest(ctx, "hp-106")
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if latest != nil {
		t.Fatalf("heartbeat must not write latest state: %+v", latest)
	}

	// The same body on the ingest route needs metrics.
	if _, appErr := svc.Handle(ctx, signedRequest(RouteIngest, profile, body)); appErr == nil || appErr.Code != http.StatusBadRequest {
		t.Fatalf("metricless ingest = %+v, want 400", appErr)
	}
}

func TestHandleValidation(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	profile := "profile-a"
	seedDevice(t, repo, "hp-107", &profile)

	cases := []struct {
		name string
		body string
	}{
		{"bad json", `{"device_id":`},
		{"missing device id", fmt.Sprintf(`{"ts":%d,"metrics":{"supplyC":1}}`, time.Now().UnixMilli())},
		{"zero ts", `{"device_id":"hp-107","ts":0,"metrics":{"supplyC":1}}`},
		{"ancient ts", `{"device_id":"hp-107","ts":946684800000,"metrics":{"supplyC":1}}`},
	}
	for _, tc := range cases {
		_, appErr := svc.Handle(ctx, signedRequest(RouteIngest, profile, []byte(tc.body)))
		if appErr == nil || appErr.Code != http.StatusBadRequest {
			t.Fatalf("%s: got %+v, want 400", tc.name, appErr)
		}
	}
}

func TestHandleFailureWindowThrottles(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	profile := "profile-a"
	seedDevice(t, repo, "hp-108", &profile)

	// Fill the failure budget for the window; the next request is throttled
	// before any credential work.
	for i := 0; i < 20; i++ {
		if err := repo.LogRequest(ctx, &store.RequestLogEntry{Route: RouteIngest, DeviceID: "hp-108", Status: 401}); err != nil {
			t.Fatalf("log request: %v", err)
		}
	}
	_, appErr := svc.Handle(ctx, signedRequest(RouteIngest, profile, telemetryBody("hp-108", time.Now().UnixMilli())))
	if appErr == nil || appErr.Code != http.StatusTooManyRequests {
		t.Fatalf("throttled request = %+v, want 429", appErr)
	}
}
