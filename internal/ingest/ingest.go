// Package ingest runs the signed-telemetry accept path: payload validation,
// rate windows, device credentials, signature, tenant ownership, metric
// derivation and transactional persistence, in that order.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"telemetry-service/internal/auth"
	"telemetry-service/internal/metrics"
	"telemetry-service/internal/ratelimit"
	"telemetry-service/internal/store"
	"telemetry-service/pkg/apperrors"

	"gorm.io/datatypes"
)

const (
	RouteIngest    = "ingest"
	RouteHeartbeat = "heartbeat"
)

// Body timestamps further out than this are clock garbage, not telemetry.
const maxBodyClockSkew = 7 * 24 * time.Hour

const maxDeviceIDLen = 128

type Service struct {
	Repo        *store.Repo
	Verifier    *auth.SignatureVerifier
	Windows     *ratelimit.DeviceWindow
	DedupWindow time.Duration

	nowFn func() time.Time
}

func New(repo *store.Repo, verifier *auth.SignatureVerifier, windows *ratelimit.DeviceWindow, dedupWindow time.Duration) *Service {
	return &Service{
		Repo:        repo,
		Verifier:    verifier,
		Windows:     windows,
		DedupWindow: dedupWindow,
		nowFn:       time.Now,
	}
}

// Request carries everything the accept path needs from the transport.
type Request struct {
	Route     string // RouteIngest or RouteHeartbeat
	Profile   string
	Body      []byte
	DeviceKey string
	Signature string
	Timestamp string
}

type payload struct {
	DeviceID string          `json:"device_id"`
	Ts       int64           `json:"ts"`
	Metrics  json.RawMessage `json:"metrics"`
	Faults   []string        `json:"faults"`
	RSSI     *int            `json:"rssi"`
}

// Typed view of the metric fields the deriver needs; unknown keys stay in
// the raw JSON untouched.
type metricFields struct {
	SupplyC *float64 `json:"supplyC"`
	ReturnC *float64 `json:"returnC"`
	FlowLps *float64 `json:"flowLps"`
	PowerKW *float64 `json:"powerKW"`
	Mode    *string  `json:"mode"`
	Defrost *bool    `json:"defrost"`
}

// Handle runs the accept path. The returned device id is best-effort (empty
// until the payload parses) so the transport can attribute the outcome in
// the request log.
func (s *Service) Handle(ctx context.Context, req Request) (deviceID string, appErr *apperrors.AppError) {
	var p payload
	if err := json.Unmarshal(req.Body, &p); err != nil {
		return "", apperrors.BadRequest("invalid JSON body")
	}
	p.DeviceID = strings.TrimSpace(p.DeviceID)
	if p.DeviceID == "" || len(p.DeviceID) > maxDeviceIDLen {
		return "", apperrors.BadRequest("invalid device_id")
	}
	deviceID = p.DeviceID
	if p.Ts <= 0 {
		return deviceID, apperrors.BadRequest("invalid ts")
	}
	tsMs := normalizeEpochMs(p.Ts)

	now := s.nowFn().UTC()
	if drift := now.Sub(time.UnixMilli(tsMs)); drift > maxBodyClockSkew || drift < -maxBodyClockSkew {
		return deviceID, apperrors.BadRequest("ts out of range")
	}

	// Failure window first: it is the stricter budget.
	if ok, err := s.Windows.AllowFailures(ctx, deviceID, req.Route); err != nil {
		slog.Error("failure window check failed", "device_id", deviceID, "error", err)
		return deviceID, apperrors.RateLimited("rate limit exceeded", 1)
	} else if !ok {
		return deviceID, apperrors.RateLimited("rate limit exceeded", 60)
	}
	if ok, err := s.Windows.AllowRequest(ctx, deviceID, req.Route); err != nil {
		slog.Error("device window check failed", "device_id", deviceID, "error", err)
		return deviceID, apperrors.RateLimited("rate limit exceeded", 1)
	} else if !ok {
		return deviceID, apperrors.RateLimited("rate limit exceeded", 60)
	}

	device, err := s.Repo.GetDevice(ctx, deviceID)
	if err != nil {
		return deviceID, apperrors.InternalServerError("storage failure", err)
	}
	if device == nil {
		slog.Warn("ingest rejected", "device_id", deviceID, "reason", "unknown device")
		return deviceID, apperrors.Unauthorized("invalid device key")
	}
	if req.DeviceKey == "" || !auth.VerifyDeviceKey(device.DeviceKeyHash, req.DeviceKey) {
		slog.Warn("ingest rejected", "device_id", deviceID, "reason", "device key mismatch")
		return deviceID, apperrors.Unauthorized("invalid device key")
	}

	if err := s.Verifier.Verify(req.Body, req.Timestamp, req.Signature, []byte(req.DeviceKey)); err != nil {
		slog.Warn("ingest rejected", "device_id", deviceID, "reason", err.Error())
		if err == auth.ErrStaleTimestamp {
			return deviceID, apperrors.Unauthorized("timestamp outside tolerance")
		}
		return deviceID, apperrors.Unauthorized("invalid signature")
	}

	if appErr := s.checkOwnership(ctx, device, req.Profile); appErr != nil {
		return deviceID, appErr
	}

	// A heartbeat without metrics only refreshes liveness.
	if len(p.Metrics) == 0 || string(p.Metrics) == "null" {
		if req.Route != RouteHeartbeat {
			return deviceID, apperrors.BadRequest("metrics required")
		}
		if err := s.Repo.TouchDevice(ctx, deviceID, now); err != nil {
			return deviceID, apperrors.InternalServerError("storage failure", err)
		}
		return deviceID, nil
	}

	var mf metricFields
	if err := json.Unmarshal(p.Metrics, &mf); err != nil {
		return deviceID, apperrors.BadRequest("invalid metrics")
	}
	derived := metrics.Derive(metrics.Reading{
		SupplyC: mf.SupplyC,
		ReturnC: mf.ReturnC,
		FlowLps: mf.FlowLps,
		PowerKW: mf.PowerKW,
	})

	sample, latest := buildRows(&p, &mf, derived, tsMs)
	outcome, err := s.Repo.PersistSample(ctx, sample, latest, s.DedupWindow)
	if err != nil {
		slog.Error("persist failed", "device_id", deviceID, "ts_ms", tsMs, "error", err)
		return deviceID, apperrors.InternalServerError("storage failure", err)
	}
	if outcome == store.PersistDuplicate {
		return deviceID, apperrors.Conflict("Duplicate payload")
	}
	return deviceID, nil
}

// checkOwnership enforces tenant consistency: first-claim-wins for unclaimed
// devices, hard 409 on any profile disagreement.
func (s *Service) checkOwnership(ctx context.Context, device *store.Device, profile string) *apperrors.AppError {
	if profile == "" {
		return apperrors.BadRequest("missing profile")
	}
	if device.ProfileID == nil {
		owner, err := s.Repo.ClaimProfile(ctx, device.DeviceID, profile)
		if err != nil {
			return apperrors.InternalServerError("storage failure", err)
		}
		if owner != profile {
			slog.Warn("ingest rejected", "device_id", device.DeviceID, "reason", "claimed_by_other")
			return apperrors.Conflict("device claimed by another profile")
		}
		return nil
	}
	if *device.ProfileID != profile {
		slog.Warn("ingest rejected", "device_id", device.DeviceID, "reason", "profile mismatch")
		return apperrors.Conflict("device profile mismatch")
	}
	return nil
}

func buildRows(p *payload, mf *metricFields, derived metrics.Derived, tsMs int64) (*store.TelemetrySample, *store.DeviceLatest) {
	raw := datatypes.JSON(append([]byte(nil), p.Metrics...))

	faultsJSON, _ := json.Marshal(p.Faults)
	if p.Faults == nil {
		faultsJSON = []byte("[]")
	}

	status := map[string]any{}
	if mf.Mode != nil {
		status["mode"] = *mf.Mode
	}
	if mf.Defrost != nil {
		status["defrost"] = *mf.Defrost
	}
	if p.RSSI != nil {
		status["rssi"] = *p.RSSI
	}
	statusJSON, _ := json.Marshal(status)

	sample := &store.TelemetrySample{
		DeviceID:   p.DeviceID,
		TsMs:       tsMs,
		Raw:        raw,
		DeltaT:     derived.DeltaT,
		ThermalKW:  derived.ThermalKW,
		COP:        derived.COP,
		COPQuality: derived.COPQuality,
		Faults:     datatypes.JSON(faultsJSON),
		Status:     datatypes.JSON(statusJSON),
	}
	latest := &store.DeviceLatest{
		DeviceID:   p.DeviceID,
		TsMs:       tsMs,
		Raw:        raw,
		DeltaT:     derived.DeltaT,
		ThermalKW:  derived.ThermalKW,
		COP:        derived.COP,
		COPQuality: derived.COPQuality,
		Faults:     datatypes.JSON(faultsJSON),
		RSSI:       p.RSSI,
	}
	return sample, latest
}

// normalizeEpochMs scales 10-digit epoch seconds up to milliseconds.
func normalizeEpochMs(ts int64) int64 {
	if ts < 10_000_000_000 {
		return ts * 1000
	}
	return ts
}
