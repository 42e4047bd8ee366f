package httpapi

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"telemetry-service/internal/auth"
	"telemetry-service/internal/cursor"
	"telemetry-service/internal/store"
	"telemetry-service/pkg/apperrors"
	"telemetry-service/pkg/roles"
)

const maxSeriesLimit = 2000

type deviceRef struct {
	DeviceID string `json:"device_id,omitempty"`
	Cursor   string `json:"cursor,omitempty"`
	Display  string `json:"display"`
}

type valueAgg struct {
	Avg float64 `json:"avg"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type seriesBucketDTO struct {
	BucketStart int64               `json:"bucket_start"`
	SampleCount int64               `json:"sample_count"`
	Stale       bool                `json:"stale"`
	Values      map[string]valueAgg `json:"values"`
}

type seriesResponse struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Scope       string            `json:"scope"`
	IntervalMs  int64             `json:"interval_ms"`
	Window      map[string]int64  `json:"window"`
	Metrics     []string          `json:"metrics"`
	Devices     []deviceRef       `json:"devices"`
	Series      []seriesBucketDTO `json:"series"`
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r)
	if claims == nil {
		apperrors.WriteError(w, apperrors.Unauthorized("missing identity"))
		return
	}
	privileged := roles.IsPrivileged(claims.Roles)
	q := r.URL.Query()

	scope := strings.TrimSpace(q.Get("scope"))
	if scope == "" {
		scope = "device"
	}
	if scope != "device" && scope != "profile" && scope != "fleet" {
		apperrors.WriteError(w, apperrors.BadRequest("invalid scope"))
		return
	}

	metricsList, appErr := parseMetrics(q.Get("metric"))
	if appErr != nil {
		apperrors.WriteError(w, appErr)
		return
	}

	intervalMs, ok := store.IntervalMs[strings.TrimSpace(q.Get("interval"))]
	if !ok {
		apperrors.WriteError(w, apperrors.BadRequest("invalid interval"))
		return
	}

	startMs, appErr := parseEpochParam(q.Get("start"), 0)
	if appErr != nil {
		apperrors.WriteError(w, appErr)
		return
	}
	if startMs == 0 {
		apperrors.WriteError(w, apperrors.BadRequest("start is required"))
		return
	}
	endMs, appErr := parseEpochParam(q.Get("end"), time.Now().UnixMilli())
	if appErr != nil {
		apperrors.WriteError(w, appErr)
		return
	}
	if endMs < startMs {
		apperrors.WriteError(w, apperrors.BadRequest("end before start"))
		return
	}

	fill := strings.TrimSpace(q.Get("fill"))
	if fill == "" {
		fill = "none"
	}
	if fill != "none" && fill != "carry" {
		apperrors.WriteError(w, apperrors.BadRequest("invalid fill"))
		return
	}

	limit := store.DefaultBucketLimit
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxSeriesLimit {
			apperrors.WriteError(w, apperrors.BadRequest("invalid limit"))
			return
		}
		limit = n
	}

	devices, appErr := s.resolveScope(r, scope, claims, privileged)
	if appErr != nil {
		apperrors.WriteError(w, appErr)
		return
	}
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.DeviceID)
	}

	result, err := s.repo.QuerySeries(r.Context(), store.SeriesParams{
		DeviceIDs:      ids,
		Metrics:        metricsList,
		StartMs:        startMs,
		EndMs:          endMs,
		BucketMs:       intervalMs,
		Fill:           fill,
		CarryCeilingMs: s.carryCeilingMs,
		MaxBuckets:     limit,
	})
	if err != nil {
		apperrors.WriteError(w, apperrors.InternalServerError("could not query series", err))
		return
	}

	resp := seriesResponse{
		GeneratedAt: time.Now().UTC(),
		Scope:       scope,
		IntervalMs:  intervalMs,
		Window:      map[string]int64{"start_ms": result.StartMs, "end_ms": result.EndMs},
		Metrics:     metricsList,
		Devices:     s.deviceRefs(devices, privileged),
		Series:      make([]seriesBucketDTO, 0, len(result.Buckets)),
	}
	for _, b := range result.Buckets {
		dto := seriesBucketDTO{
			BucketStart: b.BucketStart,
			SampleCount: b.SampleCount,
			Stale:       b.Stale,
			Values:      make(map[string]valueAgg, len(b.Values)),
		}
		for metric, v := range b.Values {
			agg := valueAgg{Avg: v.Avg, Min: v.Min, Max: v.Max}
			if !privileged {
				agg = valueAgg{Avg: maskRound(v.Avg), Min: maskRound(v.Min), Max: maskRound(v.Max)}
			}
			dto.Values[metric] = agg
		}
		resp.Series = append(resp.Series, dto)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r)
	if claims == nil {
		apperrors.WriteError(w, apperrors.Unauthorized("missing identity"))
		return
	}
	privileged := roles.IsPrivileged(claims.Roles)

	device, appErr := s.resolveDevice(r.Context(), strings.TrimSpace(r.URL.Query().Get("device")), claims, privileged)
	if appErr != nil {
		apperrors.WriteError(w, appErr)
		return
	}
	latest, err := s.repo.GetLatest(r.Context(), device.DeviceID)
	if err != nil {
		apperrors.WriteError(w, apperrors.InternalServerError("could not query latest state", err))
		return
	}
	if latest == nil {
		apperrors.WriteError(w, apperrors.NotFound("no telemetry for device"))
		return
	}

	refs := s.deviceRefs([]store.Device{*device}, privileged)
	resp := map[string]any{
		"device":      refs[0],
		"ts_ms":       latest.TsMs,
		"metrics":     latest.Raw,
		"delta_t":     maskFloatPtr(latest.DeltaT, privileged),
		"thermal_kw":  maskFloatPtr(latest.ThermalKW, privileged),
		"cop":         maskFloatPtr(latest.COP, privileged),
		"cop_quality": latest.COPQuality,
		"faults":      latest.Faults,
		"rssi":        latest.RSSI,
		"updated_at":  latest.UpdatedAt,
	}
	writeJSON(w, http.StatusOK, resp)
}

// resolveScope maps the query scope onto a concrete device list, enforcing
// tenant visibility for unprivileged callers.
func (s *Server) resolveScope(r *http.Request, scope string, claims *Claims, privileged bool) ([]store.Device, *apperrors.AppError) {
	ctx := r.Context()
	q := r.URL.Query()

	switch scope {
	case "device":
		d, appErr := s.resolveDevice(ctx, strings.TrimSpace(q.Get("device")), claims, privileged)
		if appErr != nil {
			return nil, appErr
		}
		return []store.Device{*d}, nil

	case "profile":
		var profiles []string
		for _, p := range strings.Split(q.Get("profile"), ",") {
			if p = strings.TrimSpace(p); p != "" {
				profiles = append(profiles, p)
			}
		}
		if privileged {
			if len(profiles) == 0 {
				return nil, apperrors.BadRequest("profile is required")
			}
			return s.listDevices(ctx, profiles)
		}
		if len(profiles) == 0 {
			if len(claims.TenantIDs) == 1 {
				return s.listDevices(ctx, claims.TenantIDs)
			}
			return nil, apperrors.BadRequest("ambiguous profile: specify one")
		}
		for _, p := range profiles {
			if !containsString(claims.TenantIDs, p) {
				return nil, apperrors.Forbidden("profile not assigned to caller")
			}
		}
		return s.listDevices(ctx, profiles)

	default: // fleet
		if privileged {
			return s.listDevices(ctx, nil)
		}
		if len(claims.TenantIDs) == 0 {
			return nil, apperrors.Forbidden("no assigned profiles")
		}
		return s.listDevices(ctx, claims.TenantIDs)
	}
}

// resolveDevice accepts a raw id from privileged callers or a sealed cursor
// token from anyone. Decode failures and tenant mismatches both answer
// "not found" so tokens are indistinguishable from unknown devices.
func (s *Server) resolveDevice(ctx context.Context, ref string, claims *Claims, privileged bool) (*store.Device, *apperrors.AppError) {
	if ref == "" {
		return nil, apperrors.BadRequest("device is required")
	}
	id := ref
	if cursor.IsSealed(ref) {
		var ok bool
		id, ok = s.codec.Unseal(ref)
		if !ok {
			return nil, apperrors.NotFound("device not found")
		}
	} else if !privileged {
		return nil, apperrors.Forbidden("raw device ids require privileged access")
	}

	d, err := s.repo.GetDevice(ctx, id)
	if err != nil {
		return nil, apperrors.InternalServerError("could not load device", err)
	}
	if d == nil {
		return nil, apperrors.NotFound("device not found")
	}
	if !privileged {
		if d.ProfileID == nil || !containsString(claims.TenantIDs, *d.ProfileID) {
			return nil, apperrors.NotFound("device not found")
		}
	}
	return d, nil
}

func (s *Server) listDevices(ctx context.Context, profiles []string) ([]store.Device, *apperrors.AppError) {
	devices, err := s.repo.ListDevicesByProfiles(ctx, profiles)
	if err != nil {
		return nil, apperrors.InternalServerError("could not list devices", err)
	}
	return devices, nil
}

// deviceRefs renders scope membership: privileged callers see raw ids,
// tenants see only a sealed cursor and a masked display id.
func (s *Server) deviceRefs(devices []store.Device, privileged bool) []deviceRef {
	refs := make([]deviceRef, 0, len(devices))
	for _, d := range devices {
		if privileged {
			refs = append(refs, deviceRef{DeviceID: d.DeviceID, Display: d.DeviceID})
			continue
		}
		token, err := s.codec.Seal(d.DeviceID)
		if err != nil {
			token = ""
		}
		refs = append(refs, deviceRef{Cursor: token, Display: maskDisplay(d.DeviceID)})
	}
	return refs
}

func parseMetrics(raw string) ([]string, *apperrors.AppError) {
	var out []string
	for _, m := range strings.Split(raw, ",") {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if !store.MetricWhitelist[m] {
			return nil, apperrors.BadRequest("unknown metric: " + m)
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, apperrors.BadRequest("metric is required")
	}
	return out, nil
}

// parseEpochParam accepts epoch ms (or seconds) and ISO-8601.
func parseEpochParam(v string, def int64) (int64, *apperrors.AppError) {
	v = strings.TrimSpace(v)
	if v == "" {
		return def, nil
	}
	t, err := auth.ParseTimestamp(v)
	if err != nil {
		return 0, apperrors.BadRequest("invalid time parameter")
	}
	return t.UnixMilli(), nil
}

// maskDisplay keeps at most the first four characters. Ids short enough that
// a prefix would echo them entirely are masked outright.
func maskDisplay(id string) string {
	r := []rune(id)
	if len(r) <= 4 {
		return "…"
	}
	return string(r[:4]) + "…"
}

func maskRound(v float64) float64 {
	return math.Round(v*100) / 100
}

func maskFloatPtr(v *float64, privileged bool) *float64 {
	if v == nil || privileged {
		return v
	}
	m := maskRound(*v)
	return &m
}

func containsString(hay []string, needle string) bool {
	for _, h := range hay {
		if h == needle {
			return true
		}
	}
	return false
}
