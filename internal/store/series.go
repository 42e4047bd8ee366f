package store

import (
	"context"
	"encoding/json"
	"sort"
)

// Bucket sizes exposed on the series endpoint.
var IntervalMs = map[string]int64{
	"1m":  60_000,
	"5m":  300_000,
	"15m": 900_000,
	"1h":  3_600_000,
	"1d":  86_400_000,
}

// MetricWhitelist is the queryable metric set. deltaT/thermalKW/cop come
// from derived columns, the rest from the raw metrics JSON (rssi from the
// status JSON).
var MetricWhitelist = map[string]bool{
	"supplyC":      true,
	"returnC":      true,
	"tankC":        true,
	"ambientC":     true,
	"flowLps":      true,
	"powerKW":      true,
	"compCurrentA": true,
	"deltaT":       true,
	"thermalKW":    true,
	"cop":          true,
	"rssi":         true,
}

const DefaultBucketLimit = 288

type SeriesParams struct {
	DeviceIDs      []string
	Metrics        []string
	StartMs        int64
	EndMs          int64
	BucketMs       int64
	Fill           string // "carry" or "none"
	CarryCeilingMs int64
	MaxBuckets     int
}

type MetricAgg struct {
	Avg float64 `json:"avg"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type SeriesBucket struct {
	BucketStart int64                `json:"bucket_start"`
	SampleCount int64                `json:"sample_count"`
	Stale       bool                 `json:"stale"`
	Values      map[string]MetricAgg `json:"values"`
}

type SeriesResult struct {
	StartMs int64
	EndMs   int64
	Buckets []SeriesBucket
}

// ClampWindow pulls the start forward so the window holds at most
// maxBuckets buckets, preserving the end.
func ClampWindow(startMs, endMs, bucketMs int64, maxBuckets int) (int64, int64) {
	if maxBuckets <= 0 {
		maxBuckets = DefaultBucketLimit
	}
	span := int64(maxBuckets) * bucketMs
	if endMs-startMs > span {
		startMs = endMs - span
	}
	return startMs, endMs
}

// SamplesInRange fetches samples for the given devices with ts_ms in
// [startMs, endMs], ordered by timestamp.
func (r *Repo) SamplesInRange(ctx context.Context, deviceIDs []string, startMs, endMs int64) ([]TelemetrySample, error) {
	if len(deviceIDs) == 0 {
		return nil, nil
	}
	var rows []TelemetrySample
	err := r.db.WithContext(ctx).
		Where("device_id IN ? AND ts_ms >= ? AND ts_ms <= ?", deviceIDs, startMs, endMs).
		Order("ts_ms").
		Find(&rows).Error
	return rows, err
}

// QuerySeries clamps the window, fetches the samples and aggregates them.
func (r *Repo) QuerySeries(ctx context.Context, p SeriesParams) (SeriesResult, error) {
	p.StartMs, p.EndMs = ClampWindow(p.StartMs, p.EndMs, p.BucketMs, p.MaxBuckets)
	rows, err := r.SamplesInRange(ctx, p.DeviceIDs, p.StartMs, p.EndMs)
	if err != nil {
		return SeriesResult{}, err
	}
	return Aggregate(rows, p), nil
}

type devStats struct {
	sum   float64
	count int64
	min   float64
	max   float64
}

func (s *devStats) add(v float64) {
	if s.count == 0 || v < s.min {
		s.min = v
	}
	if s.count == 0 || v > s.max {
		s.max = v
	}
	s.sum += v
	s.count++
}

// Aggregate folds samples into buckets in two levels: stats per device per
// bucket first, then a count-weighted combine across devices so a chatty
// device contributes proportionally, not equally. Carry-forward fill
// synthesizes buckets from the last real one until the staleness ceiling.
func Aggregate(rows []TelemetrySample, p SeriesParams) SeriesResult {
	startMs, endMs := ClampWindow(p.StartMs, p.EndMs, p.BucketMs, p.MaxBuckets)
	out := SeriesResult{StartMs: startMs, EndMs: endMs}
	if p.BucketMs <= 0 || endMs < startMs {
		return out
	}

	// bucket -> metric -> device -> stats
	perDevice := make(map[int64]map[string]map[string]*devStats)
	// bucket -> sample rows landing in it
	rowCounts := make(map[int64]int64)

	for i := range rows {
		row := &rows[i]
		if row.TsMs < startMs || row.TsMs > endMs {
			continue
		}
		bucket := (row.TsMs / p.BucketMs) * p.BucketMs
		rowCounts[bucket]++
		values := extractMetrics(row, p.Metrics)
		for metric, v := range values {
			byMetric, ok := perDevice[bucket]
			if !ok {
				byMetric = make(map[string]map[string]*devStats)
				perDevice[bucket] = byMetric
			}
			byDev, ok := byMetric[metric]
			if !ok {
				byDev = make(map[string]*devStats)
				byMetric[metric] = byDev
			}
			st, ok := byDev[row.DeviceID]
			if !ok {
				st = &devStats{}
				byDev[row.DeviceID] = st
			}
			st.add(v)
		}
	}

	// Count-weighted combine across devices.
	combined := make(map[int64]map[string]MetricAgg, len(perDevice))
	for bucket, byMetric := range perDevice {
		vals := make(map[string]MetricAgg, len(byMetric))
		for metric, byDev := range byMetric {
			var weighted float64
			var total int64
			first := true
			var mn, mx float64
			for _, st := range byDev {
				avg := st.sum / float64(st.count)
				weighted += avg * float64(st.count)
				total += st.count
				if first || st.min < mn {
					mn = st.min
				}
				if first || st.max > mx {
					mx = st.max
				}
				first = false
			}
			if total == 0 {
				continue
			}
			vals[metric] = MetricAgg{Avg: weighted / float64(total), Min: mn, Max: mx}
		}
		combined[bucket] = vals
	}

	// Floor to the bucket grid: an unaligned start still owns the samples
	// landing in its partial first bucket.
	firstBucket := (startMs / p.BucketMs) * p.BucketMs
	lastBucket := (endMs / p.BucketMs) * p.BucketMs

	carry := p.Fill == "carry"
	var lastRealBucket int64 = -1
	var lastRealValues map[string]MetricAgg

	for b := firstBucket; b <= lastBucket; b += p.BucketMs {
		if vals, ok := combined[b]; ok {
			out.Buckets = append(out.Buckets, SeriesBucket{
				BucketStart: b,
				SampleCount: rowCounts[b],
				Values:      vals,
			})
			lastRealBucket = b
			lastRealValues = vals
			continue
		}
		if !carry || lastRealBucket < 0 {
			continue
		}
		if p.CarryCeilingMs > 0 && b-lastRealBucket > p.CarryCeilingMs {
			// Past the ceiling: stop carrying, no synthetic bucket.
			continue
		}
		synth := make(map[string]MetricAgg, len(lastRealValues))
		for k, v := range lastRealValues {
			synth[k] = v
		}
		out.Buckets = append(out.Buckets, SeriesBucket{
			BucketStart: b,
			SampleCount: 0,
			Stale:       true,
			Values:      synth,
		})
	}

	sort.Slice(out.Buckets, func(i, j int) bool {
		return out.Buckets[i].BucketStart < out.Buckets[j].BucketStart
	})
	return out
}

// extractMetrics pulls requested metric values from a sample row: derived
// columns first, then the raw metrics JSON, then the status JSON (rssi).
func extractMetrics(row *TelemetrySample, metrics []string) map[string]float64 {
	out := make(map[string]float64, len(metrics))
	var raw map[string]any
	var status map[string]any
	for _, m := range metrics {
		switch m {
		case "deltaT":
			if row.DeltaT != nil {
				out[m] = *row.DeltaT
			}
		case "thermalKW":
			if row.ThermalKW != nil {
				out[m] = *row.ThermalKW
			}
		case "cop":
			if row.COP != nil {
				out[m] = *row.COP
			}
		case "rssi":
			if status == nil && len(row.Status) > 0 {
				_ = json.Unmarshal(row.Status, &status)
			}
			if v, ok := numField(status, m); ok {
				out[m] = v
			}
		default:
			if raw == nil && len(row.Raw) > 0 {
				_ = json.Unmarshal(row.Raw, &raw)
			}
			if v, ok := numField(raw, m); ok {
				out[m] = v
			}
		}
	}
	return out
}

func numField(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	v, ok := m[key].(float64)
	return v, ok
}
