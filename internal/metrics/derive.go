// Package metrics contains pure derivation logic for heat pump telemetry.
// No I/O, no clock: callers pass readings, we return derived quantities.
package metrics

import "math"

const (
	// Water at typical hydronic loop temperatures.
	waterDensityKgPerL  = 0.997
	specificHeatKJPerKg = 4.1868

	// Below this electrical draw a COP reading is meaningless noise.
	minMeaningfulPowerKW = 0.05
)

// QualityMeasured marks a COP computed from live sensor readings.
const QualityMeasured = "measured"

// Reading holds the raw sensor values a derivation needs. Nil means the
// sensor did not report.
type Reading struct {
	SupplyC *float64
	ReturnC *float64
	FlowLps *float64
	PowerKW *float64
}

// Derived holds the computed quantities. Nil means not derivable from the
// given reading.
type Derived struct {
	DeltaT     *float64
	ThermalKW  *float64
	COP        *float64
	COPQuality *string
}

// Derive computes deltaT, thermal power and COP from a reading.
//
// deltaT = supply - return (0.1 precision); thermalKW = rho * cp * flow *
// deltaT (0.01 precision); COP = thermalKW / powerKW (0.01 precision), only
// when powerKW exceeds the meaningful-draw floor.
func Derive(r Reading) Derived {
	var out Derived

	if r.SupplyC == nil || r.ReturnC == nil {
		return out
	}
	deltaT := round1(*r.SupplyC - *r.ReturnC)
	out.DeltaT = &deltaT

	if r.FlowLps == nil {
		return out
	}
	thermalKW := round2(waterDensityKgPerL * specificHeatKJPerKg * *r.FlowLps * deltaT)
	out.ThermalKW = &thermalKW

	if r.PowerKW == nil || *r.PowerKW <= minMeaningfulPowerKW {
		return out
	}
	cop := round2(thermalKW / *r.PowerKW)
	quality := QualityMeasured
	out.COP = &cop
	out.COPQuality = &quality
	return out
}

// The 1e-9 nudge keeps values that are a hair under a .5 boundary from
// binary representation error (e.g. 4.385 stored as 4.38499…) rounding down.
func round1(v float64) float64 {
	return math.Round(v*10+1e-9) / 10
}

func round2(v float64) float64 {
	return math.Round(v*100+1e-9) / 100
}
