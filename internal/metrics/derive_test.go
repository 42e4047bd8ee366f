package metrics

import "testing"

func f(v float64) *float64 { return &v }

func TestDeriveFullReading(t *testing.T) {
	d := Derive(Reading{SupplyC: f(45), ReturnC: f(38), FlowLps: f(0.3), PowerKW: f(2.0)})
	if d.DeltaT == nil || *d.DeltaT != 7.0 {
		t.Fatalf("deltaT = %v, want 7.0", d.DeltaT)
	}
	if d.ThermalKW == nil || *d.ThermalKW != 8.77 {
		t.Fatalf("thermalKW = %v, want 8.77", d.ThermalKW)
	}
	if d.COP == nil || *d.COP != 4.39 {
		t.Fatalf("cop = %v, want 4.39", d.COP)
	}
	if d.COPQuality == nil || *d.COPQuality != QualityMeasured {
		t.Fatalf("cop quality = %v, want measured", d.COPQuality)
	}
}

func TestDeriveBelowPowerFloor(t *testing.T) {
	d := Derive(Reading{SupplyC: f(45), ReturnC: f(38), FlowLps: f(0.3), PowerKW: f(0.02)})
	if d.ThermalKW == nil {
		t.Fatalf("thermalKW should still be computable")
	}
	if d.COP != nil || d.COPQuality != nil {
		t.Fatalf("cop must be nil below the 0.05 kW floor, got %v", d.COP)
	}
}

func TestDerivePowerExactlyAtFloor(t *testing.T) {
	d := Derive(Reading{SupplyC: f(45), ReturnC: f(38), FlowLps: f(0.3), PowerKW: f(0.05)})
	if d.COP != nil {
		t.Fatalf("cop requires powerKW strictly above the floor")
	}
}

func TestDeriveMissingInputs(t *testing.T) {
	if d := Derive(Reading{SupplyC: f(45)}); d.DeltaT != nil {
		t.Fatalf("deltaT requires both supply and return")
	}
	if d := Derive(Reading{SupplyC: f(45), ReturnC: f(38)}); d.ThermalKW != nil {
		t.Fatalf("thermalKW requires flow")
	}
	if d := Derive(Reading{SupplyC: f(45), ReturnC: f(38), FlowLps: f(0.3)}); d.COP != nil {
		t.Fatalf("cop requires power")
	}
}

func TestDeriveRounding(t *testing.T) {
	d := Derive(Reading{SupplyC: f(44.96), ReturnC: f(38.01)})
	if d.DeltaT == nil || *d.DeltaT != 7.0 {
		t.Fatalf("deltaT = %v, want 7.0 (rounded to one decimal)", d.DeltaT)
	}
}
