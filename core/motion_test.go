package core

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/signalsfoundry/leo-relay-simulator/model"
)

const (
	issLine1 = "1 25544U 98067A   21275.59097222  .00000204  00000-0  10270-4 0  9990"
	issLine2 = "2 25544  51.6459 115.9059 0001817  61.3028  35.9198 15.49370953257760"
)

func TestCircularOrbitStartsOnCircle(t *testing.T) {
	o := CircularOrbit{Center: model.GeoPosition{Latitude: 10, Longitude: 20}, RadiusDeg: 45}
	got := o.PositionAt(0)
	if math.Abs(got.Latitude-55) > 1e-9 || math.Abs(got.Longitude-20) > 1e-9 {
		t.Fatalf("PositionAt(0) = %+v, want (55, 20)", got)
	}
}

func TestCircularOrbitIsDeterministic(t *testing.T) {
	o := CircularOrbit{RadiusDeg: 45, VelocityDegPerSec: DefaultVelocityDegPerSec, InitialAngleRad: 1.2}
	a := o.PositionAt(90 * time.Second)
	b := o.PositionAt(90 * time.Second)
	if a != b {
		t.Fatalf("PositionAt not reproducible: %+v vs %+v", a, b)
	}
	if a == o.PositionAt(0) {
		t.Fatalf("expected position to change over time")
	}
}

func TestCircularOrbitQuarterTurn(t *testing.T) {
	// 90 degrees of angle at 1 degree/second.
	o := CircularOrbit{RadiusDeg: 10, VelocityDegPerSec: 1}
	got := o.PositionAt(90 * time.Second)
	if math.Abs(got.Latitude) > 1e-9 || math.Abs(got.Longitude-10) > 1e-9 {
		t.Fatalf("PositionAt(90s) = %+v, want (0, 10)", got)
	}
}

func TestRingOrbitsEvenlySpaced(t *testing.T) {
	orbits := RingOrbits(model.GeoPosition{}, 45, DefaultVelocityDegPerSec, 5)
	if len(orbits) != 5 {
		t.Fatalf("len(RingOrbits) = %d, want 5", len(orbits))
	}
	for i, o := range orbits {
		want := 2 * math.Pi * float64(i) / 5
		if math.Abs(o.InitialAngleRad-want) > 1e-12 {
			t.Fatalf("orbit %d angle = %v, want %v", i, o.InitialAngleRad, want)
		}
	}
	if RingOrbits(model.GeoPosition{}, 45, 1, 0) != nil {
		t.Fatalf("expected nil for zero satellites")
	}
}

func TestEpochOrbitUsesElapsedTime(t *testing.T) {
	epoch := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	o := CircularOrbit{RadiusDeg: 45, VelocityDegPerSec: 0.5}
	m := EpochOrbit{Orbit: o, Epoch: epoch}

	if got, want := m.PositionAt(epoch.Add(30*time.Second)), o.PositionAt(30*time.Second); got != want {
		t.Fatalf("EpochOrbit.PositionAt = %+v, want %+v", got, want)
	}
}

// Exact orbital values belong to go-satellite; only check that the
// sub-point is valid and moves.
func TestSGP4MotionModelChangesOverTime(t *testing.T) {
	m, err := NewSGP4MotionModel(issLine1, issLine2)
	if err != nil {
		t.Fatalf("NewSGP4MotionModel: %v", err)
	}

	t1 := time.Date(2021, 10, 2, 0, 0, 0, 0, time.UTC)
	first := m.PositionAt(t1)
	second := m.PositionAt(t1.Add(5 * time.Minute))

	if first == second {
		t.Fatalf("expected position to change over time, got %+v at both times", first)
	}
	for _, p := range []model.GeoPosition{first, second} {
		if math.Abs(p.Latitude) > 52 || math.Abs(p.Longitude) > 180 {
			t.Fatalf("sub-point out of range for a 51.6° inclination orbit: %+v", p)
		}
	}
}

func TestNewSGP4MotionModelRejectsGarbage(t *testing.T) {
	if _, err := NewSGP4MotionModel("1 short", issLine2); !errors.Is(err, ErrInvalidTLE) {
		t.Fatalf("err = %v, want ErrInvalidTLE", err)
	}
	if _, err := NewSGP4MotionModel(issLine2, issLine1); !errors.Is(err, ErrInvalidTLE) {
		t.Fatalf("swapped lines err = %v, want ErrInvalidTLE", err)
	}
}
