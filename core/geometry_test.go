package core

import (
	"math"
	"testing"

	"github.com/signalsfoundry/leo-relay-simulator/model"
)

const distTolerance = 1e-6

func TestHasLineOfSight_NoObstruction(t *testing.T) {
	// The segment stays at x ≈ 8000 km, well outside Earth.
	posA := Vec3{X: 8000, Y: 0, Z: 0}
	posB := Vec3{X: 8000, Y: 1000, Z: 0}

	if !HasLineOfSight(posA, posB, DefaultEarthRadiusKm) {
		t.Errorf("expected LoS between two high satellites on same side of Earth")
	}
}

func TestHasLineOfSight_Obstructed(t *testing.T) {
	posA := Vec3{X: 7000, Y: 0, Z: 0}
	posB := Vec3{X: -7000, Y: 0, Z: 0}

	if HasLineOfSight(posA, posB, DefaultEarthRadiusKm) {
		t.Errorf("expected LoS to be blocked by Earth")
	}
}

func TestGroundToSatelliteDirectlyOverheadIsAltitude(t *testing.T) {
	g := DefaultGeometry()
	p := model.GeoPosition{Latitude: 12.5, Longitude: -40}
	if got := GroundToSatelliteKm(p, p, g); math.Abs(got-g.AltitudeKm) > distTolerance {
		t.Fatalf("GroundToSatelliteKm overhead = %v, want %v", got, g.AltitudeKm)
	}
}

func TestGroundDistanceQuarterCircumference(t *testing.T) {
	a := model.GeoPosition{Latitude: 0, Longitude: 0}
	b := model.GeoPosition{Latitude: 0, Longitude: 90}
	want := math.Pi / 2 * DefaultEarthRadiusKm
	if got := GroundDistanceKm(a, b, DefaultEarthRadiusKm); math.Abs(got-want) > 1e-3 {
		t.Fatalf("GroundDistanceKm = %v, want %v", got, want)
	}
}

func TestSatelliteToSatelliteChord(t *testing.T) {
	g := DefaultGeometry()
	a := model.GeoPosition{Latitude: 0, Longitude: 0}
	b := model.GeoPosition{Latitude: 0, Longitude: 90}
	want := math.Sqrt2 * g.OrbitalRadiusKm()
	if got := SatelliteToSatelliteKm(a, b, g); math.Abs(got-want) > 1e-3 {
		t.Fatalf("SatelliteToSatelliteKm = %v, want %v", got, want)
	}
}

func TestDistanceSymmetry(t *testing.T) {
	g := DefaultGeometry()
	points := []model.GeoPosition{
		{Latitude: 0, Longitude: 0},
		{Latitude: 45, Longitude: 10},
		{Latitude: -33.9, Longitude: 151.2},
		{Latitude: 89.9, Longitude: -179.9},
		{Latitude: -60, Longitude: 179.5},
	}
	for _, a := range points {
		for _, b := range points {
			if d1, d2 := GroundToSatelliteKm(a, b, g), GroundToSatelliteKm(b, a, g); math.Abs(d1-d2) > distTolerance {
				t.Fatalf("ground-satellite %v<->%v asymmetric: %v vs %v", a, b, d1, d2)
			}
			if d1, d2 := SatelliteToSatelliteKm(a, b, g), SatelliteToSatelliteKm(b, a, g); math.Abs(d1-d2) > distTolerance {
				t.Fatalf("satellite-satellite %v<->%v asymmetric: %v vs %v", a, b, d1, d2)
			}
		}
	}
}

func TestElevationDegreesOverhead(t *testing.T) {
	observer := Vec3{X: DefaultEarthRadiusKm}
	target := Vec3{X: DefaultEarthRadiusKm + DefaultAltitudeKm}
	if got := ElevationDegrees(observer, target); math.Abs(got-90) > 1e-9 {
		t.Fatalf("ElevationDegrees overhead = %v, want 90", got)
	}
}
