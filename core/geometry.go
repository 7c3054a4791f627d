package core

import (
	"math"

	"github.com/signalsfoundry/leo-relay-simulator/model"
)

// Default geometry constants (kilometres).
const (
	DefaultEarthRadiusKm = 6378.0
	DefaultAltitudeKm    = 550.0
)

// Geometry holds the constants every distance calculation depends on.
type Geometry struct {
	EarthRadiusKm float64
	AltitudeKm    float64
}

// DefaultGeometry returns a 550 km shell over a 6378 km Earth.
func DefaultGeometry() Geometry {
	return Geometry{EarthRadiusKm: DefaultEarthRadiusKm, AltitudeKm: DefaultAltitudeKm}
}

// OrbitalRadiusKm is the distance from the Earth's centre to the shell.
func (g Geometry) OrbitalRadiusKm() float64 {
	return g.EarthRadiusKm + g.AltitudeKm
}

// Vec3 is an Earth-centred Cartesian vector in kilometres.
type Vec3 struct {
	X, Y, Z float64
}

// DistanceTo returns the straight-line distance between two points.
func (v Vec3) DistanceTo(other Vec3) float64 {
	return v.Sub(other).Norm()
}

// Norm returns the Euclidean norm of the vector.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Sub returns v - other.
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// Dot returns the dot product of two vectors.
func (v Vec3) Dot(other Vec3) float64 {
	return v.X*other.X + v.Y*other.Y + v.Z*other.Z
}

// ToCartesian projects a geographic position onto a sphere of the given
// radius.
func ToCartesian(p model.GeoPosition, radiusKm float64) Vec3 {
	lat := degToRad(p.Latitude)
	lon := degToRad(p.Longitude)
	return Vec3{
		X: radiusKm * math.Cos(lat) * math.Cos(lon),
		Y: radiusKm * math.Cos(lat) * math.Sin(lon),
		Z: radiusKm * math.Sin(lat),
	}
}

// GroundDistanceKm returns the great-circle surface distance between two
// points using the haversine form.
func GroundDistanceKm(a, b model.GeoPosition, radiusKm float64) float64 {
	lat1 := degToRad(a.Latitude)
	lat2 := degToRad(b.Latitude)
	dLat := lat2 - lat1
	dLon := degToRad(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	if h > 1 {
		h = 1
	}
	return 2 * radiusKm * math.Asin(math.Sqrt(h))
}

// GroundToSatelliteKm returns the slant range from a ground point to a
// satellite whose sub-point is sat.
func GroundToSatelliteKm(ground, sat model.GeoPosition, g Geometry) float64 {
	d := GroundDistanceKm(ground, sat, g.EarthRadiusKm)
	return math.Sqrt(d*d + g.AltitudeKm*g.AltitudeKm)
}

// SatelliteToSatelliteKm returns the straight-line distance between two
// satellites on the same shell.
func SatelliteToSatelliteKm(a, b model.GeoPosition, g Geometry) float64 {
	r := g.OrbitalRadiusKm()
	return ToCartesian(a, r).DistanceTo(ToCartesian(b, r))
}

// HasLineOfSight reports whether the segment between p1 and p2 clears a
// sphere of radius earthRadiusKm.
func HasLineOfSight(p1, p2 Vec3, earthRadiusKm float64) bool {
	v := p2.Sub(p1)
	a := v.Dot(v)
	r2 := earthRadiusKm * earthRadiusKm
	if a == 0 {
		return p1.Dot(p1) > r2
	}

	// Closest point on the segment to the origin.
	t := -p1.Dot(v) / a
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	closest := Vec3{
		X: p1.X + v.X*t,
		Y: p1.Y + v.Y*t,
		Z: p1.Z + v.Z*t,
	}
	return closest.Dot(closest) > r2
}

// ElevationDegrees returns the elevation angle of the target as seen from
// the observer, in degrees. 0° = geometric horizon, 90° = overhead.
func ElevationDegrees(observer, target Vec3) float64 {
	v := target.Sub(observer)
	vNorm := v.Norm()
	r := observer.Norm()
	if vNorm == 0 || r == 0 {
		return 90
	}

	cosGamma := v.Dot(observer) / (vNorm * r)
	cosGamma = math.Max(-1, math.Min(1, cosGamma))
	return 90.0 - radToDeg(math.Acos(cosGamma))
}

func degToRad(d float64) float64 { return d * math.Pi / 180.0 }
func radToDeg(r float64) float64 { return r * 180.0 / math.Pi }
