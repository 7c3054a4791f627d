package core

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/signalsfoundry/leo-relay-simulator/model"
)

// DefaultVelocityDegPerSec is a ~27 000 km/h ground track expressed in
// degrees of arc per second (1° ≈ 111.3 km).
const DefaultVelocityDegPerSec = 27000.0 / 111.3 / 3600.0

// MotionModel returns a satellite's sub-point for a given simulation time.
type MotionModel interface {
	PositionAt(simTime time.Time) model.GeoPosition
}

// CircularOrbit moves a satellite on a circle of fixed angular radius around
// Center. It is a simplification of real orbital mechanics: the position
// depends only on the parameters and the elapsed time.
type CircularOrbit struct {
	Center            model.GeoPosition
	RadiusDeg         float64
	VelocityDegPerSec float64
	InitialAngleRad   float64
}

// PositionAt returns the position after elapsed time t.
func (o CircularOrbit) PositionAt(t time.Duration) model.GeoPosition {
	angle := o.InitialAngleRad + degToRad(o.VelocityDegPerSec)*t.Seconds()
	return model.GeoPosition{
		Latitude:  o.Center.Latitude + o.RadiusDeg*math.Cos(angle),
		Longitude: o.Center.Longitude + o.RadiusDeg*math.Sin(angle),
	}
}

// RingOrbits spaces n satellites evenly around the same circle.
func RingOrbits(center model.GeoPosition, radiusDeg, velocityDegPerSec float64, n int) []CircularOrbit {
	if n <= 0 {
		return nil
	}
	orbits := make([]CircularOrbit, n)
	for i := range n {
		orbits[i] = CircularOrbit{
			Center:            center,
			RadiusDeg:         radiusDeg,
			VelocityDegPerSec: velocityDegPerSec,
			InitialAngleRad:   2 * math.Pi * float64(i) / float64(n),
		}
	}
	return orbits
}

// EpochOrbit pins a CircularOrbit to a simulation epoch so it can serve as a
// MotionModel.
type EpochOrbit struct {
	Orbit CircularOrbit
	Epoch time.Time
}

// PositionAt implements MotionModel.
func (e EpochOrbit) PositionAt(simTime time.Time) model.GeoPosition {
	return e.Orbit.PositionAt(simTime.Sub(e.Epoch))
}

// ErrInvalidTLE is returned when TLE lines are rejected before propagation.
var ErrInvalidTLE = errors.New("invalid TLE")

// SGP4MotionModel propagates a real orbit from a TLE and reports the
// sub-satellite point.
type SGP4MotionModel struct {
	sat satellite.Satellite
}

// NewSGP4MotionModel constructs an SGP4 model from TLE lines. go-satellite
// aborts the process on malformed lines, so they are checked here first.
func NewSGP4MotionModel(line1, line2 string) (*SGP4MotionModel, error) {
	line1 = strings.TrimSpace(line1)
	line2 = strings.TrimSpace(line2)
	if len(line1) != 69 || len(line2) != 69 {
		return nil, fmt.Errorf("%w: lines must be 69 characters", ErrInvalidTLE)
	}
	if line1[0] != '1' || line2[0] != '2' {
		return nil, fmt.Errorf("%w: lines must start with 1 and 2", ErrInvalidTLE)
	}
	return &SGP4MotionModel{sat: satellite.TLEToSat(line1, line2, satellite.GravityWGS72)}, nil
}

// PositionAt implements MotionModel. A failed propagation yields the
// unavailable sentinel.
func (m *SGP4MotionModel) PositionAt(simTime time.Time) model.GeoPosition {
	simTime = simTime.UTC()
	year, month, day := simTime.Date()
	hour, min, sec := simTime.Clock()

	posECI, _ := satellite.Propagate(m.sat, year, int(month), day, hour, min, sec)
	if math.IsNaN(posECI.X) || math.IsNaN(posECI.Y) || math.IsNaN(posECI.Z) {
		return model.UnavailablePosition()
	}
	gmst := satellite.ThetaG_JD(satellite.JDay(year, int(month), day, hour, min, sec))
	_, _, ll := satellite.ECIToLLA(posECI, gmst)

	return model.GeoPosition{
		Latitude:  radToDeg(ll.Latitude),
		Longitude: normalizeLongitude(radToDeg(ll.Longitude)),
	}
}

func normalizeLongitude(lon float64) float64 {
	lon = math.Mod(lon+180, 360)
	if lon < 0 {
		lon += 360
	}
	return lon - 180
}
