package model

// UnavailableDegrees is the latitude/longitude a satellite reports when it has
// no position to advertise yet.
const UnavailableDegrees = -800.0

// GeoPosition is a geographic coordinate in degrees.
type GeoPosition struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// UnavailablePosition returns the sentinel position.
func UnavailablePosition() GeoPosition {
	return GeoPosition{Latitude: UnavailableDegrees, Longitude: UnavailableDegrees}
}

// Available reports whether p is a real position rather than the sentinel.
func (p GeoPosition) Available() bool {
	return p.Latitude != UnavailableDegrees || p.Longitude != UnavailableDegrees
}
