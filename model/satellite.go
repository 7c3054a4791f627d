package model

import "time"

// SatelliteNode is a read-only snapshot of one satellite as seen by the
// topology manager. Neighbors and RoutingTable are rebuilt from scratch on
// every position change.
type SatelliteNode struct {
	ID           int                 `json:"id"`
	Position     GeoPosition         `json:"position"`
	Neighbors    map[int]GeoPosition `json:"neighbors"`
	RoutingTable map[int]int         `json:"routing_table"`
	LastUpdate   time.Time           `json:"last_update"`
}

// Route describes the shortest path from one satellite to another.
type Route struct {
	Source      int     `json:"source"`
	Destination int     `json:"destination"`
	NextHop     int     `json:"next_hop"`
	Hops        int     `json:"hops"`
	DistanceKm  float64 `json:"distance_km"`
	Path        []int   `json:"path"`
}

// Endpoint binds a satellite id to the datagram address its relay listens on.
type Endpoint struct {
	SatelliteID int       `json:"satellite_id"`
	Address     string    `json:"address"`
	Registered  time.Time `json:"registered"`
}
