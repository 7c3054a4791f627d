package core

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/signalsfoundry/leo-relay-simulator/internal/logging"
	"github.com/signalsfoundry/leo-relay-simulator/model"
)

// DefaultMaxISLDistanceKm is the longest inter-satellite link considered usable.
const DefaultMaxISLDistanceKm = 1000.0

// distEpsilon absorbs float noise when comparing path lengths so that ties
// are resolved by id rather than by rounding.
const distEpsilon = 1e-9

// ErrUnknownSatellite is returned for operations on ids never reported.
var ErrUnknownSatellite = errors.New("unknown satellite")

// TopologyMetricsRecorder receives topology recompute measurements.
type TopologyMetricsRecorder interface {
	ObserveRecompute(d time.Duration)
	SetTopologyCounts(satellites, links int)
}

// TopologyOption configures a TopologyManager.
type TopologyOption func(*TopologyManager)

// WithMaxISLDistance overrides the neighbor distance threshold.
func WithMaxISLDistance(km float64) TopologyOption {
	return func(tm *TopologyManager) {
		if km > 0 {
			tm.maxISLKm = km
		}
	}
}

// WithLineOfSight additionally requires an ISL to clear the Earth's limb.
func WithLineOfSight(required bool) TopologyOption {
	return func(tm *TopologyManager) { tm.requireLoS = required }
}

// WithGeometry overrides the Earth radius and shell altitude.
func WithGeometry(g Geometry) TopologyOption {
	return func(tm *TopologyManager) { tm.geometry = g }
}

// WithTopologyLogger attaches a logger.
func WithTopologyLogger(l logging.Logger) TopologyOption {
	return func(tm *TopologyManager) {
		if l != nil {
			tm.log = l
		}
	}
}

// WithTopologyMetrics attaches a metrics recorder.
func WithTopologyMetrics(m TopologyMetricsRecorder) TopologyOption {
	return func(tm *TopologyManager) { tm.metrics = m }
}

// WithTopologyClock overrides the timestamp source used for LastUpdate.
func WithTopologyClock(now func() time.Time) TopologyOption {
	return func(tm *TopologyManager) {
		if now != nil {
			tm.now = now
		}
	}
}

type routeEntry struct {
	next     int
	hops     int
	distance float64
	path     []int
}

type satelliteState struct {
	id         int
	position   model.GeoPosition
	neighbors  map[int]float64 // neighbor id -> link length km
	routes     map[int]routeEntry
	lastUpdate time.Time
}

// TopologyManager owns the constellation: satellite positions, the ISL
// neighbor graph, and a shortest-path routing table per satellite. Every
// position change rebuilds the whole graph and every table under the write
// lock, so readers always see a complete table.
type TopologyManager struct {
	mu sync.RWMutex

	geometry   Geometry
	maxISLKm   float64
	requireLoS bool
	sats       map[int]*satelliteState
	links      int

	log     logging.Logger
	metrics TopologyMetricsRecorder
	now     func() time.Time

	subs   map[int]func([]int)
	nextID int
}

// NewTopologyManager constructs an empty constellation.
func NewTopologyManager(opts ...TopologyOption) *TopologyManager {
	tm := &TopologyManager{
		geometry: DefaultGeometry(),
		maxISLKm: DefaultMaxISLDistanceKm,
		sats:     make(map[int]*satelliteState),
		subs:     make(map[int]func([]int)),
		log:      logging.Noop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(tm)
	}
	return tm
}

// MaxISLDistanceKm returns the neighbor threshold in use.
func (tm *TopologyManager) MaxISLDistanceKm() float64 { return tm.maxISLKm }

// Geometry returns the distance constants in use.
func (tm *TopologyManager) Geometry() Geometry { return tm.geometry }

// UpdatePosition upserts a satellite's position, then rebuilds neighbor sets
// and routing tables for the whole constellation.
func (tm *TopologyManager) UpdatePosition(id int, pos model.GeoPosition) {
	start := time.Now()

	tm.mu.Lock()
	s, ok := tm.sats[id]
	if !ok {
		s = &satelliteState{id: id}
		tm.sats[id] = s
	}
	s.position = pos
	s.lastUpdate = tm.now()
	tm.recomputeLocked()
	sats, links := len(tm.sats), tm.links
	neighbors := sortedKeys(s.neighbors)
	subs := tm.subscribersLocked()
	tm.mu.Unlock()

	if !ok {
		tm.log.Info(context.Background(), "satellite joined constellation",
			logging.Int("satellite", id),
			logging.Float64("lat", pos.Latitude),
			logging.Float64("lon", pos.Longitude),
		)
	}
	if len(neighbors) == 0 && sats > 1 {
		tm.log.Debug(context.Background(), "satellite has no ISL neighbors",
			logging.Int("satellite", id),
			logging.Float64("max_isl_km", tm.maxISLKm),
		)
	}
	tm.record(time.Since(start), sats, links)

	for _, fn := range subs {
		fn([]int{id})
	}
}

// Remove drops a satellite from the constellation and rebuilds the graph.
func (tm *TopologyManager) Remove(id int) error {
	start := time.Now()

	tm.mu.Lock()
	if _, ok := tm.sats[id]; !ok {
		tm.mu.Unlock()
		return ErrUnknownSatellite
	}
	delete(tm.sats, id)
	tm.recomputeLocked()
	sats, links := len(tm.sats), tm.links
	subs := tm.subscribersLocked()
	tm.mu.Unlock()

	tm.log.Info(context.Background(), "satellite left constellation", logging.Int("satellite", id))
	tm.record(time.Since(start), sats, links)
	for _, fn := range subs {
		fn([]int{id})
	}
	return nil
}

// NextHop returns the neighbor src should forward to for dst. It reports
// false when src is unknown or dst is unreachable from src.
func (tm *TopologyManager) NextHop(src, dst int) (int, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	s, ok := tm.sats[src]
	if !ok {
		return 0, false
	}
	r, ok := s.routes[dst]
	if !ok {
		return 0, false
	}
	return r.next, true
}

// Route returns the full shortest path from src to dst.
func (tm *TopologyManager) Route(src, dst int) (model.Route, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	s, ok := tm.sats[src]
	if !ok {
		return model.Route{}, false
	}
	r, ok := s.routes[dst]
	if !ok {
		return model.Route{}, false
	}
	return model.Route{
		Source:      src,
		Destination: dst,
		NextHop:     r.next,
		Hops:        r.hops,
		DistanceKm:  r.distance,
		Path:        slices.Clone(r.path),
	}, true
}

// Position returns the last reported position of a satellite.
func (tm *TopologyManager) Position(id int) (model.GeoPosition, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	s, ok := tm.sats[id]
	if !ok {
		return model.GeoPosition{}, false
	}
	return s.position, true
}

// Neighbors returns the ids of a satellite's ISL neighbors in id order.
func (tm *TopologyManager) Neighbors(id int) []int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	s, ok := tm.sats[id]
	if !ok {
		return nil
	}
	return sortedKeys(s.neighbors)
}

// IDs returns all known satellite ids in order.
func (tm *TopologyManager) IDs() []int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return sortedKeys(tm.sats)
}

// Snapshot returns a deep copy of every satellite, ordered by id.
func (tm *TopologyManager) Snapshot() []model.SatelliteNode {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	out := make([]model.SatelliteNode, 0, len(tm.sats))
	for _, id := range sortedKeys(tm.sats) {
		s := tm.sats[id]
		node := model.SatelliteNode{
			ID:           s.id,
			Position:     s.position,
			Neighbors:    make(map[int]model.GeoPosition, len(s.neighbors)),
			RoutingTable: make(map[int]int, len(s.routes)),
			LastUpdate:   s.lastUpdate,
		}
		for n := range s.neighbors {
			node.Neighbors[n] = tm.sats[n].position
		}
		for dst, r := range s.routes {
			node.RoutingTable[dst] = r.next
		}
		out = append(out, node)
	}
	return out
}

// Subscribe registers a callback invoked after every recompute with the ids
// that triggered it. It returns an unsubscribe function.
func (tm *TopologyManager) Subscribe(fn func(changed []int)) (unsubscribe func()) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	id := tm.nextID
	tm.nextID++
	tm.subs[id] = fn

	return func() {
		tm.mu.Lock()
		defer tm.mu.Unlock()
		delete(tm.subs, id)
	}
}

func (tm *TopologyManager) subscribersLocked() []func([]int) {
	out := make([]func([]int), 0, len(tm.subs))
	for _, id := range sortedKeys(tm.subs) {
		out = append(out, tm.subs[id])
	}
	return out
}

func (tm *TopologyManager) record(d time.Duration, sats, links int) {
	if tm.metrics == nil {
		return
	}
	tm.metrics.ObserveRecompute(d)
	tm.metrics.SetTopologyCounts(sats, links)
}

// recomputeLocked rebuilds the symmetric neighbor graph and every routing
// table. Caller must hold mu for writing.
func (tm *TopologyManager) recomputeLocked() {
	ids := sortedKeys(tm.sats)
	r := tm.geometry.OrbitalRadiusKm()

	points := make(map[int]Vec3, len(ids))
	for _, id := range ids {
		tm.sats[id].neighbors = make(map[int]float64)
		points[id] = ToCartesian(tm.sats[id].position, r)
	}

	links := 0
	for i, a := range ids {
		for _, b := range ids[i+1:] {
			d := points[a].DistanceTo(points[b])
			if d > tm.maxISLKm {
				continue
			}
			if tm.requireLoS && !HasLineOfSight(points[a], points[b], tm.geometry.EarthRadiusKm) {
				continue
			}
			tm.sats[a].neighbors[b] = d
			tm.sats[b].neighbors[a] = d
			links++
		}
	}
	tm.links = links

	for _, id := range ids {
		tm.sats[id].routes = tm.shortestPathsLocked(id, ids)
	}
}

// shortestPathsLocked runs Dijkstra from src over the neighbor graph. Among
// equal tentative distances the lower id is settled first, and equal-length
// paths keep the lower-id predecessor, so results are deterministic.
func (tm *TopologyManager) shortestPathsLocked(src int, ids []int) map[int]routeEntry {
	dist := make(map[int]float64, len(ids))
	prev := make(map[int]int, len(ids))
	visited := make(map[int]bool, len(ids))
	for _, id := range ids {
		dist[id] = math.Inf(1)
	}
	dist[src] = 0

	for {
		current, found := 0, false
		for _, id := range ids {
			if visited[id] || math.IsInf(dist[id], 1) {
				continue
			}
			if !found || dist[id] < dist[current]-distEpsilon {
				current, found = id, true
			}
		}
		if !found {
			break
		}
		visited[current] = true

		for n, w := range tm.sats[current].neighbors {
			if visited[n] {
				continue
			}
			alt := dist[current] + w
			switch {
			case alt < dist[n]-distEpsilon:
				dist[n] = alt
				prev[n] = current
			case math.Abs(alt-dist[n]) <= distEpsilon && current < prev[n]:
				prev[n] = current
			}
		}
	}

	routes := make(map[int]routeEntry)
	for _, dst := range ids {
		if dst == src || math.IsInf(dist[dst], 1) {
			continue
		}
		path := []int{dst}
		for hop := dst; prev[hop] != src; {
			hop = prev[hop]
			path = append(path, hop)
		}
		path = append(path, src)
		slices.Reverse(path)
		routes[dst] = routeEntry{
			next:     path[1],
			hops:     len(path) - 1,
			distance: dist[dst],
			path:     path,
		}
	}
	return routes
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
