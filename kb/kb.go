package kb

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/signalsfoundry/leo-relay-simulator/model"
)

var (
	// ErrRegistryFull is returned when the registry is at capacity. New
	// entries are rejected immediately, never queued.
	ErrRegistryFull = errors.New("registry full")
	// ErrAlreadyRegistered is returned for a second Register of the same id.
	ErrAlreadyRegistered = errors.New("satellite already registered")
	// ErrNotFound is returned for ids without an endpoint.
	ErrNotFound = errors.New("satellite not registered")
)

// EventType indicates what kind of change happened in the registry.
type EventType int

const (
	EventEndpointRegistered EventType = iota
	EventEndpointRemoved
)

// Event is emitted to subscribers when an endpoint is added or removed.
type Event struct {
	Type     EventType
	Endpoint model.Endpoint
}

// Registry is an in-memory, thread-safe map from satellite id to the
// datagram address of its relay.
type Registry struct {
	mu sync.RWMutex

	maxEntries int
	endpoints  map[int]model.Endpoint
	addrs      map[int]net.Addr
	now        func() time.Time

	subs   map[int]func(Event)
	nextID int
}

// NewRegistry constructs an empty registry holding at most maxEntries
// endpoints. A non-positive maxEntries means unbounded.
func NewRegistry(maxEntries int) *Registry {
	return &Registry{
		maxEntries: maxEntries,
		endpoints:  make(map[int]model.Endpoint),
		addrs:      make(map[int]net.Addr),
		now:        time.Now,
		subs:       make(map[int]func(Event)),
	}
}

// Register adds a satellite's endpoint.
func (r *Registry) Register(id int, addr net.Addr) error {
	r.mu.Lock()
	if _, exists := r.endpoints[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrAlreadyRegistered, id)
	}
	if r.maxEntries > 0 && len(r.endpoints) >= r.maxEntries {
		r.mu.Unlock()
		return fmt.Errorf("%w: capacity %d", ErrRegistryFull, r.maxEntries)
	}
	ep := model.Endpoint{SatelliteID: id, Address: addr.String(), Registered: r.now()}
	r.endpoints[id] = ep
	r.addrs[id] = addr
	subs := r.subscribersLocked()
	r.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	for _, sub := range subs {
		sub(Event{Type: EventEndpointRegistered, Endpoint: ep})
	}
	return nil
}

// Deregister removes a satellite's endpoint.
func (r *Registry) Deregister(id int) error {
	r.mu.Lock()
	ep, ok := r.endpoints[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	delete(r.endpoints, id)
	delete(r.addrs, id)
	subs := r.subscribersLocked()
	r.mu.Unlock()

	for _, sub := range subs {
		sub(Event{Type: EventEndpointRemoved, Endpoint: ep})
	}
	return nil
}

// Lookup returns the relay address for id.
func (r *Registry) Lookup(id int) (net.Addr, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.addrs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return addr, nil
}

// IDs returns every registered satellite id in order.
func (r *Registry) IDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedIDs(r.endpoints)
}

// List returns a snapshot of all endpoints ordered by id.
func (r *Registry) List() []model.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := make([]model.Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		res = append(res, ep)
	}
	slices.SortFunc(res, func(a, b model.Endpoint) int { return a.SatelliteID - b.SatelliteID })
	return res
}

// Len returns the number of registered endpoints.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}

// Subscribe registers a callback for registry events. It returns an
// unsubscribe function.
func (r *Registry) Subscribe(fn func(Event)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

// subscribersLocked returns the callbacks in subscription order. Caller must
// hold mu.
func (r *Registry) subscribersLocked() []func(Event) {
	out := make([]func(Event), 0, len(r.subs))
	for _, id := range sortedIDs(r.subs) {
		out = append(out, r.subs[id])
	}
	return out
}

func sortedIDs[V any](m map[int]V) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// PortConvention addresses satellite i at BasePort+i on Host.
type PortConvention struct {
	Host     string
	BasePort int
}

// Addr returns the UDP address of satellite id.
func (p PortConvention) Addr(id int) (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", net.JoinHostPort(p.Host, strconv.Itoa(p.BasePort+id)))
}

// Lookup implements the relay and terminal directory interface.
func (p PortConvention) Lookup(id int) (net.Addr, error) {
	return p.Addr(id)
}

// RegisterRange registers satellites first..first+n-1 at their conventional
// ports.
func (r *Registry) RegisterRange(p PortConvention, first, n int) error {
	for id := first; id < first+n; id++ {
		addr, err := p.Addr(id)
		if err != nil {
			return fmt.Errorf("resolve satellite %d: %w", id, err)
		}
		if err := r.Register(id, addr); err != nil {
			return err
		}
	}
	return nil
}
