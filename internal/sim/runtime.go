// Package sim runs a whole constellation in one process: a mover goroutine
// per satellite feeding the shared topology, and a UDP relay per satellite
// on the base-port convention.
package sim

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/signalsfoundry/leo-relay-simulator/core"
	"github.com/signalsfoundry/leo-relay-simulator/internal/config"
	"github.com/signalsfoundry/leo-relay-simulator/internal/events"
	"github.com/signalsfoundry/leo-relay-simulator/internal/logging"
	"github.com/signalsfoundry/leo-relay-simulator/internal/observability"
	"github.com/signalsfoundry/leo-relay-simulator/internal/relay"
	"github.com/signalsfoundry/leo-relay-simulator/kb"
	"github.com/signalsfoundry/leo-relay-simulator/timectrl"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("runtime already started")

// Satellite pairs an id with the model that moves it.
type Satellite struct {
	ID     int
	Motion core.MotionModel
}

// RingSatellites places cfg.Satellites satellites, ids 1..n, evenly on a
// circular orbit starting at epoch.
func RingSatellites(cfg config.Config, epoch time.Time) []Satellite {
	orbits := core.RingOrbits(cfg.OrbitCenter, cfg.OrbitRadiusDeg, cfg.VelocityDegSec, cfg.Satellites)
	sats := make([]Satellite, len(orbits))
	for i, o := range orbits {
		sats[i] = Satellite{ID: i + 1, Motion: core.EpochOrbit{Orbit: o, Epoch: epoch}}
	}
	return sats
}

// ListenFunc binds the datagram socket for a satellite relay.
type ListenFunc func(id int, addr string) (net.PacketConn, error)

func listenUDP(_ int, addr string) (net.PacketConn, error) {
	return net.ListenPacket("udp", addr)
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.log = l
		}
	}
}

// WithCollector attaches Prometheus metrics.
func WithCollector(c *observability.Collector) Option {
	return func(r *Runtime) { r.metrics = c }
}

// WithEvents replaces the runtime's event hub.
func WithEvents(h *events.Hub) Option {
	return func(r *Runtime) {
		if h != nil {
			r.hub = h
		}
	}
}

// WithClock supplies the simulation clock. The runtime starts it unless it
// is told the caller owns it.
func WithClock(tc *timectrl.TimeController, owned bool) Option {
	return func(r *Runtime) {
		if tc != nil {
			r.clock = tc
			r.ownClock = !owned
		}
	}
}

// WithListen overrides how relay sockets are bound.
func WithListen(fn ListenFunc) Option {
	return func(r *Runtime) {
		if fn != nil {
			r.listen = fn
		}
	}
}

// WithLocalRelays restricts the relays this process serves to ids. Other
// satellites are still moved and routed over, and are addressed by the
// base-port convention.
func WithLocalRelays(ids ...int) Option {
	return func(r *Runtime) {
		r.local = make(map[int]bool, len(ids))
		for _, id := range ids {
			r.local[id] = true
		}
	}
}

// WithDeliveryHandler receives every payload reassembled by any relay.
func WithDeliveryHandler(h func(satellite int, origin uint32, payload []byte)) Option {
	return func(r *Runtime) { r.onDeliver = h }
}

// Runtime owns the constellation's shared state and background tasks.
type Runtime struct {
	cfg        config.Config
	satellites []Satellite

	clock    *timectrl.TimeController
	ownClock bool
	topology *core.TopologyManager
	registry *kb.Registry
	hub      *events.Hub
	metrics  *observability.Collector
	log      logging.Logger
	listen   ListenFunc

	onDeliver func(satellite int, origin uint32, payload []byte)
	local     map[int]bool

	mu      sync.Mutex
	started bool
	relays  map[int]*relay.Relay
	feeds   map[int]*relay.PositionFeed
	conns   []net.PacketConn
	wg      sync.WaitGroup
}

// New builds a runtime for sats. Nothing runs until Start.
func New(cfg config.Config, sats []Satellite, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:        cfg,
		satellites: sats,
		hub:        events.NewHub(),
		log:        logging.Noop(),
		listen:     listenUDP,
		relays:     make(map[int]*relay.Relay),
		feeds:      make(map[int]*relay.PositionFeed),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.clock == nil {
		mode := timectrl.RealTime
		if cfg.Accelerated {
			mode = timectrl.Accelerated
		}
		r.clock = timectrl.NewTimeController(time.Now().UTC(), cfg.Tick, mode)
		r.ownClock = true
	}

	topoOpts := []core.TopologyOption{
		core.WithMaxISLDistance(cfg.MaxISLKm),
		core.WithLineOfSight(cfg.LineOfSight),
		core.WithTopologyLogger(r.log.With(logging.String("component", "topology"))),
		core.WithTopologyClock(r.clock.Now),
	}
	if r.metrics != nil {
		topoOpts = append(topoOpts, core.WithTopologyMetrics(r.metrics))
	}
	r.topology = core.NewTopologyManager(topoOpts...)
	r.registry = kb.NewRegistry(cfg.RegistryMax)
	return r
}

// Topology returns the shared constellation state.
func (r *Runtime) Topology() *core.TopologyManager { return r.topology }

// Registry returns the satellite endpoint registry.
func (r *Runtime) Registry() *kb.Registry { return r.registry }

// Events returns the status event hub.
func (r *Runtime) Events() *events.Hub { return r.hub }

// Clock returns the simulation clock.
func (r *Runtime) Clock() *timectrl.TimeController { return r.clock }

// Relay returns the relay for satellite id once started.
func (r *Runtime) Relay(id int) (*relay.Relay, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rl, ok := r.relays[id]
	return rl, ok
}

// Start seeds every satellite's position, binds and registers the relays,
// and launches the movers. Background tasks stop when ctx ends; Wait blocks
// until they have.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}

	now := r.clock.Now()
	for _, s := range r.satellites {
		feed := relay.NewPositionFeed()
		r.feeds[s.ID] = feed
		if pos := s.Motion.PositionAt(now); pos.Available() {
			r.topology.UpdatePosition(s.ID, pos)
			feed.Publish(pos)
		}
	}

	r.topology.Subscribe(func(changed []int) {
		r.hub.Publish(events.TypeTopology, events.Topology{
			Changed:    changed,
			Satellites: len(r.satellites),
		})
	})

	conv := kb.PortConvention{Host: r.cfg.ListenHost, BasePort: r.cfg.BasePort}
	for _, s := range r.satellites {
		if r.local != nil && !r.local[s.ID] {
			addr, err := conv.Addr(s.ID)
			if err == nil {
				err = r.registry.Register(s.ID, addr)
			}
			if err != nil {
				r.closeLocked()
				return fmt.Errorf("register remote satellite %d: %w", s.ID, err)
			}
			continue
		}
		if err := r.startRelayLocked(ctx, s.ID); err != nil {
			r.closeLocked()
			return err
		}
	}

	for _, s := range r.satellites {
		s := s
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.move(ctx, s)
		}()
	}

	if r.ownClock {
		done := r.clock.StartContext(ctx, 0)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			<-done
		}()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		r.closeLocked()
	}()

	r.started = true
	r.log.Info(ctx, "constellation started",
		logging.Int("satellites", len(r.satellites)),
		logging.Int("base_port", r.cfg.BasePort),
		logging.Duration("tick", r.cfg.Tick),
	)
	return nil
}

func (r *Runtime) startRelayLocked(ctx context.Context, id int) error {
	addr := r.cfg.SatelliteAddr(id)
	conn, err := r.listen(id, addr)
	if err != nil {
		return fmt.Errorf("listen for satellite %d on %s: %w", id, addr, err)
	}
	r.conns = append(r.conns, conn)
	if err := r.registry.Register(id, conn.LocalAddr()); err != nil {
		return fmt.Errorf("register satellite %d: %w", id, err)
	}

	opts := []relay.Option{
		relay.WithConfig(relay.Config{
			MaxRelayHops:    r.cfg.MaxRelayHops,
			ReadBufferSize:  r.cfg.ReceiveBuffer,
			StaleAfter:      r.cfg.StaleAfter,
			DuplicateWindow: retransmitWindow(r.cfg),
		}),
		relay.WithFeed(r.feeds[id]),
		relay.WithLogger(r.log),
		relay.WithEvents(r.hub),
	}
	if r.metrics != nil {
		opts = append(opts, relay.WithMetrics(r.metrics.Relay(id)))
	}
	if r.onDeliver != nil {
		opts = append(opts, relay.WithDeliveryHandler(func(origin uint32, payload []byte) {
			r.onDeliver(id, origin, payload)
		}))
	}
	rl := relay.New(id, conn, r.topology, r.registry, opts...)
	r.relays[id] = rl

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := rl.Serve(ctx); err != nil && ctx.Err() == nil {
			r.log.Error(ctx, "relay stopped", logging.Int("satellite", id), logging.Err(err))
		}
	}()
	return nil
}

// retransmitWindow spans every attempt a terminal makes for one chunk.
func retransmitWindow(cfg config.Config) time.Duration {
	attempts := time.Duration(cfg.MaxRetries + 1)
	return attempts*cfg.SocketTimeout + time.Duration(cfg.MaxRetries)*cfg.RetryDelay
}

// move advances one satellite every tick. It is the only writer of that
// satellite's position.
func (r *Runtime) move(ctx context.Context, s Satellite) {
	feed := r.feeds[s.ID]
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-r.clock.After(r.cfg.Tick):
			pos := s.Motion.PositionAt(now)
			if !pos.Available() {
				r.log.Warn(ctx, "position unavailable; keeping last fix", logging.Int("satellite", s.ID))
				continue
			}
			r.topology.UpdatePosition(s.ID, pos)
			feed.Publish(pos)
			r.log.Debug(ctx, "satellite moved",
				logging.Int("satellite", s.ID),
				logging.Float64("lat", pos.Latitude),
				logging.Float64("lon", pos.Longitude),
				logging.Int("neighbors", len(r.topology.Neighbors(s.ID))),
			)
		}
	}
}

// Wait blocks until every background task has returned.
func (r *Runtime) Wait() { r.wg.Wait() }

func (r *Runtime) closeLocked() {
	for _, c := range r.conns {
		_ = c.Close()
	}
	r.conns = nil
}
