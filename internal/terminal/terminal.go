// Package terminal implements the ground terminal: it asks satellites where
// they are, picks the closest, tracks handovers between serving satellites,
// and pushes payloads through a reliable sender.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/leo-relay-simulator/core"
	"github.com/signalsfoundry/leo-relay-simulator/internal/events"
	"github.com/signalsfoundry/leo-relay-simulator/internal/logging"
	"github.com/signalsfoundry/leo-relay-simulator/internal/transport"
	"github.com/signalsfoundry/leo-relay-simulator/model"
	"github.com/signalsfoundry/leo-relay-simulator/timectrl"
)

const tracerName = "github.com/signalsfoundry/leo-relay-simulator/internal/terminal"

// DefaultDebugInterval is how long a terminal waits before querying again
// after no satellite answered.
const DefaultDebugInterval = 5 * time.Second

// ErrNoSatellite is returned when no satellite answered a position inquiry.
var ErrNoSatellite = errors.New("no satellite reachable")

// Transport is the reliable sender a terminal drives.
type Transport interface {
	Query(ctx context.Context, addr net.Addr) (transport.PositionReply, error)
	Send(ctx context.Context, addr net.Addr, payload []byte) (transport.Result, error)
	SenderID() uint32
}

// Directory resolves satellite ids to relay addresses.
type Directory interface {
	Lookup(id int) (net.Addr, error)
}

// lister is implemented by directories that know every satellite id.
type lister interface {
	IDs() []int
}

// MetricsRecorder receives terminal measurements.
type MetricsRecorder interface {
	IncHandover()
	SetServingSatellite(id int)
	ObserveSession(d time.Duration)
}

// Config tunes a terminal.
type Config struct {
	// Satellites lists the ids to query. Empty means every id the
	// directory knows.
	Satellites    []int
	DebugInterval time.Duration
}

// Option configures a Terminal.
type Option func(*Terminal)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(t *Terminal) { t.cfg = cfg }
}

// WithClock sets the clock used for session timestamps and retry waits.
func WithClock(c timectrl.SimClock) Option {
	return func(t *Terminal) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithGeometry overrides the Earth radius and shell altitude.
func WithGeometry(g core.Geometry) Option {
	return func(t *Terminal) { t.geometry = g }
}

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(t *Terminal) {
		if l != nil {
			t.log = l
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(t *Terminal) { t.metrics = m }
}

// WithEvents attaches a status event publisher.
func WithEvents(p events.Publisher) Option {
	return func(t *Terminal) { t.events = p }
}

// WithMonitor replaces the default link monitor.
func WithMonitor(m *LinkMonitor) Option {
	return func(t *Terminal) {
		if m != nil {
			t.monitor = m
		}
	}
}

// Terminal is a ground station at a fixed position.
type Terminal struct {
	position model.GeoPosition
	tx       Transport
	dir      Directory
	cfg      Config
	geometry core.Geometry

	clock   timectrl.SimClock
	log     logging.Logger
	metrics MetricsRecorder
	events  events.Publisher
	monitor *LinkMonitor
	tracer  trace.Tracer

	mu        sync.Mutex
	session   *Session
	history   []model.SessionSummary
	handovers int
}

// New builds a terminal at position sending through tx.
func New(position model.GeoPosition, tx Transport, dir Directory, opts ...Option) *Terminal {
	t := &Terminal{
		position: position,
		tx:       tx,
		dir:      dir,
		cfg:      Config{DebugInterval: DefaultDebugInterval},
		geometry: core.DefaultGeometry(),
		clock:    timectrl.WallClock{},
		log:      logging.Noop(),
		monitor:  NewLinkMonitor(DefaultMonitorWindow),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.cfg.DebugInterval <= 0 {
		t.cfg.DebugInterval = DefaultDebugInterval
	}
	t.log = t.log.With(logging.Uint32("terminal", tx.SenderID()))
	return t
}

// ID returns the terminal's sender id.
func (t *Terminal) ID() uint32 { return t.tx.SenderID() }

// Position returns the terminal's ground position.
func (t *Terminal) Position() model.GeoPosition { return t.position }

// Monitor returns the terminal's link monitor.
func (t *Terminal) Monitor() *LinkMonitor { return t.monitor }

func (t *Terminal) satellites() []int {
	if len(t.cfg.Satellites) > 0 {
		return t.cfg.Satellites
	}
	if l, ok := t.dir.(lister); ok {
		return l.IDs()
	}
	return nil
}

// QueryPositions asks each satellite for its position. Satellites that
// time out, cannot be resolved, answer for another id or report the
// unavailable sentinel are left out.
func (t *Terminal) QueryPositions(ctx context.Context, ids []int) (map[int]model.GeoPosition, error) {
	positions := make(map[int]model.GeoPosition, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return positions, err
		}
		addr, err := t.dir.Lookup(id)
		if err != nil {
			t.log.Debug(ctx, "satellite address unknown", logging.Int("satellite", id), logging.Err(err))
			continue
		}
		reply, err := t.tx.Query(ctx, addr)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return positions, err
		case err != nil:
			t.log.Debug(ctx, "position inquiry failed", logging.Int("satellite", id), logging.Err(err))
			continue
		}
		if int(reply.Satellite) != id {
			t.log.Debug(ctx, "position reply from unexpected satellite",
				logging.Int("satellite", id),
				logging.Uint32("replied", reply.Satellite),
			)
			continue
		}
		if !reply.Available() {
			continue
		}
		positions[id] = reply.Position
	}
	return positions, nil
}

// Select returns the satellite with the shortest slant range. Equal ranges
// go to the lower id.
func (t *Terminal) Select(positions map[int]model.GeoPosition) (int, float64, bool) {
	ids := make([]int, 0, len(positions))
	for id := range positions {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	best, bestKm, found := 0, 0.0, false
	for _, id := range ids {
		d := core.GroundToSatelliteKm(t.position, positions[id], t.geometry)
		if !found || d < bestKm {
			best, bestKm, found = id, d, true
		}
	}
	if found {
		r := t.geometry.OrbitalRadiusKm()
		elev := core.ElevationDegrees(
			core.ToCartesian(t.position, t.geometry.EarthRadiusKm),
			core.ToCartesian(positions[best], r),
		)
		t.log.Debug(context.Background(), "selected satellite",
			logging.Int("satellite", best),
			logging.Float64("slant_range_km", bestKm),
			logging.Float64("elevation_deg", elev),
		)
	}
	return best, bestKm, found
}

// Connect makes id the serving satellite. When that replaces another
// satellite the old session is finalized into history and returned.
func (t *Terminal) Connect(id int) (model.SessionSummary, bool) {
	now := t.clock.Now()

	t.mu.Lock()
	if t.session != nil && t.session.Satellite == id {
		t.mu.Unlock()
		return model.SessionSummary{}, false
	}
	prev := t.session
	var summary model.SessionSummary
	if prev != nil {
		summary = prev.Finalize(now)
		t.history = append(t.history, summary)
		t.handovers++
	}
	t.session = &Session{Satellite: id, Start: now}
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.SetServingSatellite(id)
	}
	if prev == nil {
		t.log.Info(context.Background(), "connected to satellite", logging.Int("satellite", id))
		return model.SessionSummary{}, false
	}

	t.log.Info(context.Background(), "handover",
		logging.Int("from", summary.Satellite),
		logging.Int("to", id),
		logging.Duration("duration", summary.Duration),
		logging.Int("bytes_sent", summary.BytesSent),
		logging.Int("successful_chunks", summary.SuccessfulChunks),
	)
	if t.metrics != nil {
		t.metrics.IncHandover()
		t.metrics.ObserveSession(summary.Duration)
	}
	if t.events != nil {
		t.events.Publish(events.TypeHandover, events.Handover{
			Terminal: t.tx.SenderID(),
			From:     summary.Satellite,
			To:       id,
			Previous: summary,
		})
	}
	return summary, true
}

// Transmit picks the closest responsive satellite, hands over if needed and
// sends payload to it. It returns ErrNoSatellite when nobody answered.
func (t *Terminal) Transmit(ctx context.Context, payload []byte) (transport.Result, error) {
	ctx, log := logging.WithTransferLogger(ctx, t.log)
	ctx, span := t.tracer.Start(ctx, "terminal.Transmit",
		trace.WithAttributes(attribute.Int("payload_bytes", len(payload))),
	)
	defer span.End()

	positions, err := t.QueryPositions(ctx, t.satellites())
	if err != nil {
		return transport.Result{}, err
	}
	id, distanceKm, ok := t.Select(positions)
	if !ok {
		return transport.Result{}, ErrNoSatellite
	}
	t.Connect(id)
	span.SetAttributes(attribute.Int("satellite", id))

	addr, err := t.dir.Lookup(id)
	if err != nil {
		return transport.Result{}, fmt.Errorf("resolve satellite %d: %w", id, err)
	}

	res, err := t.tx.Send(ctx, addr, payload)
	t.account(id, res)

	var meanRTT time.Duration
	if len(res.RTTs) > 0 {
		var total time.Duration
		for _, rtt := range res.RTTs {
			total += rtt
		}
		meanRTT = total / time.Duration(len(res.RTTs))
	}
	sample := t.monitor.Observe(t.clock.Now(), id, distanceKm, meanRTT)

	log.Info(ctx, "transmission finished",
		logging.Int("satellite", id),
		logging.Int("chunks", res.Chunks),
		logging.Int("acked", res.Acked),
		logging.Int("lost", res.Lost),
		logging.Duration("latency", sample.Latency),
		logging.Float64("loss_estimate", sample.LossProbability),
	)
	if t.events != nil {
		t.events.Publish(events.TypeTransfer, events.Transfer{
			Terminal:  t.tx.SenderID(),
			Satellite: id,
			Chunks:    res.Chunks,
			Acked:     res.Acked,
			Lost:      res.Lost,
			Retries:   res.Retries,
		})
	}
	return res, err
}

// account adds a send's totals to the session with satellite id. A result
// that lands after a concurrent handover is not credited to the new session.
func (t *Terminal) account(id int, res transport.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil || t.session.Satellite != id {
		return
	}
	t.session.BytesSent += res.BytesSent
	t.session.SuccessfulChunks += res.Acked
}

// Run transmits each message from messages until ctx ends or messages is
// closed. When no satellite answers it waits DebugInterval and tries the
// same message again.
func (t *Terminal) Run(ctx context.Context, messages <-chan []byte) error {
	for {
		var msg []byte
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-messages:
			if !ok {
				return nil
			}
			msg = m
		}

		for {
			_, err := t.Transmit(ctx, msg)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, ErrNoSatellite) {
				t.log.Warn(ctx, "transmission failed", logging.Err(err))
				break
			}
			t.log.Warn(ctx, "no satellite answered; retrying",
				logging.Duration("retry_in", t.cfg.DebugInterval),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.clock.After(t.cfg.DebugInterval):
			}
		}
	}
}

// RunPeriodic transmits payload every interval until ctx ends.
func (t *Terminal) RunPeriodic(ctx context.Context, payload []byte, interval time.Duration) error {
	messages := make(chan []byte)
	go func() {
		defer close(messages)
		for {
			select {
			case <-ctx.Done():
				return
			case messages <- payload:
			}
			select {
			case <-ctx.Done():
				return
			case <-t.clock.After(interval):
			}
		}
	}()
	return t.Run(ctx, messages)
}

// Session returns the active session, if any.
func (t *Terminal) Session() (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return Session{}, false
	}
	return *t.session, true
}

// History returns finalized sessions oldest first.
func (t *Terminal) History() []model.SessionSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.history)
}

// Handovers returns the number of serving satellite changes.
func (t *Terminal) Handovers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handovers
}

// Close finalizes the active session into history.
func (t *Terminal) Close() {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return
	}
	t.history = append(t.history, t.session.Finalize(now))
	t.session = nil
}

// Summary renders the session history for printing on exit.
func (t *Terminal) Summary() string {
	history := t.History()
	var b strings.Builder
	fmt.Fprintf(&b, "terminal %d: %d session(s), %d handover(s)\n", t.tx.SenderID(), len(history), t.Handovers())
	for _, s := range history {
		fmt.Fprintf(&b, "  satellite %d: %s, %d bytes sent, %d successful chunks\n",
			s.Satellite, s.Duration.Round(time.Millisecond), s.BytesSent, s.SuccessfulChunks)
	}
	avg := t.monitor.Averages()
	if avg.Samples > 0 {
		fmt.Fprintf(&b, "  link: latency %s, loss %.2f%%, rtt %s over %d sample(s)\n",
			avg.Latency, avg.LossProbability*100, avg.RTT, avg.Samples)
	}
	return b.String()
}
