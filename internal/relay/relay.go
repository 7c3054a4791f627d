package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/leo-relay-simulator/internal/events"
	"github.com/signalsfoundry/leo-relay-simulator/internal/logging"
	"github.com/signalsfoundry/leo-relay-simulator/internal/transport"
	"github.com/signalsfoundry/leo-relay-simulator/model"
)

const tracerName = "github.com/signalsfoundry/leo-relay-simulator/internal/relay"

// Drop reasons reported to metrics and events.
const (
	DropChecksum       = "checksum"
	DropMalformed      = "malformed"
	DropStrayResponse  = "stray_response"
	DropReplyFailed    = "reply_failed"
	defaultPollTimeout = 200 * time.Millisecond
)

// Router is the slice of the topology manager a relay consults.
type Router interface {
	Route(src, dst int) (model.Route, bool)
	Position(id int) (model.GeoPosition, bool)
}

// Directory resolves a satellite id to its relay's address.
type Directory interface {
	Lookup(id int) (net.Addr, error)
}

// MetricsRecorder receives relay counters.
type MetricsRecorder interface {
	IncReceived(kind string)
	IncDropped(reason string)
	IncForwarded()
	IncDelivered()
	SetPendingReassemblies(n int)
}

// DeliveryHandler receives every reassembled payload.
type DeliveryHandler func(origin uint32, payload []byte)

// Config tunes a relay.
type Config struct {
	// MaxRelayHops bounds forwarding: 0 never forwards, a negative value
	// forwards along routes of any length.
	MaxRelayHops   int
	ReadBufferSize int
	// StaleAfter drops partial messages idle this long. Zero disables it.
	StaleAfter time.Duration
	// DuplicateWindow is how long a delivered message's chunks are
	// recognised as retransmissions. Zero uses DefaultDuplicateWindow.
	DuplicateWindow time.Duration
	PollTimeout     time.Duration
}

// DefaultConfig forwards along routes of up to three hops.
func DefaultConfig() Config {
	return Config{
		MaxRelayHops:    3,
		ReadBufferSize:  2048,
		DuplicateWindow: DefaultDuplicateWindow,
		PollTimeout:     defaultPollTimeout,
	}
}

// Option configures a Relay.
type Option func(*Relay)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(r *Relay) { r.cfg = cfg }
}

// WithFeed makes inquiry replies come from a mover-owned position feed
// instead of the topology.
func WithFeed(f *PositionFeed) Option {
	return func(r *Relay) { r.feed = f }
}

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithEvents attaches a status event publisher.
func WithEvents(p events.Publisher) Option {
	return func(r *Relay) { r.events = p }
}

// WithDeliveryHandler registers a callback for reassembled payloads.
func WithDeliveryHandler(h DeliveryHandler) Option {
	return func(r *Relay) { r.onDeliver = h }
}

// Relay is one satellite's datagram server. It answers position inquiries,
// forwards data toward the origin's routing destination, and reassembles
// data it cannot forward.
//
// Acks are hop-local: a forwarding relay acks the sender as soon as the
// datagram leaves for the next hop, without waiting for that hop's ack.
type Relay struct {
	id     int
	conn   transport.Conn
	router Router
	dir    Directory
	cfg    Config

	feed      *PositionFeed
	buffer    *ReassemblyBuffer
	log       logging.Logger
	metrics   MetricsRecorder
	events    events.Publisher
	onDeliver DeliveryHandler
	tracer    trace.Tracer
}

// New constructs a relay for satellite id listening on conn.
func New(id int, conn transport.Conn, router Router, dir Directory, opts ...Option) *Relay {
	r := &Relay{
		id:     id,
		conn:   conn,
		router: router,
		dir:    dir,
		cfg:    DefaultConfig(),
		buffer: NewReassemblyBuffer(),
		log:    logging.Noop(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cfg.ReadBufferSize <= 0 {
		r.cfg.ReadBufferSize = DefaultConfig().ReadBufferSize
	}
	if r.cfg.PollTimeout <= 0 {
		r.cfg.PollTimeout = defaultPollTimeout
	}
	if r.cfg.DuplicateWindow <= 0 {
		r.cfg.DuplicateWindow = DefaultDuplicateWindow
	}
	r.buffer.window = r.cfg.DuplicateWindow
	r.log = r.log.With(logging.Int("satellite", id))
	return r
}

// ID returns the satellite id.
func (r *Relay) ID() int { return r.id }

// Pending exposes staged partial messages per origin.
func (r *Relay) Pending() map[uint32]int { return r.buffer.Pending() }

// Serve handles datagrams until ctx is cancelled or the socket fails.
func (r *Relay) Serve(ctx context.Context) error {
	buf := make([]byte, r.cfg.ReadBufferSize)
	r.log.Info(ctx, "relay listening", logging.Int("max_relay_hops", r.cfg.MaxRelayHops))

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := r.conn.SetReadDeadline(time.Now().Add(r.cfg.PollTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		n, from, err := r.conn.ReadFrom(buf)
		if transport.IsTimeout(err) {
			r.sweep(ctx)
			continue
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read datagram: %w", err)
		}
		r.HandleDatagram(ctx, from, buf[:n])
	}
}

// HandleDatagram runs one datagram through the relay state machine. It
// never replies to a datagram that fails its checksum.
func (r *Relay) HandleDatagram(ctx context.Context, from net.Addr, b []byte) {
	p, err := transport.DecodeRequest(b)
	if err != nil {
		r.handleUndecodable(ctx, from, b, err)
		return
	}

	switch pkt := p.(type) {
	case transport.Inquiry:
		r.count(pkt.Kind())
		r.handleInquiry(ctx, from, pkt)
	case transport.Data:
		r.count(pkt.Kind())
		r.handleData(ctx, from, b, pkt)
	}
}

func (r *Relay) handleUndecodable(ctx context.Context, from net.Addr, b []byte, err error) {
	reason := DropChecksum
	if !errors.Is(err, transport.ErrChecksum) {
		reason = DropMalformed
		// Acks from the next hop come back to the forwarding relay.
		if _, rerr := transport.DecodeResponse(b); rerr == nil {
			reason = DropStrayResponse
		}
	}
	if r.metrics != nil {
		r.metrics.IncDropped(reason)
	}
	if reason == DropStrayResponse {
		r.log.Debug(ctx, "ignoring downstream response", logging.String("from", from.String()))
		return
	}
	r.log.Debug(ctx, "dropping datagram",
		logging.String("from", from.String()),
		logging.String("reason", reason),
		logging.Int("bytes", len(b)),
	)
	r.publish(events.TypeDrop, events.Drop{Satellite: r.id, Reason: reason, From: from.String()})
}

func (r *Relay) handleInquiry(ctx context.Context, from net.Addr, q transport.Inquiry) {
	pos := r.position()
	reply := transport.PositionReply{Satellite: uint32(r.id), Position: pos}
	if _, err := r.conn.WriteTo(transport.Encode(reply), from); err != nil {
		r.replyFailed(ctx, from, err)
		return
	}
	r.log.Debug(ctx, "answered inquiry",
		logging.Uint32("terminal", q.Sender),
		logging.Bool("available", pos.Available()),
	)
}

func (r *Relay) handleData(ctx context.Context, from net.Addr, raw []byte, d transport.Data) {
	ctx, span := r.tracer.Start(ctx, "relay.HandleData", trace.WithAttributes(
		attribute.Int("satellite", r.id),
		attribute.Int64("origin", int64(d.Sender)),
		attribute.Int64("seq", int64(d.Seq)),
	))
	defer span.End()

	if next, ok := r.forwardTarget(ctx, int(d.Sender)); ok {
		if r.forward(ctx, next, raw, d) {
			span.SetAttributes(attribute.Int("next_hop", next))
			r.ack(ctx, from, d.Seq)
			return
		}
	}

	payload, complete := r.buffer.Add(d.Sender, d.Seq, d.Total, d.Payload)
	r.ack(ctx, from, d.Seq)
	if r.metrics != nil {
		r.metrics.SetPendingReassemblies(len(r.buffer.Pending()))
	}
	if !complete {
		return
	}

	span.SetAttributes(attribute.Bool("delivered", true))
	if r.metrics != nil {
		r.metrics.IncDelivered()
	}
	r.log.Info(ctx, "message reassembled",
		logging.Uint32("origin", d.Sender),
		logging.Int("bytes", len(payload)),
		logging.String("payload", string(payload)),
	)
	r.publish(events.TypeDelivery, events.Delivery{
		Satellite: r.id,
		Origin:    d.Sender,
		Bytes:     len(payload),
		Payload:   string(payload),
	})
	if r.onDeliver != nil {
		r.onDeliver(d.Sender, payload)
	}
}

// forwardTarget returns the next hop toward origin if the packet should be
// forwarded. No route means local delivery, whether or not origin is this
// satellite.
func (r *Relay) forwardTarget(ctx context.Context, origin int) (int, bool) {
	if r.cfg.MaxRelayHops == 0 {
		return 0, false
	}
	route, ok := r.router.Route(r.id, origin)
	if !ok || route.NextHop == r.id {
		return 0, false
	}
	if r.cfg.MaxRelayHops > 0 && route.Hops > r.cfg.MaxRelayHops {
		r.log.Debug(ctx, "route exceeds relay hop limit; delivering locally",
			logging.Int("destination", origin),
			logging.Int("hops", route.Hops),
		)
		return 0, false
	}
	return route.NextHop, true
}

func (r *Relay) forward(ctx context.Context, next int, raw []byte, d transport.Data) bool {
	addr, err := r.dir.Lookup(next)
	if err != nil {
		r.log.Warn(ctx, "next hop unresolvable; delivering locally", logging.Int("next_hop", next), logging.Err(err))
		return false
	}
	if _, err := r.conn.WriteTo(raw, addr); err != nil {
		r.log.Warn(ctx, "forward failed; delivering locally", logging.Int("next_hop", next), logging.Err(err))
		return false
	}
	if r.metrics != nil {
		r.metrics.IncForwarded()
	}
	r.log.Debug(ctx, "forwarded chunk",
		logging.Int("next_hop", next),
		logging.Uint32("origin", d.Sender),
		logging.Uint32("seq", d.Seq),
	)
	r.publish(events.TypeForward, events.Forward{Satellite: r.id, NextHop: next, Origin: d.Sender, Seq: d.Seq})
	return true
}

func (r *Relay) ack(ctx context.Context, to net.Addr, seq uint32) {
	if _, err := r.conn.WriteTo(transport.Encode(transport.Ack{Relay: uint32(r.id), Seq: seq}), to); err != nil {
		r.replyFailed(ctx, to, err)
	}
}

func (r *Relay) replyFailed(ctx context.Context, to net.Addr, err error) {
	if r.metrics != nil {
		r.metrics.IncDropped(DropReplyFailed)
	}
	r.log.Warn(ctx, "reply failed", logging.String("to", to.String()), logging.Err(err))
}

func (r *Relay) position() model.GeoPosition {
	if r.feed != nil {
		pos, _ := r.feed.Latest()
		return pos
	}
	if pos, ok := r.router.Position(r.id); ok {
		return pos
	}
	return model.UnavailablePosition()
}

func (r *Relay) sweep(ctx context.Context) {
	dropped := r.buffer.Sweep(r.cfg.StaleAfter)
	if len(dropped) == 0 {
		return
	}
	if r.metrics != nil {
		r.metrics.SetPendingReassemblies(len(r.buffer.Pending()))
	}
	r.log.Info(ctx, "discarded stale partial messages", logging.Any("origins", dropped))
}

func (r *Relay) count(k transport.Kind) {
	if r.metrics != nil {
		r.metrics.IncReceived(k.String())
	}
}

func (r *Relay) publish(t events.Type, data any) {
	if r.events != nil {
		r.events.Publish(t, data)
	}
}
