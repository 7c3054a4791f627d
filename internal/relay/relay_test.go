package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/leo-relay-simulator/core"
	"github.com/signalsfoundry/leo-relay-simulator/internal/events"
	"github.com/signalsfoundry/leo-relay-simulator/internal/transport"
	"github.com/signalsfoundry/leo-relay-simulator/internal/transport/transporttest"
	"github.com/signalsfoundry/leo-relay-simulator/model"
)

var samplePosition = model.GeoPosition{Latitude: 10.5, Longitude: -20.25}

type mapDirectory map[int]string

func (d mapDirectory) Lookup(id int) (net.Addr, error) {
	addr, ok := d[id]
	if !ok {
		return nil, fmt.Errorf("satellite %d not registered", id)
	}
	return transporttest.Addr(addr), nil
}

type fakeMetrics struct {
	mu        sync.Mutex
	received  map[string]int
	dropped   map[string]int
	forwarded int
	delivered int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{received: map[string]int{}, dropped: map[string]int{}}
}

func (m *fakeMetrics) IncReceived(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received[kind]++
}

func (m *fakeMetrics) IncDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[reason]++
}

func (m *fakeMetrics) IncForwarded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forwarded++
}

func (m *fakeMetrics) IncDelivered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered++
}

func (m *fakeMetrics) SetPendingReassemblies(int) {}

// readResponse waits briefly for one response on conn.
func readResponse(t *testing.T, conn *transporttest.Conn, wait time.Duration) (transport.Packet, bool) {
	t.Helper()
	buf := make([]byte, 2048)
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		return nil, false
	}
	p, err := transport.DecodeResponse(buf[:n])
	if err != nil {
		t.Fatalf("relay sent undecodable response: %v", err)
	}
	return p, true
}

func TestInquiryRepliesWithFeedOrSentinel(t *testing.T) {
	network := transporttest.NewNetwork()
	terminal := network.Listen("terminal")
	feed := NewPositionFeed()
	r := New(3, network.Listen("sat-3"), core.NewTopologyManager(), mapDirectory{}, WithFeed(feed))
	ctx := context.Background()

	r.HandleDatagram(ctx, terminal.LocalAddr(), transport.Encode(transport.Inquiry{Sender: 100}))
	p, ok := readResponse(t, terminal, 100*time.Millisecond)
	if !ok || p.(transport.PositionReply).Available() {
		t.Fatalf("reply before first publish = %+v, want sentinel", p)
	}

	feed.Publish(samplePosition)
	r.HandleDatagram(ctx, terminal.LocalAddr(), transport.Encode(transport.Inquiry{Sender: 100}))
	p, ok = readResponse(t, terminal, 100*time.Millisecond)
	reply, _ := p.(transport.PositionReply)
	if !ok || reply.Satellite != 3 || reply.Position != samplePosition {
		t.Fatalf("reply = %+v, want satellite 3 at %+v", p, samplePosition)
	}
}

func TestInquiryFallsBackToTopologyPosition(t *testing.T) {
	network := transporttest.NewNetwork()
	terminal := network.Listen("terminal")
	tm := core.NewTopologyManager()
	tm.UpdatePosition(3, samplePosition)
	r := New(3, network.Listen("sat-3"), tm, mapDirectory{})

	r.HandleDatagram(context.Background(), terminal.LocalAddr(), transport.Encode(transport.Inquiry{Sender: 1}))
	p, ok := readResponse(t, terminal, 100*time.Millisecond)
	if !ok || p.(transport.PositionReply).Position != samplePosition {
		t.Fatalf("reply = %+v, want topology position", p)
	}
}

func TestCorruptDatagramGetsNoReply(t *testing.T) {
	network := transporttest.NewNetwork()
	terminal := network.Listen("terminal")
	metrics := newFakeMetrics()
	hub := events.NewHub()
	delivered := 0
	r := New(1, network.Listen("sat-1"), core.NewTopologyManager(), mapDirectory{},
		WithMetrics(metrics),
		WithEvents(hub),
		WithDeliveryHandler(func(uint32, []byte) { delivered++ }),
	)

	pkt := transport.Encode(transport.Data{Sender: 1, Seq: 0, Total: 1, Payload: []byte("hi")})
	for bit := 0; bit < len(pkt)*8; bit++ {
		b := append([]byte(nil), pkt...)
		b[bit/8] ^= 1 << (bit % 8)
		r.HandleDatagram(context.Background(), terminal.LocalAddr(), b)
	}

	if p, ok := readResponse(t, terminal, 50*time.Millisecond); ok {
		t.Fatalf("relay replied to corrupt datagram: %+v", p)
	}
	if delivered != 0 || len(r.Pending()) != 0 {
		t.Fatalf("corrupt data reached reassembly: delivered=%d pending=%v", delivered, r.Pending())
	}
	if got := metrics.dropped[DropChecksum]; got != len(pkt)*8 {
		t.Fatalf("checksum drops = %d, want %d", got, len(pkt)*8)
	}
	if recent := hub.Recent(); len(recent) == 0 || recent[0].Type != events.TypeDrop {
		t.Fatalf("expected drop events, got %+v", recent)
	}
}

func TestStrayAckIsIgnoredQuietly(t *testing.T) {
	network := transporttest.NewNetwork()
	peer := network.Listen("sat-2")
	metrics := newFakeMetrics()
	r := New(1, network.Listen("sat-1"), core.NewTopologyManager(), mapDirectory{}, WithMetrics(metrics))

	r.HandleDatagram(context.Background(), peer.LocalAddr(), transport.Encode(transport.Ack{Relay: 2, Seq: 0}))
	if _, ok := readResponse(t, peer, 50*time.Millisecond); ok {
		t.Fatalf("relay answered a stray ack")
	}
	if metrics.dropped[DropStrayResponse] != 1 {
		t.Fatalf("dropped = %v, want one stray_response", metrics.dropped)
	}
}

// twoSatelliteChain wires satellites 1 (X) and 2 (Y) 5° apart so that X's
// only route toward id 2 is the direct ISL.
func twoSatelliteChain(t *testing.T, network *transporttest.Network, cfg Config) (x, y *Relay, yDelivered <-chan string, xMetrics *fakeMetrics) {
	t.Helper()
	tm := core.NewTopologyManager()
	tm.UpdatePosition(1, model.GeoPosition{Latitude: 0, Longitude: 0})
	tm.UpdatePosition(2, model.GeoPosition{Latitude: 0, Longitude: 5})
	dir := mapDirectory{1: "sat-1", 2: "sat-2"}

	out := make(chan string, 4)
	xMetrics = newFakeMetrics()
	x = New(1, network.Listen("sat-1"), tm, dir, WithConfig(cfg), WithMetrics(xMetrics),
		WithDeliveryHandler(func(_ uint32, p []byte) { out <- "x:" + string(p) }))
	y = New(2, network.Listen("sat-2"), tm, dir, WithConfig(cfg),
		WithDeliveryHandler(func(_ uint32, p []byte) { out <- "y:" + string(p) }))
	return x, y, out, xMetrics
}

func serve(ctx context.Context, t *testing.T, relays ...*Relay) *sync.WaitGroup {
	t.Helper()
	var wg sync.WaitGroup
	for _, r := range relays {
		wg.Add(1)
		go func(r *Relay) {
			defer wg.Done()
			if err := r.Serve(ctx); err != nil {
				t.Errorf("relay %d Serve: %v", r.ID(), err)
			}
		}(r)
	}
	return &wg
}

func sendHelloWorld(ctx context.Context, t *testing.T, network *transporttest.Network, origin uint32) transport.Result {
	t.Helper()
	cfg := transport.DefaultSenderConfig()
	cfg.ChunkSize = 4
	cfg.Timeout = 200 * time.Millisecond
	s := transport.NewReliableSender(network.Listen("terminal"), origin, cfg)
	res, err := s.Send(ctx, transporttest.Addr("sat-1"), []byte("hello world"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	return res
}

func TestEndToEndForwardThenReassemble(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := transporttest.NewNetwork()
	x, y, delivered, xMetrics := twoSatelliteChain(t, network, DefaultConfig())
	wg := serve(ctx, t, x, y)
	defer wg.Wait()
	defer cancel()

	// The terminal's origin id is Y's id: X routes toward 2, Y has no next
	// hop toward itself and delivers.
	res := sendHelloWorld(ctx, t, network, 2)
	if !res.Delivered() || res.Chunks != 3 {
		t.Fatalf("Result = %+v, want 3 hop-local acks", res)
	}

	select {
	case got := <-delivered:
		if got != "y:hello world" {
			t.Fatalf("delivery = %q, want y:hello world", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Y never reassembled the message")
	}
	select {
	case extra := <-delivered:
		t.Fatalf("unexpected second delivery %q", extra)
	case <-time.After(50 * time.Millisecond):
	}

	if len(x.Pending()) != 0 {
		t.Fatalf("X staged chunks while forwarding: %v", x.Pending())
	}
	xMetrics.mu.Lock()
	defer xMetrics.mu.Unlock()
	if xMetrics.forwarded != 3 || xMetrics.delivered != 0 {
		t.Fatalf("X forwarded=%d delivered=%d, want 3 and 0", xMetrics.forwarded, xMetrics.delivered)
	}
}

func TestZeroRelayHopsDeliversDirectly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := transporttest.NewNetwork()
	cfg := DefaultConfig()
	cfg.MaxRelayHops = 0
	x, y, delivered, _ := twoSatelliteChain(t, network, cfg)
	wg := serve(ctx, t, x, y)
	defer wg.Wait()
	defer cancel()

	sendHelloWorld(ctx, t, network, 2)
	select {
	case got := <-delivered:
		if got != "x:hello world" {
			t.Fatalf("delivery = %q, want x:hello world", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("X never reassembled the message")
	}
}

func TestUnresolvableNextHopDeliversLocally(t *testing.T) {
	network := transporttest.NewNetwork()
	terminal := network.Listen("terminal")
	tm := core.NewTopologyManager()
	tm.UpdatePosition(1, model.GeoPosition{Latitude: 0, Longitude: 0})
	tm.UpdatePosition(2, model.GeoPosition{Latitude: 0, Longitude: 5})

	var got []byte
	r := New(1, network.Listen("sat-1"), tm, mapDirectory{},
		WithDeliveryHandler(func(_ uint32, p []byte) { got = p }))

	r.HandleDatagram(context.Background(), terminal.LocalAddr(),
		transport.Encode(transport.Data{Sender: 2, Seq: 0, Total: 1, Payload: []byte("solo")}))
	if string(got) != "solo" {
		t.Fatalf("delivered %q, want solo", got)
	}
	p, ok := readResponse(t, terminal, 100*time.Millisecond)
	if !ok || p != (transport.Ack{Relay: 1, Seq: 0}) {
		t.Fatalf("ack = %+v, want relay 1 seq 0", p)
	}
}

func TestRetransmittedChunkAckedButDeliveredOnce(t *testing.T) {
	network := transporttest.NewNetwork()
	terminal := network.Listen("terminal")
	metrics := newFakeMetrics()
	delivered := 0
	r := New(1, network.Listen("sat-1"), core.NewTopologyManager(), mapDirectory{},
		WithMetrics(metrics),
		WithDeliveryHandler(func(uint32, []byte) { delivered++ }))

	pkt := transport.Encode(transport.Data{Sender: 7, Seq: 0, Total: 1, Payload: []byte("hi")})
	for attempt := range 2 {
		r.HandleDatagram(context.Background(), terminal.LocalAddr(), pkt)
		p, ok := readResponse(t, terminal, 100*time.Millisecond)
		if !ok || p != (transport.Ack{Relay: 1, Seq: 0}) {
			t.Fatalf("attempt %d ack = %+v, want relay 1 seq 0", attempt, p)
		}
	}
	if delivered != 1 || metrics.delivered != 1 {
		t.Fatalf("delivered = %d (metrics %d), want 1", delivered, metrics.delivered)
	}
	if len(r.Pending()) != 0 {
		t.Fatalf("retransmission staged: %v", r.Pending())
	}
}

func TestDuplicateWindowDefaultsWhenUnset(t *testing.T) {
	r := New(1, transporttest.NewNetwork().Listen("sat-1"), core.NewTopologyManager(), mapDirectory{},
		WithConfig(Config{MaxRelayHops: 3}))
	if r.buffer.window != DefaultDuplicateWindow {
		t.Fatalf("window = %v, want %v", r.buffer.window, DefaultDuplicateWindow)
	}
	r = New(1, transporttest.NewNetwork().Listen("sat-1"), core.NewTopologyManager(), mapDirectory{},
		WithConfig(Config{DuplicateWindow: time.Minute}))
	if r.buffer.window != time.Minute {
		t.Fatalf("window = %v, want 1m", r.buffer.window)
	}
}
