// Package events fans out structured status events (deliveries, handovers,
// drops) to any number of subscribers.
package events

import (
	"sync"
	"time"

	"github.com/signalsfoundry/leo-relay-simulator/model"
)

// Type names an event.
type Type string

const (
	TypeDelivery Type = "delivery"
	TypeForward  Type = "forward"
	TypeDrop     Type = "drop"
	TypeHandover Type = "handover"
	TypeTransfer Type = "transfer"
	TypeTopology Type = "topology"
)

// Event is one status update. Data holds one of the payload structs below.
type Event struct {
	Type Type      `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// Delivery reports a message reassembled at a relay.
type Delivery struct {
	Satellite int    `json:"satellite"`
	Origin    uint32 `json:"origin"`
	Bytes     int    `json:"bytes"`
	Payload   string `json:"payload"`
}

// Forward reports a datagram passed on toward another satellite.
type Forward struct {
	Satellite int    `json:"satellite"`
	NextHop   int    `json:"next_hop"`
	Origin    uint32 `json:"origin"`
	Seq       uint32 `json:"seq"`
}

// Drop reports a datagram discarded by a relay.
type Drop struct {
	Satellite int    `json:"satellite"`
	Reason    string `json:"reason"`
	From      string `json:"from"`
}

// Handover reports a terminal switching satellites.
type Handover struct {
	Terminal uint32               `json:"terminal"`
	From     int                  `json:"from"`
	To       int                  `json:"to"`
	Previous model.SessionSummary `json:"previous"`
}

// Transfer reports the outcome of one terminal transmission.
type Transfer struct {
	Terminal  uint32 `json:"terminal"`
	Satellite int    `json:"satellite"`
	Chunks    int    `json:"chunks"`
	Acked     int    `json:"acked"`
	Lost      int    `json:"lost"`
	Retries   int    `json:"retries"`
}

// Topology reports a constellation recompute.
type Topology struct {
	Changed    []int `json:"changed"`
	Satellites int   `json:"satellites"`
}

// Publisher accepts events. A nil *Hub is a valid no-op Publisher.
type Publisher interface {
	Publish(t Type, data any)
}

const historySize = 32

// Hub broadcasts events to subscribers. Slow subscribers miss events rather
// than blocking publishers.
type Hub struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	history []Event
	now     func() time.Time
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event), now: time.Now}
}

// Publish stamps and broadcasts an event.
func (h *Hub) Publish(t Type, data any) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	ev := Event{Type: t, Time: h.now(), Data: data}
	h.history = append(h.history, ev)
	if len(h.history) > historySize {
		h.history = h.history[len(h.history)-historySize:]
	}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of future events and a cancel function that
// closes it.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Recent returns up to the last 32 events, oldest first.
func (h *Hub) Recent() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.history...)
}
