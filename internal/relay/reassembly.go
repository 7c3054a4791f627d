package relay

import (
	"hash/crc32"
	"sync"
	"time"
)

// DefaultDuplicateWindow is how long a completed message is remembered so
// that retransmissions of its chunks are acked without being staged again.
const DefaultDuplicateWindow = 5 * time.Second

type partial struct {
	total   uint32
	chunks  map[uint32][]byte
	updated time.Time
}

// completed fingerprints the last message delivered for an origin.
type completed struct {
	total uint32
	sums  []uint32
	at    time.Time
}

func (c *completed) matches(seq, total uint32, chunk []byte) bool {
	return c.total == total && c.sums[seq] == crc32.ChecksumIEEE(chunk)
}

// ReassemblyBuffer stages chunks per origin until every sequence number of a
// message is present. Duplicate chunks are ignored, including retransmissions
// that arrive after their message was delivered.
type ReassemblyBuffer struct {
	mu      sync.Mutex
	pending map[uint32]*partial
	done    map[uint32]*completed
	window  time.Duration
	now     func() time.Time
}

// NewReassemblyBuffer returns an empty buffer.
func NewReassemblyBuffer() *ReassemblyBuffer {
	return &ReassemblyBuffer{
		pending: make(map[uint32]*partial),
		done:    make(map[uint32]*completed),
		window:  DefaultDuplicateWindow,
		now:     time.Now,
	}
}

// Add stores one chunk. When it completes the message, Add returns the
// payload in sequence order and clears the origin's entry. A chunk whose
// total disagrees with the staged one starts a new message.
//
// Within the duplicate window after a delivery, a chunk identical to the one
// delivered at the same position is a retransmission and is not staged.
// Chunk 0 of a multi-chunk message always starts a new message, since a
// stop-and-wait sender only sends it again for a fresh payload.
func (b *ReassemblyBuffer) Add(origin, seq, total uint32, chunk []byte) ([]byte, bool) {
	if total == 0 || seq >= total {
		return nil, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	p, ok := b.pending[origin]
	if !ok && b.isRetransmission(origin, seq, total, chunk, now) {
		return nil, false
	}
	if !ok || p.total != total {
		p = &partial{total: total, chunks: make(map[uint32][]byte, total)}
		b.pending[origin] = p
		delete(b.done, origin)
	}
	p.updated = now
	if _, dup := p.chunks[seq]; !dup {
		p.chunks[seq] = append([]byte(nil), chunk...)
	}
	if uint32(len(p.chunks)) < p.total {
		return nil, false
	}

	size := 0
	for _, c := range p.chunks {
		size += len(c)
	}
	payload := make([]byte, 0, size)
	rec := &completed{total: p.total, sums: make([]uint32, p.total), at: now}
	for i := range p.total {
		payload = append(payload, p.chunks[i]...)
		rec.sums[i] = crc32.ChecksumIEEE(p.chunks[i])
	}
	delete(b.pending, origin)
	b.done[origin] = rec
	return payload, true
}

// isRetransmission reports whether chunk repeats the origin's last delivered
// message. Caller must hold mu.
func (b *ReassemblyBuffer) isRetransmission(origin, seq, total uint32, chunk []byte, now time.Time) bool {
	rec, ok := b.done[origin]
	if !ok {
		return false
	}
	if b.window <= 0 || now.Sub(rec.at) > b.window {
		delete(b.done, origin)
		return false
	}
	if seq == 0 && total > 1 {
		return false
	}
	return rec.matches(seq, total, chunk)
}

// Pending returns, per origin, how many distinct chunks are staged.
func (b *ReassemblyBuffer) Pending() map[uint32]int {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[uint32]int, len(b.pending))
	for origin, p := range b.pending {
		out[origin] = len(p.chunks)
	}
	return out
}

// Sweep drops partial messages untouched for longer than ttl and returns
// the affected origins. Expired delivery records are dropped too.
func (b *ReassemblyBuffer) Sweep(ttl time.Duration) []uint32 {
	if ttl <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	cutoff := now.Add(-ttl)
	var dropped []uint32
	for origin, p := range b.pending {
		if p.updated.Before(cutoff) {
			delete(b.pending, origin)
			dropped = append(dropped, origin)
		}
	}
	for origin, rec := range b.done {
		if now.Sub(rec.at) > b.window {
			delete(b.done, origin)
		}
	}
	return dropped
}
