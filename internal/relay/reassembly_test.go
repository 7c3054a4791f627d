package relay

import (
	"testing"
	"time"
)

func TestReassemblyOutOfOrderWithDuplicates(t *testing.T) {
	b := NewReassemblyBuffer()
	chunks := map[uint32]string{0: "hell", 1: "o wo", 2: "rld"}
	order := []uint32{2, 0, 2, 0}

	for _, seq := range order {
		if payload, done := b.Add(7, seq, 3, []byte(chunks[seq])); done {
			t.Fatalf("completed early with %q after seq %d", payload, seq)
		}
	}
	if got := b.Pending()[7]; got != 2 {
		t.Fatalf("pending chunks = %d, want 2", got)
	}

	payload, done := b.Add(7, 1, 3, []byte(chunks[1]))
	if !done || string(payload) != "hello world" {
		t.Fatalf("Add final = %q, %v; want hello world, true", payload, done)
	}
	if _, ok := b.Pending()[7]; ok {
		t.Fatalf("entry should be cleared after delivery")
	}

	// Retransmissions after delivery are neither staged nor delivered again.
	for _, seq := range []uint32{2, 1, 2} {
		if payload, done := b.Add(7, seq, 3, []byte(chunks[seq])); done {
			t.Fatalf("late duplicate of seq %d delivered %q", seq, payload)
		}
	}
	if _, ok := b.Pending()[7]; ok {
		t.Fatalf("late duplicates staged: %v", b.Pending())
	}

	// The next message from the same origin is assembled from its own chunks.
	next := []string{"good", "bye ", "now"}
	for i, c := range next {
		payload, done := b.Add(7, uint32(i), 3, []byte(c))
		if i < len(next)-1 {
			if done {
				t.Fatalf("completed early with %q after seq %d", payload, i)
			}
			continue
		}
		if !done || string(payload) != "goodbye now" {
			t.Fatalf("next message = %q, %v; want goodbye now, true", payload, done)
		}
	}
}

func TestReassemblySingleChunkDeliveredOnce(t *testing.T) {
	now := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	b := NewReassemblyBuffer()
	b.now = func() time.Time { return now }

	if p, done := b.Add(7, 0, 1, []byte("hi")); !done || string(p) != "hi" {
		t.Fatalf("first Add = %q, %v; want hi, true", p, done)
	}
	if p, done := b.Add(7, 0, 1, []byte("hi")); done {
		t.Fatalf("retransmission delivered %q again", p)
	}
	if p, done := b.Add(7, 0, 1, []byte("yo")); !done || string(p) != "yo" {
		t.Fatalf("different payload = %q, %v; want yo, true", p, done)
	}

	now = now.Add(DefaultDuplicateWindow + time.Second)
	if p, done := b.Add(7, 0, 1, []byte("yo")); !done || string(p) != "yo" {
		t.Fatalf("repeat after the window = %q, %v; want yo, true", p, done)
	}
}

func TestReassemblySharedPrefixStartsNewMessage(t *testing.T) {
	b := NewReassemblyBuffer()
	for i, c := range []string{"hell", "o wo", "rld"} {
		b.Add(9, uint32(i), 3, []byte(c))
	}

	var payload []byte
	var done bool
	for i, c := range []string{"hell", "o th", "ere"} {
		payload, done = b.Add(9, uint32(i), 3, []byte(c))
	}
	if !done || string(payload) != "hello there" {
		t.Fatalf("second message = %q, %v; want hello there, true", payload, done)
	}

	// An identical resend is a new message too, since it restarts at chunk 0.
	for i, c := range []string{"hell", "o th", "ere"} {
		payload, done = b.Add(9, uint32(i), 3, []byte(c))
	}
	if !done || string(payload) != "hello there" {
		t.Fatalf("identical resend = %q, %v; want hello there, true", payload, done)
	}
}

func TestReassemblyKeepsOriginsApart(t *testing.T) {
	b := NewReassemblyBuffer()
	b.Add(1, 0, 2, []byte("ab"))
	b.Add(2, 1, 2, []byte("YZ"))

	if p, done := b.Add(1, 1, 2, []byte("cd")); !done || string(p) != "abcd" {
		t.Fatalf("origin 1 = %q, %v", p, done)
	}
	if p, done := b.Add(2, 0, 2, []byte("WX")); !done || string(p) != "WXYZ" {
		t.Fatalf("origin 2 = %q, %v", p, done)
	}
}

func TestReassemblyTotalChangeRestarts(t *testing.T) {
	b := NewReassemblyBuffer()
	b.Add(1, 0, 3, []byte("old"))
	if p, done := b.Add(1, 0, 1, []byte("new")); !done || string(p) != "new" {
		t.Fatalf("single-chunk message = %q, %v", p, done)
	}
	if _, done := b.Add(1, 5, 3, []byte("x")); done {
		t.Fatalf("out-of-range seq accepted")
	}
}

func TestReassemblySweep(t *testing.T) {
	now := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	b := NewReassemblyBuffer()
	b.now = func() time.Time { return now }

	b.Add(1, 0, 2, []byte("a"))
	now = now.Add(time.Minute)
	b.Add(2, 0, 2, []byte("b"))

	if got := b.Sweep(0); got != nil {
		t.Fatalf("Sweep(0) = %v, want disabled", got)
	}
	got := b.Sweep(30 * time.Second)
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("Sweep = %v, want [1]", got)
	}
	if _, ok := b.Pending()[2]; !ok {
		t.Fatalf("fresh entry should survive sweep")
	}
}

func TestPositionFeed(t *testing.T) {
	f := NewPositionFeed()
	if pos, ok := f.Latest(); ok || pos.Available() {
		t.Fatalf("empty feed = %+v, %v; want sentinel", pos, ok)
	}
	f.Publish(samplePosition)
	if pos, ok := f.Latest(); !ok || pos != samplePosition {
		t.Fatalf("Latest = %+v, %v", pos, ok)
	}
}
