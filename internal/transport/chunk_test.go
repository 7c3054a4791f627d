package transport

import (
	"bytes"
	"errors"
	"testing"
)

func TestSplitHelloWorld(t *testing.T) {
	chunks, err := Split([]byte("hello world"), 4)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	want := []string{"hell", "o wo", "rld"}
	if len(chunks) != len(want) {
		t.Fatalf("len(chunks) = %d, want %d", len(chunks), len(want))
	}
	for i, c := range chunks {
		if string(c) != want[i] {
			t.Fatalf("chunk %d = %q, want %q", i, c, want[i])
		}
	}
}

func TestSplitEdgeCases(t *testing.T) {
	if _, err := Split([]byte("x"), 0); !errors.Is(err, ErrInvalidChunkSize) {
		t.Fatalf("Split size 0 err = %v, want ErrInvalidChunkSize", err)
	}
	chunks, err := Split(nil, 8)
	if err != nil || len(chunks) != 0 {
		t.Fatalf("Split(nil) = %v, %v; want no chunks", chunks, err)
	}
	exact, _ := Split(bytes.Repeat([]byte("a"), 8), 4)
	if len(exact) != 2 {
		t.Fatalf("exact multiple produced %d chunks, want 2", len(exact))
	}
	// Appending to a chunk must not clobber the next one.
	_ = append(exact[0], 'z')
	if exact[1][0] != 'a' {
		t.Fatalf("chunk capacity leaked into neighbor")
	}
}
