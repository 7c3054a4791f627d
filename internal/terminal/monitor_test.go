package terminal

import (
	"math"
	"testing"
	"time"
)

func TestLinkMonitorKeepsWindow(t *testing.T) {
	m := NewLinkMonitor(3)
	for i := 0; i < 5; i++ {
		m.Record(LinkSample{Satellite: i, Latency: time.Duration(i) * time.Millisecond})
	}
	got := m.Samples()
	if len(got) != 3 {
		t.Fatalf("len(Samples) = %d, want 3", len(got))
	}
	if got[0].Satellite != 2 || got[2].Satellite != 4 {
		t.Fatalf("window = %+v, want satellites 2..4", got)
	}
	if avg := m.Averages(); avg.Latency != 3*time.Millisecond {
		t.Fatalf("average latency = %v, want 3ms", avg.Latency)
	}
}

func TestLinkMonitorObserveDerivesEstimates(t *testing.T) {
	m := NewLinkMonitor(0)
	s := m.Observe(time.Now(), 1, 550, 0)
	if math.Abs(s.LossProbability-0.02) > 1e-9 {
		t.Fatalf("loss at 550 km = %v, want 0.02", s.LossProbability)
	}
	want := time.Duration(550 / 299792.458 * float64(time.Second))
	if s.Latency != want {
		t.Fatalf("latency = %v, want %v", s.Latency, want)
	}

	m.Observe(time.Now(), 1, 550, 4*time.Millisecond)
	avg := m.Averages()
	if avg.Samples != 2 || avg.RTT != 4*time.Millisecond {
		t.Fatalf("averages = %+v, want 2 samples with 4ms rtt", avg)
	}
}

func TestLinkMonitorEmpty(t *testing.T) {
	if avg := NewLinkMonitor(10).Averages(); avg.Samples != 0 || avg.RTT != 0 {
		t.Fatalf("empty averages = %+v", avg)
	}
}
