package core

import (
	"math"
	"testing"
	"time"
)

func TestPropagationDelay(t *testing.T) {
	if got := PropagationDelay(0); got != 0 {
		t.Fatalf("PropagationDelay(0) = %v, want 0", got)
	}
	got := PropagationDelay(SpeedOfLightKmPerSec)
	if got != time.Second {
		t.Fatalf("PropagationDelay(c) = %v, want 1s", got)
	}
	if d := PropagationDelay(550); d < 1834*time.Microsecond || d > 1835*time.Microsecond {
		t.Fatalf("PropagationDelay(550) = %v, want ~1.83ms", d)
	}
}

func TestGroundLinkLossProbability(t *testing.T) {
	if got := GroundLinkLossProbability(550); math.Abs(got-0.02) > 1e-12 {
		t.Fatalf("loss at 550 km = %v, want 0.02", got)
	}
	if got := GroundLinkLossProbability(1550); math.Abs(got-0.02*math.E) > 1e-12 {
		t.Fatalf("loss at 1550 km = %v, want 0.02e", got)
	}
	if got := GroundLinkLossProbability(100000); got != 1 {
		t.Fatalf("loss far away = %v, want capped at 1", got)
	}
}

func TestLinkEstimateDegradesWithDistance(t *testing.T) {
	near := EstimateLink(Radio{}, 500)
	far := EstimateLink(Radio{}, 5000)
	if near.SNRdB-far.SNRdB < 19.9 || near.SNRdB-far.SNRdB > 20.1 {
		t.Fatalf("SNR drop over 10x distance = %v, want 20 dB", near.SNRdB-far.SNRdB)
	}
	if near.PropagationDelay >= far.PropagationDelay {
		t.Fatalf("delay should grow with distance")
	}
	if near.MaxDataRateMbps < far.MaxDataRateMbps {
		t.Fatalf("rate should not grow with distance")
	}
}

func TestClassifySNR(t *testing.T) {
	tests := []struct {
		snr     float64
		quality LinkQuality
		rate    float64
	}{
		{-3, LinkQualityDown, 0},
		{2, LinkQualityPoor, 10},
		{7, LinkQualityFair, 50},
		{15, LinkQualityGood, 200},
		{30, LinkQualityExcellent, 1000},
	}
	for _, tt := range tests {
		q, rate := ClassifySNR(tt.snr)
		if q != tt.quality || rate != tt.rate {
			t.Fatalf("ClassifySNR(%v) = %v, %v; want %v, %v", tt.snr, q, rate, tt.quality, tt.rate)
		}
	}
}
