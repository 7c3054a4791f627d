package terminal

import (
	"sync"
	"time"

	"github.com/signalsfoundry/leo-relay-simulator/core"
)

// DefaultMonitorWindow is the number of samples a LinkMonitor keeps.
const DefaultMonitorWindow = 10

// LinkSample is one observation of the terminal's uplink.
type LinkSample struct {
	Time            time.Time     `json:"time"`
	Satellite       int           `json:"satellite"`
	DistanceKm      float64       `json:"distance_km"`
	Latency         time.Duration `json:"latency"`
	LossProbability float64       `json:"loss_probability"`
	RTT             time.Duration `json:"rtt"`
}

// LinkAverages are the means over a LinkMonitor's window.
type LinkAverages struct {
	Samples         int           `json:"samples"`
	Latency         time.Duration `json:"latency"`
	LossProbability float64       `json:"loss_probability"`
	RTT             time.Duration `json:"rtt"`
}

// LinkMonitor keeps a sliding window of uplink samples.
type LinkMonitor struct {
	mu      sync.Mutex
	window  int
	samples []LinkSample
}

// NewLinkMonitor returns a monitor keeping the last window samples.
func NewLinkMonitor(window int) *LinkMonitor {
	if window <= 0 {
		window = DefaultMonitorWindow
	}
	return &LinkMonitor{window: window}
}

// Observe records a sample for a link of slant range distanceKm, deriving
// the propagation latency and loss estimate from the distance.
func (m *LinkMonitor) Observe(now time.Time, satellite int, distanceKm float64, rtt time.Duration) LinkSample {
	s := LinkSample{
		Time:            now,
		Satellite:       satellite,
		DistanceKm:      distanceKm,
		Latency:         core.PropagationDelay(distanceKm),
		LossProbability: core.GroundLinkLossProbability(distanceKm),
		RTT:             rtt,
	}
	m.Record(s)
	return s
}

// Record appends s, evicting the oldest sample when the window is full.
func (m *LinkMonitor) Record(s LinkSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
	if over := len(m.samples) - m.window; over > 0 {
		m.samples = append(m.samples[:0], m.samples[over:]...)
	}
}

// Samples returns the window oldest first.
func (m *LinkMonitor) Samples() []LinkSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LinkSample(nil), m.samples...)
}

// Averages returns the window means. RTT averages only samples that have one.
func (m *LinkMonitor) Averages() LinkAverages {
	m.mu.Lock()
	defer m.mu.Unlock()

	var avg LinkAverages
	if len(m.samples) == 0 {
		return avg
	}
	var latency, rtt time.Duration
	var loss float64
	rttSamples := 0
	for _, s := range m.samples {
		latency += s.Latency
		loss += s.LossProbability
		if s.RTT > 0 {
			rtt += s.RTT
			rttSamples++
		}
	}
	n := len(m.samples)
	avg.Samples = n
	avg.Latency = latency / time.Duration(n)
	avg.LossProbability = loss / float64(n)
	if rttSamples > 0 {
		avg.RTT = rtt / time.Duration(rttSamples)
	}
	return avg
}
