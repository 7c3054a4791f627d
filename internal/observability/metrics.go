package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the Prometheus metrics for a simulator process. A single
// process may host many relays and terminals, so per-node metrics carry a
// satellite or terminal label and are handed out through the Relay, Sender
// and Terminal accessors.
type Collector struct {
	gatherer prometheus.Gatherer

	TopologyRecompute  prometheus.Histogram
	TopologySatellites prometheus.Gauge
	TopologyLinks      prometheus.Gauge

	RelayPackets        *prometheus.CounterVec
	RelayDrops          *prometheus.CounterVec
	RelayForwarded      *prometheus.CounterVec
	RelayDelivered      *prometheus.CounterVec
	RelayReassemblies   *prometheus.GaugeVec
	SenderChunks        *prometheus.CounterVec
	SenderRetries       *prometheus.CounterVec
	SenderDiscarded     *prometheus.CounterVec
	SenderRTT           *prometheus.HistogramVec
	SenderBytes         *prometheus.CounterVec
	TerminalHandovers   *prometheus.CounterVec
	TerminalServing     *prometheus.GaugeVec
	TerminalSessionTime *prometheus.HistogramVec
}

// NewCollector registers simulator metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil. Registering twice
// against the same registry reuses the existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	if c.TopologyRecompute, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "topology_recompute_duration_seconds",
		Help:    "Duration of neighbor graph and routing table rebuilds.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
	}), "topology_recompute_duration_seconds"); err != nil {
		return nil, err
	}
	if c.TopologySatellites, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "topology_satellites",
		Help: "Current number of satellites in the constellation.",
	}), "topology_satellites"); err != nil {
		return nil, err
	}
	if c.TopologyLinks, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "topology_isl_links",
		Help: "Current number of undirected inter-satellite links.",
	}), "topology_isl_links"); err != nil {
		return nil, err
	}

	if c.RelayPackets, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_datagrams_received_total",
		Help: "Datagrams accepted by a relay, labeled by packet kind.",
	}, []string{"satellite", "kind"}), "relay_datagrams_received_total"); err != nil {
		return nil, err
	}
	if c.RelayDrops, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_datagrams_dropped_total",
		Help: "Datagrams discarded by a relay, labeled by reason.",
	}, []string{"satellite", "reason"}), "relay_datagrams_dropped_total"); err != nil {
		return nil, err
	}
	if c.RelayForwarded, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_chunks_forwarded_total",
		Help: "Data chunks forwarded over an inter-satellite link.",
	}, []string{"satellite"}), "relay_chunks_forwarded_total"); err != nil {
		return nil, err
	}
	if c.RelayDelivered, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_delivered_total",
		Help: "Messages fully reassembled and delivered locally.",
	}, []string{"satellite"}), "relay_messages_delivered_total"); err != nil {
		return nil, err
	}
	if c.RelayReassemblies, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_pending_reassemblies",
		Help: "Messages with chunks buffered awaiting completion.",
	}, []string{"satellite"}), "relay_pending_reassemblies"); err != nil {
		return nil, err
	}

	if c.SenderChunks, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sender_chunks_total",
		Help: "Chunks transmitted by a reliable sender, labeled by outcome.",
	}, []string{"terminal", "outcome"}), "sender_chunks_total"); err != nil {
		return nil, err
	}
	if c.SenderRetries, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sender_retries_total",
		Help: "Chunk retransmissions after an ack timeout.",
	}, []string{"terminal"}), "sender_retries_total"); err != nil {
		return nil, err
	}
	if c.SenderDiscarded, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sender_responses_discarded_total",
		Help: "Responses ignored while awaiting an ack, labeled by reason.",
	}, []string{"terminal", "reason"}), "sender_responses_discarded_total"); err != nil {
		return nil, err
	}
	if c.SenderRTT, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sender_ack_rtt_seconds",
		Help:    "Round trip time from chunk transmission to matching ack.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"terminal"}), "sender_ack_rtt_seconds"); err != nil {
		return nil, err
	}
	if c.SenderBytes, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sender_bytes_sent_total",
		Help: "Datagram bytes written by a reliable sender, retries included.",
	}, []string{"terminal"}), "sender_bytes_sent_total"); err != nil {
		return nil, err
	}

	if c.TerminalHandovers, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "terminal_handovers_total",
		Help: "Serving satellite changes performed by a ground terminal.",
	}, []string{"terminal"}), "terminal_handovers_total"); err != nil {
		return nil, err
	}
	if c.TerminalServing, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "terminal_serving_satellite",
		Help: "Id of the satellite currently serving a terminal, -1 when none.",
	}, []string{"terminal"}), "terminal_serving_satellite"); err != nil {
		return nil, err
	}
	if c.TerminalSessionTime, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "terminal_session_duration_seconds",
		Help:    "Length of closed satellite sessions.",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"terminal"}), "terminal_session_duration_seconds"); err != nil {
		return nil, err
	}

	return c, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *Collector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	var gatherer prometheus.Gatherer
	if c != nil {
		gatherer = c.gatherer
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveRecompute records one topology rebuild.
func (c *Collector) ObserveRecompute(d time.Duration) {
	if c == nil || c.TopologyRecompute == nil {
		return
	}
	c.TopologyRecompute.Observe(d.Seconds())
}

// SetTopologyCounts updates the constellation size gauges.
func (c *Collector) SetTopologyCounts(satellites, links int) {
	if c == nil {
		return
	}
	if c.TopologySatellites != nil {
		c.TopologySatellites.Set(float64(satellites))
	}
	if c.TopologyLinks != nil {
		c.TopologyLinks.Set(float64(links))
	}
}

func label(id int) string { return strconv.Itoa(id) }

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}
