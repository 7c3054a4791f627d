package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestRelayMetricsAreLabeledBySatellite(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	r1, r2 := collector.Relay(1), collector.Relay(2)
	r1.IncReceived("data")
	r1.IncReceived("data")
	r2.IncReceived("inquiry")
	r1.IncDropped("checksum")
	r2.IncForwarded()
	r2.IncDelivered()
	r1.SetPendingReassemblies(4)

	if got := testutil.ToFloat64(collector.RelayPackets.WithLabelValues("1", "data")); got != 2 {
		t.Fatalf("relay_datagrams_received_total{1,data} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.RelayPackets.WithLabelValues("2", "inquiry")); got != 1 {
		t.Fatalf("relay_datagrams_received_total{2,inquiry} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.RelayDrops.WithLabelValues("1", "checksum")); got != 1 {
		t.Fatalf("relay_datagrams_dropped_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.RelayForwarded.WithLabelValues("2")); got != 1 {
		t.Fatalf("relay_chunks_forwarded_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.RelayDelivered.WithLabelValues("2")); got != 1 {
		t.Fatalf("relay_messages_delivered_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.RelayReassemblies.WithLabelValues("1")); got != 4 {
		t.Fatalf("relay_pending_reassemblies = %v, want 4", got)
	}
}

func TestSenderMetricsRecordRTT(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	s := collector.Sender(7)
	s.IncChunk("acked")
	s.IncChunk("lost")
	s.IncRetry()
	s.IncDiscarded("corrupt")
	s.AddBytesSent(120)
	s.AddBytesSent(-5)
	s.ObserveRTT(3 * time.Millisecond)
	s.ObserveRTT(7 * time.Millisecond)

	if got := testutil.ToFloat64(collector.SenderChunks.WithLabelValues("7", "acked")); got != 1 {
		t.Fatalf("sender_chunks_total{acked} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.SenderRetries.WithLabelValues("7")); got != 1 {
		t.Fatalf("sender_retries_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.SenderBytes.WithLabelValues("7")); got != 120 {
		t.Fatalf("sender_bytes_sent_total = %v, want 120", got)
	}
	if count := histogramSampleCount(t, reg, "sender_ack_rtt_seconds", map[string]string{"terminal": "7"}); count != 2 {
		t.Fatalf("sender_ack_rtt_seconds sample_count = %d, want 2", count)
	}
}

func TestTopologyAndTerminalMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	collector.ObserveRecompute(2 * time.Millisecond)
	collector.SetTopologyCounts(5, 4)
	term := collector.Terminal(1)
	term.IncHandover()
	term.SetServingSatellite(3)
	term.ObserveSession(10 * time.Second)

	if got := testutil.ToFloat64(collector.TopologySatellites); got != 5 {
		t.Fatalf("topology_satellites = %v, want 5", got)
	}
	if got := testutil.ToFloat64(collector.TopologyLinks); got != 4 {
		t.Fatalf("topology_isl_links = %v, want 4", got)
	}
	if got := testutil.ToFloat64(collector.TerminalServing.WithLabelValues("1")); got != 3 {
		t.Fatalf("terminal_serving_satellite = %v, want 3", got)
	}
	if got := testutil.ToFloat64(collector.TerminalHandovers.WithLabelValues("1")); got != 1 {
		t.Fatalf("terminal_handovers_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "terminal_session_duration_seconds", map[string]string{"terminal": "1"}); count != 1 {
		t.Fatalf("terminal_session_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestNewCollectorReusesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	second, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("second NewCollector: %v", err)
	}

	first.Relay(1).IncForwarded()
	second.Relay(1).IncForwarded()
	if got := testutil.ToFloat64(first.RelayForwarded.WithLabelValues("1")); got != 2 {
		t.Fatalf("shared relay_chunks_forwarded_total = %v, want 2", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.ObserveRecompute(time.Millisecond)
	c.SetTopologyCounts(1, 1)
	c.Relay(1).IncDropped("checksum")
	c.Sender(1).IncRetry()
	c.Terminal(1).IncHandover()
	if c.Gatherer() != nil {
		t.Fatalf("nil collector should have nil gatherer")
	}
}

func TestMetricsHandlerExposesTopologyGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	collector.SetTopologyCounts(3, 2)
	collector.Relay(1).IncReceived("data")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"topology_satellites 3",
		"topology_isl_links 2",
		`relay_datagrams_received_total{kind="data",satellite="1"} 1`,
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output:\n%s", metric, body)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
