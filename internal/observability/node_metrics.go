package observability

import "time"

// RelayMetrics records metrics for one satellite relay.
type RelayMetrics struct {
	c         *Collector
	satellite string
}

// Relay returns the metrics view for satellite id.
func (c *Collector) Relay(id int) *RelayMetrics {
	if c == nil {
		return nil
	}
	return &RelayMetrics{c: c, satellite: label(id)}
}

func (m *RelayMetrics) IncReceived(kind string) {
	if m == nil {
		return
	}
	m.c.RelayPackets.WithLabelValues(m.satellite, kind).Inc()
}

func (m *RelayMetrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.c.RelayDrops.WithLabelValues(m.satellite, reason).Inc()
}

func (m *RelayMetrics) IncForwarded() {
	if m == nil {
		return
	}
	m.c.RelayForwarded.WithLabelValues(m.satellite).Inc()
}

func (m *RelayMetrics) IncDelivered() {
	if m == nil {
		return
	}
	m.c.RelayDelivered.WithLabelValues(m.satellite).Inc()
}

func (m *RelayMetrics) SetPendingReassemblies(n int) {
	if m == nil {
		return
	}
	m.c.RelayReassemblies.WithLabelValues(m.satellite).Set(float64(n))
}

// SenderMetrics records metrics for one terminal's reliable sender.
type SenderMetrics struct {
	c        *Collector
	terminal string
}

// Sender returns the metrics view for the sender owned by terminal id.
func (c *Collector) Sender(id int) *SenderMetrics {
	if c == nil {
		return nil
	}
	return &SenderMetrics{c: c, terminal: label(id)}
}

func (m *SenderMetrics) IncChunk(outcome string) {
	if m == nil {
		return
	}
	m.c.SenderChunks.WithLabelValues(m.terminal, outcome).Inc()
}

func (m *SenderMetrics) IncRetry() {
	if m == nil {
		return
	}
	m.c.SenderRetries.WithLabelValues(m.terminal).Inc()
}

func (m *SenderMetrics) IncDiscarded(reason string) {
	if m == nil {
		return
	}
	m.c.SenderDiscarded.WithLabelValues(m.terminal, reason).Inc()
}

func (m *SenderMetrics) ObserveRTT(d time.Duration) {
	if m == nil {
		return
	}
	m.c.SenderRTT.WithLabelValues(m.terminal).Observe(d.Seconds())
}

func (m *SenderMetrics) AddBytesSent(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.c.SenderBytes.WithLabelValues(m.terminal).Add(float64(n))
}

// TerminalMetrics records metrics for one ground terminal.
type TerminalMetrics struct {
	c        *Collector
	terminal string
}

// Terminal returns the metrics view for terminal id.
func (c *Collector) Terminal(id int) *TerminalMetrics {
	if c == nil {
		return nil
	}
	return &TerminalMetrics{c: c, terminal: label(id)}
}

func (m *TerminalMetrics) IncHandover() {
	if m == nil {
		return
	}
	m.c.TerminalHandovers.WithLabelValues(m.terminal).Inc()
}

// SetServingSatellite records the serving satellite; pass -1 for none.
func (m *TerminalMetrics) SetServingSatellite(id int) {
	if m == nil {
		return
	}
	m.c.TerminalServing.WithLabelValues(m.terminal).Set(float64(id))
}

func (m *TerminalMetrics) ObserveSession(d time.Duration) {
	if m == nil {
		return
	}
	m.c.TerminalSessionTime.WithLabelValues(m.terminal).Observe(d.Seconds())
}
