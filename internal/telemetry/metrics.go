// Package telemetry defines the Prometheus metrics this module exposes for
// transport-level accounting, following the gauge/counter style used
// throughout the retrieval pack for network telemetry (m-lab-tcp-info's
// metrics package in particular), but registered on a caller-supplied
// prometheus.Registerer rather than the global default registerer, since
// a transport library may be embedded multiple times in one process.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every gauge/counter a Conn or lossRecovery instance
// updates over its lifetime. A nil *Metrics is safe to use: every method
// on it is a no-op, so callers that don't care about metrics (tests, the
// teacher's original call sites) don't need to thread a real one through.
type Metrics struct {
	ConnectionsActive    prometheus.Gauge
	PacketsSentTotal     prometheus.Counter
	PacketsLostTotal     prometheus.Counter
	CwndBytes            prometheus.Gauge
	SRTTSeconds          prometheus.Gauge
	BytesInFlight        prometheus.Gauge
	StreamReassemblyGaps prometheus.Gauge
}

// New creates and registers the module's metrics on reg. Passing nil
// disables metrics entirely (New returns nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quic_connections_active",
			Help: "Number of QUIC connections currently established.",
		}),
		PacketsSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quic_packets_sent_total",
			Help: "Total number of QUIC packets sent.",
		}),
		PacketsLostTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quic_packets_lost_total",
			Help: "Total number of QUIC packets declared lost.",
		}),
		CwndBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quic_cwnd_bytes",
			Help: "Congestion window size in bytes of the most recently updated connection.",
		}),
		SRTTSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quic_srtt_seconds",
			Help: "Smoothed round-trip time of the most recently updated connection, in seconds.",
		}),
		BytesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quic_bytes_in_flight",
			Help: "Bytes currently in flight (sent, ack-eliciting, not yet acked or declared lost).",
		}),
		StreamReassemblyGaps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quic_stream_reassembly_gaps",
			Help: "Number of out-of-order stream fragments currently buffered awaiting in-order placement.",
		}),
	}
	reg.MustRegister(
		m.ConnectionsActive,
		m.PacketsSentTotal,
		m.PacketsLostTotal,
		m.CwndBytes,
		m.SRTTSeconds,
		m.BytesInFlight,
		m.StreamReassemblyGaps,
	)
	return m
}

func (m *Metrics) connAccepted() {
	if m != nil {
		m.ConnectionsActive.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.ConnectionsActive.Dec()
	}
}

func (m *Metrics) packetSent() {
	if m != nil {
		m.PacketsSentTotal.Inc()
	}
}

func (m *Metrics) packetsLost(n int) {
	if m != nil && n > 0 {
		m.PacketsLostTotal.Add(float64(n))
	}
}

func (m *Metrics) congestionUpdated(cwndBytes uint64, bytesInFlight uint64, srttSeconds float64) {
	if m == nil {
		return
	}
	m.CwndBytes.Set(float64(cwndBytes))
	m.BytesInFlight.Set(float64(bytesInFlight))
	m.SRTTSeconds.Set(srttSeconds)
}

func (m *Metrics) reassemblyGaps(n int) {
	if m != nil {
		m.StreamReassemblyGaps.Set(float64(n))
	}
}

// ConnAccepted records that a connection entered the active set.
func (m *Metrics) ConnAccepted() { m.connAccepted() }

// ConnClosed records that a connection left the active set.
func (m *Metrics) ConnClosed() { m.connClosed() }

// PacketSent records one packet transmitted.
func (m *Metrics) PacketSent() { m.packetSent() }

// PacketsLost records n packets declared lost in one loss-detection pass.
func (m *Metrics) PacketsLost(n int) { m.packetsLost(n) }

// CongestionUpdated records the latest congestion-control snapshot.
func (m *Metrics) CongestionUpdated(cwndBytes, bytesInFlight uint64, srttSeconds float64) {
	m.congestionUpdated(cwndBytes, bytesInFlight, srttSeconds)
}

// ReassemblyGaps records the current out-of-order fragment count for a stream.
func (m *Metrics) ReassemblyGaps(n int) { m.reassemblyGaps(n) }
