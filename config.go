package quic

import (
	"crypto/tls"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/qnet-io/quince/internal/telemetry"
	"github.com/qnet-io/quince/transport"
)

// localCIDLength is the length of connection IDs this package generates
// for its own endpoints (Connect's scid, Accept's scid). It must be large
// enough that routing datagrams by DCID does not collide across the
// connections one endpoint juggles.
const localCIDLength = 16

// Config configures a Client or Server: the transport parameters and TLS
// material every connection it creates uses. It embeds *transport.Config
// so callers set TLS/Params/Version exactly as they would against the
// transport package directly; this package only adds what the embedding
// layer needs on top (metrics registration).
type Config struct {
	*transport.Config

	// Registerer, set non-nil, causes NewClient/NewServer to create and
	// register this module's Prometheus metrics on it. Leave nil to
	// disable metrics entirely.
	Registerer prometheus.Registerer
}

// NewConfig returns a Config with RFC 9000 default parameters and a
// minimal non-nil TLS config callers can further customize (server
// certificates, ServerName, InsecureSkipVerify) before dialing or
// listening.
func NewConfig() *Config {
	cfg := &Config{Config: transport.NewConfig()}
	cfg.TLS = defaultTLSConfig()
	return cfg
}

// buildMetrics registers this config's metrics, once, the first time an
// endpoint is started with it.
func (c *Config) buildMetrics() {
	if c.Registerer != nil && c.Config.Metrics == nil {
		c.Config.Metrics = telemetry.New(c.Registerer)
	}
}

// defaultTLSConfig returns a minimal non-nil tls.Config so newConn never
// has to special-case a caller that left TLS unset (e.g. tests against a
// local loopback listener).
func defaultTLSConfig() *tls.Config {
	return &tls.Config{}
}
