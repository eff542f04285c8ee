package transport

import (
	"crypto/tls"

	"github.com/qnet-io/quince/internal/telemetry"
)

// Config carries everything newConn needs to start a handshake: the
// version to speak, the transport parameters to advertise, and the TLS
// configuration used to derive connection secrets.
type Config struct {
	Version uint32
	Params  Parameters
	TLS     *tls.Config

	// Metrics, if non-nil, receives per-packet and congestion-control
	// telemetry from every Conn created with this Config. A nil Metrics
	// (the zero value) disables telemetry entirely.
	Metrics *telemetry.Metrics
}

// NewConfig returns a Config with RFC 9000 default parameters and the
// only QUIC version this package understands.
func NewConfig() *Config {
	return &Config{
		Version: quicVersion1,
		Params:  NewParameters(),
	}
}
