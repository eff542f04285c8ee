package transport

import (
	"crypto/tls"
	"io"
)

// handshakeStage tracks which encryption level the (stubbed) handshake
// has reached.
type handshakeStage uint8

const (
	handshakeInitial handshakeStage = iota
	handshakeKeysReady
	handshakeDone
)

// tlsHandshake drives key derivation and transport-parameter exchange
// for a Conn. The real QUIC handshake is carried out by a TLS 1.3 engine
// that owns the CRYPTO stream contents (RFC 9001); that engine is an
// external collaborator this package does not implement. What remains in
// scope, and what this type implements, is the transport side of that
// boundary: exchanging the transport
// parameters extension over the CRYPTO stream (RFC 9000 §7.3-7.4) and
// installing packet protection for each epoch as it becomes ready.
//
// Since no real TLS engine is wired in, Handshake and Application level
// keys are a deterministic nullAEAD stub (see initial_secrets.go); only
// the Initial epoch, whose secrets are derived from the destination
// connection ID alone (RFC 9001 §5.2), gets real AEAD protection.
type tlsHandshake struct {
	conn      *Conn
	tlsConfig *tls.Config

	localParams *Parameters
	peerParams  Parameters
	havePeer    bool
	sentLocal   bool

	stage handshakeStage
}

func (h *tlsHandshake) init(conn *Conn, tlsConfig *tls.Config) {
	h.conn = conn
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	}
	h.tlsConfig = tlsConfig
	h.stage = handshakeInitial
}

func (h *tlsHandshake) setTransportParams(p *Parameters) {
	h.localParams = p
}

// reset discards handshake progress, e.g. after a Retry or Version
// Negotiation forces the client to restart the Initial exchange.
func (h *tlsHandshake) reset() {
	conn, tlsConfig, localParams := h.conn, h.tlsConfig, h.localParams
	*h = tlsHandshake{conn: conn, tlsConfig: tlsConfig, localParams: localParams}
}

// doHandshake advances the transport-parameter exchange: it queues our
// parameters onto the Initial CRYPTO stream once, drains whatever the
// peer has sent so far, and installs Handshake/Application protection
// once both directions have been observed.
func (h *tlsHandshake) doHandshake() error {
	cs := &h.conn.packetNumberSpaces[packetSpaceInitial].cryptoStream
	if !h.sentLocal && h.localParams != nil {
		cs.send.write(h.localParams.Marshal())
		h.sentLocal = true
	}
	if !h.havePeer {
		buf := make([]byte, 2048)
		n, err := cs.recv.read(buf)
		if err != nil && err != io.EOF {
			return err
		}
		if n > 0 {
			// Start from the RFC defaults so parameters the peer omitted
			// keep their specified default values.
			p := NewParameters()
			if err := p.Unmarshal(buf[:n]); err != nil {
				return err
			}
			h.peerParams = p
			h.havePeer = true
		}
	}
	if h.havePeer && h.stage == handshakeInitial {
		h.installProtection(packetSpaceHandshake)
		h.stage = handshakeKeysReady
	}
	if h.sentLocal && h.havePeer && h.stage == handshakeKeysReady {
		h.installProtection(packetSpaceApplication)
		h.stage = handshakeDone
	}
	return nil
}

func (h *tlsHandshake) installProtection(space packetSpace) {
	pp := newStubProtection()
	sp := &h.conn.packetNumberSpaces[space]
	sp.opener = pp
	sp.sealer = pp
}

func (h *tlsHandshake) HandshakeComplete() bool {
	return h.stage == handshakeDone
}

func (h *tlsHandshake) peerTransportParams() *Parameters {
	if !h.havePeer {
		return nil
	}
	return &h.peerParams
}

// writeSpace returns the highest packet-number space whose keys are
// ready, used when a probe or close frame must go out regardless of
// what data is pending.
func (h *tlsHandshake) writeSpace() packetSpace {
	switch h.stage {
	case handshakeDone:
		return packetSpaceApplication
	case handshakeKeysReady:
		return packetSpaceHandshake
	default:
		return packetSpaceInitial
	}
}
