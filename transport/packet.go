package transport

import "fmt"

// Packet size limits. Real deployments negotiate MaxUDPPayloadSize via
// transport parameters; these bounds are RFC 9000's conservative defaults.
const (
	MinInitialPacketSize = 1200
	MaxPacketSize        = 1452
	minPayloadLength     = 4 // Minimum payload so the packet number can always be sampled.
	retryIntegrityTagLen = 16
)

// Long header packet types (QUIC v1).
const (
	packetTypeInitial             = 0x00
	packetTypeZeroRTT             = 0x01
	packetTypeHandshake           = 0x02
	packetTypeRetry               = 0x03
	packetTypeVersionNegotiation  = 0xf0 // Sentinel: version field is 0.
	packetTypeShort               = 0xf1 // Sentinel: short header.
)

// packetSpace indexes the three packet-number spaces an endpoint keeps,
// one per encryption level that carries ack-eliciting traffic.
type packetSpace int

const (
	packetSpaceInitial packetSpace = iota
	packetSpaceHandshake
	packetSpaceApplication
	packetSpaceCount
)

func (s packetSpace) String() string {
	switch s {
	case packetSpaceInitial:
		return "initial"
	case packetSpaceHandshake:
		return "handshake"
	case packetSpaceApplication:
		return "application"
	default:
		return "invalid"
	}
}

func packetTypeString(typ uint8) string {
	switch typ {
	case packetTypeInitial:
		return "initial"
	case packetTypeZeroRTT:
		return "0rtt"
	case packetTypeHandshake:
		return "handshake"
	case packetTypeRetry:
		return "retry"
	case packetTypeVersionNegotiation:
		return "version_negotiation"
	case packetTypeShort:
		return "1rtt"
	default:
		return "unknown"
	}
}

func packetTypeFromSpace(space packetSpace) uint8 {
	switch space {
	case packetSpaceInitial:
		return packetTypeInitial
	case packetSpaceHandshake:
		return packetTypeHandshake
	default:
		return packetTypeShort
	}
}

func versionSupported(v uint32) bool {
	return v == quicVersion1
}

const quicVersion1 = 0x00000001

// packetHeader holds the fields common to long and short header packets.
type packetHeader struct {
	version uint32
	dcid    []byte
	scid    []byte
	// dcil is the destination connection ID length used to parse a short
	// header, which carries no explicit length field. The caller (the
	// endpoint that owns the local scid the peer is echoing back) fills
	// this in before calling decodeHeader.
	dcil uint8
}

// packet is the in-memory representation of a single QUIC packet, valid
// between decodeHeader/decodeBody (receive path) or between construction
// and encode (send path).
type packet struct {
	typ    uint8
	header packetHeader

	token        []byte
	packetNumber uint64
	payloadLen   int // Length of payload, including AEAD overhead once decrypted/ready to encrypt.
	headerLen    int // Bytes consumed by decodeHeader.

	supportedVersions []uint32 // Version Negotiation only.
}

func (p *packet) String() string {
	return fmt.Sprintf("type=%#x pn=%d dcid=%x scid=%x len=%d", p.typ, p.packetNumber, p.header.dcid, p.header.scid, p.payloadLen)
}

// DecodeDCID extracts the destination connection ID from a datagram's
// first packet so a caller multiplexing many Conns over one socket can
// route it to the right one, without decrypting or validating anything
// else. dcil is the local connection ID length, needed because a short
// header carries no explicit DCID length field.
func DecodeDCID(b []byte, dcil int) ([]byte, error) {
	var p packet
	p.header.dcil = uint8(dcil)
	if _, err := p.decodeHeader(b); err != nil {
		return nil, err
	}
	dcid := make([]byte, len(p.header.dcid))
	copy(dcid, p.header.dcid)
	return dcid, nil
}

// decodeHeader parses enough of b to determine the packet type and the
// connection IDs needed to route it to the right Conn, without touching
// the packet-number or payload (those depend on the packet-number space,
// decoded later by decodeBody).
func (p *packet) decodeHeader(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, newError(FrameEncodingError, "short packet")
	}
	first := b[0]
	off := 1
	if first&0x80 == 0 {
		// Short header.
		p.typ = packetTypeShort
		n := int(p.header.dcil)
		if len(b)-off < n {
			return 0, newError(FrameEncodingError, "short header dcid")
		}
		p.header.dcid = append(p.header.dcid[:0], b[off:off+n]...)
		off += n
		p.headerLen = off
		return off, nil
	}
	// Long header.
	var version uint32
	n := getUint32(b[off:], &version)
	if n == 0 {
		return 0, newError(FrameEncodingError, "version")
	}
	off += n
	p.header.version = version
	if version == 0 {
		p.typ = packetTypeVersionNegotiation
	} else {
		switch (first >> 4) & 0x3 {
		case 0:
			p.typ = packetTypeInitial
		case 1:
			p.typ = packetTypeZeroRTT
		case 2:
			p.typ = packetTypeHandshake
		case 3:
			p.typ = packetTypeRetry
		}
	}
	if len(b)-off < 1 {
		return 0, newError(FrameEncodingError, "dcid len")
	}
	dcidLen := int(b[off])
	off++
	if len(b)-off < dcidLen {
		return 0, newError(FrameEncodingError, "dcid")
	}
	p.header.dcid = append(p.header.dcid[:0], b[off:off+dcidLen]...)
	off += dcidLen
	if len(b)-off < 1 {
		return 0, newError(FrameEncodingError, "scid len")
	}
	scidLen := int(b[off])
	off++
	if len(b)-off < scidLen {
		return 0, newError(FrameEncodingError, "scid")
	}
	p.header.scid = append(p.header.scid[:0], b[off:off+scidLen]...)
	off += scidLen
	if p.typ == packetTypeInitial {
		n = getVarintBytes(b[off:], &p.token)
		if n == 0 {
			return 0, newError(FrameEncodingError, "token")
		}
		off += n
	} else {
		p.token = p.token[:0]
	}
	p.headerLen = off
	return off, nil
}

// decodeBody parses the type-specific remainder of the packet: the
// version list for Version Negotiation, the retry token and integrity tag
// for Retry, or the Length/Packet Number/payload for Initial, Handshake
// and 0-RTT packets. Since header protection is out of scope here (see
// DESIGN.md), the packet number is read directly rather than unmasked
// from a protected sample.
func (p *packet) decodeBody(b []byte) (int, error) {
	rest := b[p.headerLen:]
	switch p.typ {
	case packetTypeVersionNegotiation:
		p.supportedVersions = p.supportedVersions[:0]
		for i := 0; i+4 <= len(rest); i += 4 {
			var v uint32
			getUint32(rest[i:], &v)
			p.supportedVersions = append(p.supportedVersions, v)
		}
		return len(rest) - len(rest)%4, nil
	case packetTypeRetry:
		if len(rest) < retryIntegrityTagLen {
			return 0, newError(FrameEncodingError, "retry too short")
		}
		p.token = append(p.token[:0], rest[:len(rest)-retryIntegrityTagLen]...)
		return len(rest), nil
	default:
		var length uint64
		var n int
		if p.typ == packetTypeShort {
			// A short header has no Length field; the packet number and
			// payload run to the end of the datagram.
			length = uint64(len(rest))
		} else {
			n = getVarint(rest, &length)
			if n == 0 {
				return 0, newError(FrameEncodingError, "length")
			}
		}
		pnLen := int(b[0]&0x3) + 1
		if len(rest)-n < pnLen {
			return 0, newError(FrameEncodingError, "packet number")
		}
		var pn uint64
		switch pnLen {
		case 1:
			pn = uint64(rest[n])
		case 2:
			pn = uint64(rest[n])<<8 | uint64(rest[n+1])
		case 3:
			pn = uint64(rest[n])<<16 | uint64(rest[n+1])<<8 | uint64(rest[n+2])
		case 4:
			pn = uint64(rest[n])<<24 | uint64(rest[n+1])<<16 | uint64(rest[n+2])<<8 | uint64(rest[n+3])
		}
		p.packetNumber = pn
		remaining := int(length) - pnLen
		if remaining < 0 || n+pnLen+remaining > len(rest) {
			return 0, newError(FrameEncodingError, "payload length")
		}
		p.payloadLen = remaining
		return n + pnLen + remaining, nil
	}
}

// encodedLen returns the number of header bytes encode will write for a
// 4-byte packet number, i.e. before the payload. Used to size the
// available payload budget; see Conn.send.
func (p *packet) encodedLen() int {
	if p.typ == packetTypeShort {
		return 1 + len(p.header.dcid) + 4
	}
	n := 1 + 4 + 1 + len(p.header.dcid) + 1 + len(p.header.scid)
	if p.typ == packetTypeInitial {
		n += varintLen(uint64(len(p.token))) + len(p.token)
	}
	// The Length field covers the packet number and the payload.
	n += varintLen(uint64(p.payloadLen)+4) + 4
	return n
}

// encode writes the packet header (using a fixed 4-byte packet number
// encoding for simplicity) and returns the offset where the payload
// should be written.
func (p *packet) encode(b []byte) (int, error) {
	off := 0
	if p.typ == packetTypeShort {
		if len(b) < 1 {
			return 0, errShortBuffer
		}
		b[0] = 0x40 | 0x3 // short header, fixed bit set, 4-byte packet number
		off++
		if len(b)-off < len(p.header.dcid) {
			return 0, errShortBuffer
		}
		off += copy(b[off:], p.header.dcid)
		if len(b)-off < 4 {
			return 0, errShortBuffer
		}
		off += putUint32(b[off:], uint32(p.packetNumber))
		return off, nil
	}
	if len(b) < 1 {
		return 0, errShortBuffer
	}
	var typeBits byte
	switch p.typ {
	case packetTypeInitial:
		typeBits = 0
	case packetTypeZeroRTT:
		typeBits = 1
	case packetTypeHandshake:
		typeBits = 2
	case packetTypeRetry:
		typeBits = 3
	}
	b[0] = 0xc0 | (typeBits << 4) | 0x3
	off++
	n := putUint32(b[off:], p.header.version)
	if n == 0 {
		return 0, errShortBuffer
	}
	off += n
	if len(b)-off < 1+len(p.header.dcid) {
		return 0, errShortBuffer
	}
	b[off] = byte(len(p.header.dcid))
	off++
	off += copy(b[off:], p.header.dcid)
	if len(b)-off < 1+len(p.header.scid) {
		return 0, errShortBuffer
	}
	b[off] = byte(len(p.header.scid))
	off++
	off += copy(b[off:], p.header.scid)
	if p.typ == packetTypeInitial {
		n = putVarintBytes(b[off:], p.token)
		if n == 0 {
			return 0, errShortBuffer
		}
		off += n
	}
	n = putVarint(b[off:], uint64(p.payloadLen)+4) // Length covers pn + payload
	if n == 0 {
		return 0, errShortBuffer
	}
	off += n
	if len(b)-off < 4 {
		return 0, errShortBuffer
	}
	off += putUint32(b[off:], uint32(p.packetNumber))
	return off, nil
}

// verifyRetryIntegrity checks the 16-byte Retry Integrity Tag appended to
// a Retry packet (RFC 9001 §5.8). Since the keyed AEAD used to compute it
// is derived the same way as Initial secrets, this lives alongside
// initial_secrets.go's derivation.
func verifyRetryIntegrity(b []byte, originalDcid []byte) bool {
	if len(b) < retryIntegrityTagLen {
		return false
	}
	tag := computeRetryIntegrityTag(b[:len(b)-retryIntegrityTagLen], originalDcid)
	got := b[len(b)-retryIntegrityTagLen:]
	if len(tag) != len(got) {
		return false
	}
	ok := true
	for i := range tag {
		if tag[i] != got[i] {
			ok = false
		}
	}
	return ok
}
