package transport

import "time"

// Transport parameter identifiers (RFC 9000 §18.2).
const (
	paramOriginalDestinationCID         = 0x00
	paramMaxIdleTimeout                 = 0x01
	paramStatelessResetToken            = 0x02
	paramMaxUDPPayloadSize              = 0x03
	paramInitialMaxData                 = 0x04
	paramInitialMaxStreamDataBidiLocal  = 0x05
	paramInitialMaxStreamDataBidiRemote = 0x06
	paramInitialMaxStreamDataUni        = 0x07
	paramInitialMaxStreamsBidi          = 0x08
	paramInitialMaxStreamsUni           = 0x09
	paramAckDelayExponent               = 0x0a
	paramMaxAckDelay                    = 0x0b
	paramDisableActiveMigration         = 0x0c
	paramPreferredAddress               = 0x0d
	paramActiveConnectionIDLimit        = 0x0e
	paramInitialSourceCID               = 0x0f
	paramRetrySourceCID                 = 0x10
)

const (
	defaultAckDelayExponent        = 3
	defaultMaxAckDelayMillis       = 25
	defaultActiveConnectionIDLimit = 2
)

// Parameters holds the QUIC transport parameters exchanged during the
// handshake (the transport-parameters wire extension, RFC 9000 §18). Millisecond-
// and microsecond-scale fields are represented as time.Duration so callers
// never have to guess the unit.
type Parameters struct {
	OriginalDestinationCID []byte
	StatelessResetToken    []byte
	InitialSourceCID       []byte
	RetrySourceCID         []byte

	MaxIdleTimeout   time.Duration
	MaxAckDelay      time.Duration
	AckDelayExponent uint64

	MaxUDPPayloadSize uint64

	InitialMaxData                 uint64
	InitialMaxStreamDataBidiLocal  uint64
	InitialMaxStreamDataBidiRemote uint64
	InitialMaxStreamDataUni        uint64
	InitialMaxStreamsBidi          uint64
	InitialMaxStreamsUni           uint64

	ActiveConnectionIDLimit uint64
	DisableActiveMigration  bool

	// PreferredAddress is carried opaque: this endpoint never migrates, so
	// the address block is stored and re-encoded verbatim for the embedding
	// layer to act on (server only).
	PreferredAddress []byte
}

// NewParameters returns a Parameters with the RFC 9000 defaults applied
// (everything the peer is allowed to omit).
func NewParameters() Parameters {
	return Parameters{
		AckDelayExponent:        defaultAckDelayExponent,
		MaxAckDelay:             defaultMaxAckDelayMillis * time.Duration(1e6),
		ActiveConnectionIDLimit: defaultActiveConnectionIDLimit,
	}
}

// Marshal encodes the parameter set using the TLV format of RFC 9000
// §18.1: each entry is a varint identifier, a varint length, then that
// many bytes of value.
func (p *Parameters) Marshal() []byte {
	b := make([]byte, 0, 256)
	b = appendBytesParam(b, paramOriginalDestinationCID, p.OriginalDestinationCID)
	b = appendBytesParam(b, paramStatelessResetToken, p.StatelessResetToken)
	b = appendBytesParam(b, paramInitialSourceCID, p.InitialSourceCID)
	b = appendBytesParam(b, paramRetrySourceCID, p.RetrySourceCID)
	b = appendVarintParam(b, paramMaxIdleTimeout, uint64(p.MaxIdleTimeout/1e6))
	b = appendVarintParam(b, paramMaxAckDelay, uint64(p.MaxAckDelay/1e6))
	b = appendVarintParam(b, paramAckDelayExponent, p.AckDelayExponent)
	b = appendVarintParam(b, paramMaxUDPPayloadSize, p.MaxUDPPayloadSize)
	b = appendVarintParam(b, paramInitialMaxData, p.InitialMaxData)
	b = appendVarintParam(b, paramInitialMaxStreamDataBidiLocal, p.InitialMaxStreamDataBidiLocal)
	b = appendVarintParam(b, paramInitialMaxStreamDataBidiRemote, p.InitialMaxStreamDataBidiRemote)
	b = appendVarintParam(b, paramInitialMaxStreamDataUni, p.InitialMaxStreamDataUni)
	b = appendVarintParam(b, paramInitialMaxStreamsBidi, p.InitialMaxStreamsBidi)
	b = appendVarintParam(b, paramInitialMaxStreamsUni, p.InitialMaxStreamsUni)
	b = appendVarintParam(b, paramActiveConnectionIDLimit, p.ActiveConnectionIDLimit)
	b = appendBytesParam(b, paramPreferredAddress, p.PreferredAddress)
	if p.DisableActiveMigration {
		// Zero-length value; the parameter's presence alone carries it.
		b = appendBytesParam(b, paramDisableActiveMigration, []byte{})
	}
	return b
}

func appendVarintParam(b []byte, id uint64, v uint64) []byte {
	if v == 0 {
		return b
	}
	tmp := make([]byte, 8)
	n := putVarint(tmp, v)
	return appendBytesParam(b, id, tmp[:n])
}

func appendBytesParam(b []byte, id uint64, v []byte) []byte {
	if v == nil {
		return b
	}
	tmp := make([]byte, 8)
	n := putVarint(tmp, id)
	b = append(b, tmp[:n]...)
	n = putVarint(tmp, uint64(len(v)))
	b = append(b, tmp[:n]...)
	b = append(b, v...)
	return b
}

// Unmarshal decodes a TLV transport-parameter extension as produced by
// Marshal. Unknown identifiers are skipped, per RFC 9000 §7.4.2.
func (p *Parameters) Unmarshal(b []byte) error {
	for len(b) > 0 {
		var id, length uint64
		n := getVarint(b, &id)
		if n == 0 {
			return newError(TransportParameterError, "param id")
		}
		b = b[n:]
		n = getVarint(b, &length)
		if n == 0 {
			return newError(TransportParameterError, "param length")
		}
		b = b[n:]
		if uint64(len(b)) < length {
			return newError(TransportParameterError, "param value")
		}
		v := b[:length]
		b = b[length:]
		switch id {
		case paramOriginalDestinationCID:
			p.OriginalDestinationCID = append([]byte(nil), v...)
		case paramStatelessResetToken:
			p.StatelessResetToken = append([]byte(nil), v...)
		case paramInitialSourceCID:
			p.InitialSourceCID = append([]byte(nil), v...)
		case paramRetrySourceCID:
			p.RetrySourceCID = append([]byte(nil), v...)
		case paramMaxIdleTimeout:
			p.MaxIdleTimeout = time.Duration(decodeVarintParam(v)) * 1e6
		case paramMaxAckDelay:
			p.MaxAckDelay = time.Duration(decodeVarintParam(v)) * 1e6
		case paramAckDelayExponent:
			p.AckDelayExponent = decodeVarintParam(v)
		case paramMaxUDPPayloadSize:
			p.MaxUDPPayloadSize = decodeVarintParam(v)
		case paramInitialMaxData:
			p.InitialMaxData = decodeVarintParam(v)
		case paramInitialMaxStreamDataBidiLocal:
			p.InitialMaxStreamDataBidiLocal = decodeVarintParam(v)
		case paramInitialMaxStreamDataBidiRemote:
			p.InitialMaxStreamDataBidiRemote = decodeVarintParam(v)
		case paramInitialMaxStreamDataUni:
			p.InitialMaxStreamDataUni = decodeVarintParam(v)
		case paramInitialMaxStreamsBidi:
			p.InitialMaxStreamsBidi = decodeVarintParam(v)
		case paramInitialMaxStreamsUni:
			p.InitialMaxStreamsUni = decodeVarintParam(v)
		case paramActiveConnectionIDLimit:
			p.ActiveConnectionIDLimit = decodeVarintParam(v)
		case paramPreferredAddress:
			p.PreferredAddress = append([]byte(nil), v...)
		case paramDisableActiveMigration:
			p.DisableActiveMigration = true
		}
	}
	return nil
}

func decodeVarintParam(v []byte) uint64 {
	var out uint64
	getVarint(v, &out)
	return out
}
