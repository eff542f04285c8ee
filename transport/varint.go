package transport

import "encoding/binary"

// QUIC variable-length integer encoding.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#integer-encoding
//
// The two most significant bits of the first byte select the length of the
// encoding (1, 2, 4 or 8 bytes), leaving 6, 14, 30 or 62 bits of value.
const (
	varint1ByteMax = 63
	varint2ByteMax = 16383
	varint4ByteMax = 1073741823
	varint8ByteMax = 4611686018427387903
)

// varintLen returns the canonical minimal number of bytes needed to encode v.
// v must be less than 2^62.
func varintLen(v uint64) int {
	switch {
	case v <= varint1ByteMax:
		return 1
	case v <= varint2ByteMax:
		return 2
	case v <= varint4ByteMax:
		return 4
	case v <= varint8ByteMax:
		return 8
	default:
		panic("varint value too large")
	}
}

// getVarint decodes a variable-length integer from the front of b into *v.
// It returns the number of bytes consumed, or 0 on failure (short buffer).
func getVarint(b []byte, v *uint64) int {
	if len(b) < 1 {
		return 0
	}
	prefix := b[0] >> 6
	switch prefix {
	case 0:
		*v = uint64(b[0] & 0x3f)
		return 1
	case 1:
		if len(b) < 2 {
			return 0
		}
		*v = uint64(binary.BigEndian.Uint16(b)&0x3fff)
		return 2
	case 2:
		if len(b) < 4 {
			return 0
		}
		*v = uint64(binary.BigEndian.Uint32(b) & 0x3fffffff)
		return 4
	default:
		if len(b) < 8 {
			return 0
		}
		*v = binary.BigEndian.Uint64(b) & 0x3fffffffffffffff
		return 8
	}
}

// putVarint encodes v into b using its canonical minimal length. It returns
// the number of bytes written, or 0 if b is too short; it panics (via
// varintLen) if v is 2^62 or more.
func putVarint(b []byte, v uint64) int {
	n := varintLen(v)
	if len(b) < n {
		return 0
	}
	switch n {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.BigEndian.PutUint16(b, uint16(v))
		b[0] |= 0x40
	case 4:
		binary.BigEndian.PutUint32(b, uint32(v))
		b[0] |= 0x80
	case 8:
		binary.BigEndian.PutUint64(b, v)
		b[0] |= 0xc0
	}
	return n
}

// getUint16 decodes a big-endian 16-bit integer.
func getUint16(b []byte, v *uint16) int {
	if len(b) < 2 {
		return 0
	}
	*v = binary.BigEndian.Uint16(b)
	return 2
}

func putUint16(b []byte, v uint16) int {
	if len(b) < 2 {
		return 0
	}
	binary.BigEndian.PutUint16(b, v)
	return 2
}

// getUint32 decodes a big-endian 32-bit integer.
func getUint32(b []byte, v *uint32) int {
	if len(b) < 4 {
		return 0
	}
	*v = binary.BigEndian.Uint32(b)
	return 4
}

func putUint32(b []byte, v uint32) int {
	if len(b) < 4 {
		return 0
	}
	binary.BigEndian.PutUint32(b, v)
	return 4
}

// getBytes copies n bytes from the front of b. It returns the number of
// bytes consumed (always n), or 0 if b is shorter than n.
func getBytes(b []byte, out *[]byte, n int) int {
	if len(b) < n {
		return 0
	}
	*out = append((*out)[:0], b[:n]...)
	return n
}

// getVarintBytes decodes a varint length prefix followed by that many
// bytes (e.g. a token, CRYPTO data, or STREAM data whose LEN bit is set).
func getVarintBytes(b []byte, out *[]byte) int {
	var length uint64
	n := getVarint(b, &length)
	if n == 0 {
		return 0
	}
	if uint64(len(b)-n) < length {
		return 0
	}
	*out = append((*out)[:0], b[n:n+int(length)]...)
	return n + int(length)
}

func putVarintBytes(b []byte, v []byte) int {
	n := putVarint(b, uint64(len(v)))
	if n == 0 {
		return 0
	}
	if len(b)-n < len(v) {
		return 0
	}
	copy(b[n:], v)
	return n + len(v)
}
