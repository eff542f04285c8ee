package transport

import (
	"bytes"
	"testing"
)

func TestPacketLongHeaderRoundTrip(t *testing.T) {
	orig := packet{
		typ: packetTypeInitial,
		header: packetHeader{
			version: quicVersion1,
			dcid:    []byte{1, 2, 3, 4, 5, 6, 7, 8},
			scid:    []byte{9, 10, 11, 12},
		},
		token:        []byte("retry-token"),
		packetNumber: 12345,
		payloadLen:   20,
	}

	buf := make([]byte, orig.encodedLen())
	off, err := orig.encode(buf)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if off != len(buf) {
		t.Fatalf("encode wrote %d bytes, encodedLen() said %d", off, len(buf))
	}

	var got packet
	n, err := got.decodeHeader(buf)
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if n != got.headerLen {
		t.Fatalf("decodeHeader returned %d, headerLen = %d", n, got.headerLen)
	}
	if got.typ != packetTypeInitial {
		t.Fatalf("typ = %#x, want Initial", got.typ)
	}
	if got.header.version != quicVersion1 {
		t.Fatalf("version = %#x, want %#x", got.header.version, quicVersion1)
	}
	if !bytes.Equal(got.header.dcid, orig.header.dcid) {
		t.Fatalf("dcid = %x, want %x", got.header.dcid, orig.header.dcid)
	}
	if !bytes.Equal(got.header.scid, orig.header.scid) {
		t.Fatalf("scid = %x, want %x", got.header.scid, orig.header.scid)
	}
	if !bytes.Equal(got.token, orig.token) {
		t.Fatalf("token = %q, want %q", got.token, orig.token)
	}

	// decodeBody expects, past headerLen, a varint Length covering the
	// packet number plus payload, then the packet number, then the payload
	// itself. buf is only encodedLen() bytes long, so it ends after encode's
	// Length+PN and holds none of the payload; rebuild that tail explicitly
	// with the payload appended.
	payload := bytes.Repeat([]byte{0xAB}, 20)
	pnBytes := make([]byte, 4)
	putUint32(pnBytes, uint32(orig.packetNumber))
	lenField := make([]byte, 8)
	ln := putVarint(lenField, uint64(len(pnBytes)+len(payload)))

	full := append([]byte{}, buf[:got.headerLen]...)
	full = append(full, lenField[:ln]...)
	full = append(full, pnBytes...)
	full = append(full, payload...)

	var body packet
	body.header.dcil = 0
	if _, err := body.decodeHeader(full); err != nil {
		t.Fatalf("decodeHeader(full): %v", err)
	}
	bn, err := body.decodeBody(full)
	if err != nil {
		t.Fatalf("decodeBody: %v", err)
	}
	if bn != len(full)-body.headerLen {
		t.Fatalf("decodeBody consumed %d, want %d", bn, len(full)-body.headerLen)
	}
	if body.packetNumber != orig.packetNumber {
		t.Fatalf("packetNumber = %d, want %d", body.packetNumber, orig.packetNumber)
	}
	if body.payloadLen != len(payload) {
		t.Fatalf("payloadLen = %d, want %d", body.payloadLen, len(payload))
	}
}

// The Length field encode writes must cover the packet number as well as
// the payload, so a packet assembled by encode and completed with payload
// bytes decodes to the same payload length.
func TestPacketEncodeLengthCoversPacketNumber(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5a}, 32)
	p := packet{
		typ: packetTypeHandshake,
		header: packetHeader{
			version: quicVersion1,
			dcid:    []byte{1, 2, 3, 4},
			scid:    []byte{5, 6, 7, 8},
		},
		packetNumber: 7,
		payloadLen:   len(payload),
	}
	buf := make([]byte, p.encodedLen()+len(payload))
	off, err := p.encode(buf)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	copy(buf[off:], payload)

	var got packet
	if _, err := got.decodeHeader(buf); err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	n, err := got.decodeBody(buf)
	if err != nil {
		t.Fatalf("decodeBody: %v", err)
	}
	if got.payloadLen != len(payload) {
		t.Fatalf("payloadLen = %d, want %d", got.payloadLen, len(payload))
	}
	if got.packetNumber != p.packetNumber {
		t.Fatalf("packetNumber = %d, want %d", got.packetNumber, p.packetNumber)
	}
	if got.headerLen+n != len(buf) {
		t.Fatalf("decodeBody consumed %d of %d payload-section bytes", n, len(buf)-got.headerLen)
	}
}

// A short header carries no Length field: the packet number and payload
// run to the end of the datagram.
func TestPacketShortHeaderBodyRunsToEnd(t *testing.T) {
	payload := bytes.Repeat([]byte{0x77}, 21)
	p := packet{
		typ:          packetTypeShort,
		header:       packetHeader{dcid: []byte{0xaa, 0xbb, 0xcc, 0xdd}},
		packetNumber: 3,
	}
	buf := make([]byte, p.encodedLen()+len(payload))
	off, err := p.encode(buf)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	copy(buf[off:], payload)

	var got packet
	got.header.dcil = 4
	if _, err := got.decodeHeader(buf); err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	n, err := got.decodeBody(buf)
	if err != nil {
		t.Fatalf("decodeBody: %v", err)
	}
	if got.payloadLen != len(payload) {
		t.Fatalf("payloadLen = %d, want %d", got.payloadLen, len(payload))
	}
	if got.headerLen+n != len(buf) {
		t.Fatalf("decodeBody consumed %d bytes past the header, want %d", n, len(buf)-got.headerLen)
	}
}

func TestPacketShortHeaderRoundTrip(t *testing.T) {
	orig := packet{
		typ: packetTypeShort,
		header: packetHeader{
			dcid: []byte{0xaa, 0xbb, 0xcc, 0xdd},
		},
		packetNumber: 99,
	}
	buf := make([]byte, orig.encodedLen())
	off, err := orig.encode(buf)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if off != len(buf) {
		t.Fatalf("encode wrote %d, want %d", off, len(buf))
	}

	var got packet
	got.header.dcil = uint8(len(orig.header.dcid))
	n, err := got.decodeHeader(buf)
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if got.typ != packetTypeShort {
		t.Fatalf("typ = %#x, want short", got.typ)
	}
	if !bytes.Equal(got.header.dcid, orig.header.dcid) {
		t.Fatalf("dcid = %x, want %x", got.header.dcid, orig.header.dcid)
	}
	if n != 1+len(orig.header.dcid) {
		t.Fatalf("decodeHeader consumed %d, want %d", n, 1+len(orig.header.dcid))
	}
}

func TestDecodeDCIDShortHeader(t *testing.T) {
	orig := packet{
		typ:    packetTypeShort,
		header: packetHeader{dcid: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
	}
	buf := make([]byte, orig.encodedLen())
	if _, err := orig.encode(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	dcid, err := DecodeDCID(buf, 8)
	if err != nil {
		t.Fatalf("DecodeDCID: %v", err)
	}
	if !bytes.Equal(dcid, orig.header.dcid) {
		t.Fatalf("DecodeDCID = %x, want %x", dcid, orig.header.dcid)
	}
}

func TestPacketDecodeHeaderShortBuffer(t *testing.T) {
	var p packet
	if _, err := p.decodeHeader(nil); err == nil {
		t.Fatal("decodeHeader(nil) should fail")
	}
}

func TestPacketTypeFromSpace(t *testing.T) {
	cases := []struct {
		space packetSpace
		want  uint8
	}{
		{packetSpaceInitial, packetTypeInitial},
		{packetSpaceHandshake, packetTypeHandshake},
		{packetSpaceApplication, packetTypeShort},
	}
	for _, c := range cases {
		if got := packetTypeFromSpace(c.space); got != c.want {
			t.Errorf("packetTypeFromSpace(%v) = %#x, want %#x", c.space, got, c.want)
		}
	}
}

func TestPacketSpaceString(t *testing.T) {
	if packetSpaceInitial.String() != "initial" {
		t.Errorf("Initial.String() = %q", packetSpaceInitial.String())
	}
	if packetSpaceHandshake.String() != "handshake" {
		t.Errorf("Handshake.String() = %q", packetSpaceHandshake.String())
	}
	if packetSpaceApplication.String() != "application" {
		t.Errorf("Application.String() = %q", packetSpaceApplication.String())
	}
	if packetSpaceCount.String() != "invalid" {
		t.Errorf("out-of-range packetSpace.String() = %q, want invalid", packetSpaceCount.String())
	}
}

func TestVersionSupported(t *testing.T) {
	if !versionSupported(quicVersion1) {
		t.Fatal("quicVersion1 should be supported")
	}
	if versionSupported(0xdeadbeef) {
		t.Fatal("unknown version should not be supported")
	}
}

func TestDecodeVersionNegotiation(t *testing.T) {
	var buf []byte
	buf = append(buf, 0x80) // long header, fixed bit, arbitrary type bits (ignored for v=0)
	buf = append(buf, 0, 0, 0, 0)     // version = 0
	buf = append(buf, 4, 1, 2, 3, 4)  // dcid len + dcid
	buf = append(buf, 2, 9, 9)        // scid len + scid
	buf = append(buf, 0, 0, 0, 1)     // supported version #1
	buf = append(buf, 0, 0, 0, 2)     // supported version #2

	var p packet
	if _, err := p.decodeHeader(buf); err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if p.typ != packetTypeVersionNegotiation {
		t.Fatalf("typ = %#x, want version negotiation", p.typ)
	}
	if _, err := p.decodeBody(buf); err != nil {
		t.Fatalf("decodeBody: %v", err)
	}
	if len(p.supportedVersions) != 2 || p.supportedVersions[0] != 1 || p.supportedVersions[1] != 2 {
		t.Fatalf("supportedVersions = %v, want [1 2]", p.supportedVersions)
	}
}

func TestVerifyRetryIntegrityRejectsTamperedTag(t *testing.T) {
	odcid := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	body := []byte("pseudo-header-and-retry-token")
	tag := computeRetryIntegrityTag(body, odcid)
	if len(tag) != retryIntegrityTagLen {
		t.Fatalf("tag length = %d, want %d", len(tag), retryIntegrityTagLen)
	}
	good := append(append([]byte{}, body...), tag...)
	if !verifyRetryIntegrity(good, odcid) {
		t.Fatal("verifyRetryIntegrity should accept a correctly computed tag")
	}

	tampered := append([]byte{}, good...)
	tampered[len(tampered)-1] ^= 0xff
	if verifyRetryIntegrity(tampered, odcid) {
		t.Fatal("verifyRetryIntegrity should reject a tampered tag")
	}

	tooShort := good[:retryIntegrityTagLen-1]
	if verifyRetryIntegrity(tooShort, odcid) {
		t.Fatal("verifyRetryIntegrity should reject a buffer shorter than the tag itself")
	}
}

func TestDecodeBodyRetryToken(t *testing.T) {
	token := []byte("address-validation-token")
	tag := computeRetryIntegrityTag(token, []byte{1, 2, 3, 4})
	var buf []byte
	buf = append(buf, 0xf0) // long header, fixed bit, type bits = retry (0x3 << 4) folded in below
	buf[0] = 0xc0 | (3 << 4) | 0x3
	buf = append(buf, 0, 0, 0, 1) // version
	buf = append(buf, 4, 1, 2, 3, 4)
	buf = append(buf, 0) // empty scid
	buf = append(buf, token...)
	buf = append(buf, tag...)

	var p packet
	if _, err := p.decodeHeader(buf); err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if p.typ != packetTypeRetry {
		t.Fatalf("typ = %#x, want Retry", p.typ)
	}
	if _, err := p.decodeBody(buf); err != nil {
		t.Fatalf("decodeBody: %v", err)
	}
	if !bytes.Equal(p.token, token) {
		t.Fatalf("retry token = %q, want %q", p.token, token)
	}
}
