package transport

import "testing"

// encodeFrame encodes f into a buffer of f.encodedLen() bytes, fails the
// test if encoding errs or writes a different length, and returns the bytes.
func encodeFrame(t *testing.T, f frame) []byte {
	t.Helper()
	b := make([]byte, f.encodedLen())
	n, err := f.encode(b)
	if err != nil {
		t.Fatalf("encode %T: %v", f, err)
	}
	if n != len(b) {
		t.Fatalf("encode %T: wrote %d, encodedLen said %d", f, n, len(b))
	}
	return b
}

func TestFramePaddingRoundTrip(t *testing.T) {
	f := newPaddingFrame(3)
	b := encodeFrame(t, f)
	var got paddingFrame
	n, err := got.decode(b)
	if err != nil || n != 3 || got.size != 3 {
		t.Fatalf("decode = (%d,%v) size=%d, want (3,nil) size=3", n, err, got.size)
	}
}

func TestFramePingRoundTrip(t *testing.T) {
	f := &pingFrame{}
	b := encodeFrame(t, f)
	if len(b) != 1 || b[0] != frameTypePing {
		t.Fatalf("encode PING = %x", b)
	}
}

func TestFrameResetStreamRoundTrip(t *testing.T) {
	f := newResetStreamFrame(4, 5, 6)
	b := encodeFrame(t, f)
	var got resetStreamFrame
	n, err := got.decode(b)
	if err != nil || n != len(b) {
		t.Fatalf("decode: n=%d err=%v", n, err)
	}
	if got.streamID != 4 || got.errorCode != 5 || got.finalSize != 6 {
		t.Fatalf("decoded = %+v, want {4 5 6}", got)
	}
}

func TestFrameStopSendingRoundTrip(t *testing.T) {
	f := newStopSendingFrame(7, 8)
	b := encodeFrame(t, f)
	var got stopSendingFrame
	if _, err := got.decode(b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.streamID != 7 || got.errorCode != 8 {
		t.Fatalf("decoded = %+v, want {7 8}", got)
	}
}

func TestFrameCryptoRoundTrip(t *testing.T) {
	f := newCryptoFrame([]byte("client hello"), 42)
	b := encodeFrame(t, f)
	var got cryptoFrame
	n, err := got.decode(b)
	if err != nil || n != len(b) {
		t.Fatalf("decode: n=%d err=%v", n, err)
	}
	if got.offset != 42 || string(got.data) != "client hello" {
		t.Fatalf("decoded = %+v", got)
	}
}

func TestFrameNewTokenRoundTrip(t *testing.T) {
	f := newNewTokenFrame([]byte{1, 2, 3, 4})
	b := encodeFrame(t, f)
	var got newTokenFrame
	if _, err := got.decode(b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(got.token) != "\x01\x02\x03\x04" {
		t.Fatalf("decoded token = %x", got.token)
	}
}

func TestFrameStreamRoundTripWithLen(t *testing.T) {
	f := newStreamFrame(9, []byte("payload"), 11, true)
	b := encodeFrame(t, f)
	var got streamFrame
	n, err := got.decode(b)
	if err != nil || n != len(b) {
		t.Fatalf("decode: n=%d err=%v", n, err)
	}
	if got.streamID != 9 || got.offset != 11 || !got.fin || string(got.data) != "payload" {
		t.Fatalf("decoded = %+v", got)
	}
}

func TestFrameStreamEncodeWithoutLenConsumesRemainder(t *testing.T) {
	f := newStreamFrame(1, []byte("tail"), 0, false)
	b := make([]byte, 64)
	n, err := f.encodeTo(b, false)
	if err != nil {
		t.Fatalf("encodeTo: %v", err)
	}
	var got streamFrame
	m, err := got.decode(b[:n])
	if err != nil || m != n {
		t.Fatalf("decode: m=%d err=%v", m, err)
	}
	if string(got.data) != "tail" || got.offset != 0 {
		t.Fatalf("decoded = %+v", got)
	}
	// Offset omitted from the wire when zero.
	typ := b[0]
	if typ&streamFlagOff != 0 {
		t.Fatalf("OFF flag set for zero offset: type=%#x", typ)
	}
	if typ&streamFlagLen != 0 {
		t.Fatalf("LEN flag set despite encodeTo(withLen=false): type=%#x", typ)
	}
}

// With omitLen set, encodedLen excludes the length prefix and encode
// drops the LEN flag, so accounting matches the bytes actually written.
func TestFrameStreamOmitLen(t *testing.T) {
	f := newStreamFrame(1, []byte("tail"), 8, false)
	withLen := f.encodedLen()
	f.omitLen = true
	if got := f.encodedLen(); got != withLen-varintLen(uint64(len(f.data))) {
		t.Fatalf("encodedLen with omitLen = %d, want %d", got, withLen-varintLen(uint64(len(f.data))))
	}
	b := encodeFrame(t, f)
	if b[0]&streamFlagLen != 0 {
		t.Fatalf("LEN flag set despite omitLen: type=%#x", b[0])
	}
	var got streamFrame
	n, err := got.decode(b)
	if err != nil || n != len(b) {
		t.Fatalf("decode: n=%d err=%v", n, err)
	}
	if string(got.data) != "tail" || got.offset != 8 {
		t.Fatalf("decoded = %+v", got)
	}
}

func TestFrameMaxDataRoundTrip(t *testing.T) {
	f := newMaxDataFrame(1000)
	b := encodeFrame(t, f)
	var got maxDataFrame
	if _, err := got.decode(b); err != nil || got.maximumData != 1000 {
		t.Fatalf("decode: got=%+v err=%v", got, err)
	}
}

func TestFrameMaxStreamDataRoundTrip(t *testing.T) {
	f := newMaxStreamDataFrame(2, 2000)
	b := encodeFrame(t, f)
	var got maxStreamDataFrame
	if _, err := got.decode(b); err != nil || got.streamID != 2 || got.maximumData != 2000 {
		t.Fatalf("decode: got=%+v err=%v", got, err)
	}
}

func TestFrameMaxStreamsRoundTrip(t *testing.T) {
	for _, bidi := range []bool{true, false} {
		f := newMaxStreamsFrame(5, bidi)
		b := encodeFrame(t, f)
		var got maxStreamsFrame
		if _, err := got.decode(b); err != nil || got.bidi != bidi || got.maximumStreams != 5 {
			t.Fatalf("bidi=%v: decode got=%+v err=%v", bidi, got, err)
		}
	}
}

func TestFrameDataBlockedRoundTrip(t *testing.T) {
	f := newDataBlockedFrame(77)
	b := encodeFrame(t, f)
	var got dataBlockedFrame
	if _, err := got.decode(b); err != nil || got.dataLimit != 77 {
		t.Fatalf("decode: got=%+v err=%v", got, err)
	}
}

func TestFrameStreamDataBlockedRoundTrip(t *testing.T) {
	f := newStreamDataBlockedFrame(3, 88)
	b := encodeFrame(t, f)
	var got streamDataBlockedFrame
	if _, err := got.decode(b); err != nil || got.streamID != 3 || got.dataLimit != 88 {
		t.Fatalf("decode: got=%+v err=%v", got, err)
	}
}

func TestFrameStreamsBlockedRoundTrip(t *testing.T) {
	for _, bidi := range []bool{true, false} {
		f := newStreamsBlockedFrame(9, bidi)
		b := encodeFrame(t, f)
		var got streamsBlockedFrame
		if _, err := got.decode(b); err != nil || got.bidi != bidi || got.streamLimit != 9 {
			t.Fatalf("bidi=%v: decode got=%+v err=%v", bidi, got, err)
		}
	}
}

func TestFrameNewConnectionIDRoundTrip(t *testing.T) {
	f := newNewConnectionIDFrame(1, 0, []byte{0xaa, 0xbb, 0xcc}, [16]byte{1, 2, 3})
	b := encodeFrame(t, f)
	var got newConnectionIDFrame
	n, err := got.decode(b)
	if err != nil || n != len(b) {
		t.Fatalf("decode: n=%d err=%v", n, err)
	}
	if got.seq != 1 || string(got.connID) != "\xaa\xbb\xcc" || got.resetToken != [16]byte{1, 2, 3} {
		t.Fatalf("decoded = %+v", got)
	}
}

func TestFrameNewConnectionIDRejectsOversizeCID(t *testing.T) {
	b := make([]byte, 64)
	off := putVarint(b, frameTypeNewConnectionID)
	off += putVarint(b[off:], 1)
	off += putVarint(b[off:], 0)
	b[off] = byte(MaxCIDLength + 1)
	var got newConnectionIDFrame
	if _, err := got.decode(b); err == nil {
		t.Fatal("decode should reject a CID length above MaxCIDLength")
	}
}

func TestFrameRetireConnectionIDRoundTrip(t *testing.T) {
	f := newRetireConnectionIDFrame(3)
	b := encodeFrame(t, f)
	var got retireConnectionIDFrame
	if _, err := got.decode(b); err != nil || got.seq != 3 {
		t.Fatalf("decode: got=%+v err=%v", got, err)
	}
}

func TestFramePathChallengeResponseRoundTrip(t *testing.T) {
	data := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	c := newPathChallengeFrame(data)
	b := encodeFrame(t, c)
	var gotC pathChallengeFrame
	if _, err := gotC.decode(b); err != nil || gotC.data != data {
		t.Fatalf("PATH_CHALLENGE decode: got=%+v err=%v", gotC, err)
	}
	r := newPathResponseFrame(data)
	b = encodeFrame(t, r)
	var gotR pathResponseFrame
	if _, err := gotR.decode(b); err != nil || gotR.data != data {
		t.Fatalf("PATH_RESPONSE decode: got=%+v err=%v", gotR, err)
	}
}

func TestFrameConnectionCloseRoundTrip(t *testing.T) {
	f := newConnectionCloseFrame(FlowControlError, frameTypeStream, []byte("bye"), false)
	b := encodeFrame(t, f)
	var got connectionCloseFrame
	n, err := got.decode(b)
	if err != nil || n != len(b) {
		t.Fatalf("decode: n=%d err=%v", n, err)
	}
	if got.application || got.errorCode != FlowControlError || got.frameType != frameTypeStream || string(got.reasonPhrase) != "bye" {
		t.Fatalf("decoded = %+v", got)
	}
}

func TestFrameConnectionCloseAppVariantOmitsFrameType(t *testing.T) {
	f := newConnectionCloseFrame(ApplicationError, 0, []byte("done"), true)
	b := encodeFrame(t, f)
	var got connectionCloseFrame
	if _, err := got.decode(b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.application || got.frameType != 0 {
		t.Fatalf("app-close decoded frameType=%d, want 0", got.frameType)
	}
}

func TestFrameHandshakeDoneRoundTrip(t *testing.T) {
	f := &handshakeDoneFrame{}
	b := encodeFrame(t, f)
	if len(b) != 1 || b[0] != frameTypeHanshakeDone {
		t.Fatalf("encode HANDSHAKE_DONE = %x", b)
	}
}

// Ack range gap/underflow arithmetic must be rejected on decode.
func TestAckToRangeSetRejectsUnderflow(t *testing.T) {
	f := &ackFrame{
		largestAck:    10,
		firstAckRange: 1, // covers [9,10]
		ranges: []ackRange{
			{gap: 20, rng: 0}, // gap+2 > lo(9): underflow
		},
	}
	if rs := f.toRangeSet(); rs != nil {
		t.Fatal("toRangeSet should reject underflowing gap arithmetic")
	}
}

func TestAckToRangeSetRejectsFirstRangeAboveLargest(t *testing.T) {
	f := &ackFrame{largestAck: 5, firstAckRange: 6}
	if rs := f.toRangeSet(); rs != nil {
		t.Fatal("toRangeSet should reject firstAckRange > largestAck")
	}
}

func TestAckFrameTypeSelectsECN(t *testing.T) {
	var recv diet
	recv.insert(1)
	plain := newAckFrame(0, &recv)
	if plain.ecn {
		t.Fatal("newAckFrame should not set ecn")
	}
	ecn := newAckECNFrame(0, &recv, 1, 0, 0)
	if !ecn.ecn {
		t.Fatal("newAckECNFrame should set ecn")
	}
	b := encodeFrame(t, ecn)
	if b[0] != frameTypeAckECN {
		t.Fatalf("encoded type = %#x, want ACK_ECN", b[0])
	}
}

func TestFrameTypeAllowedRestrictsInitialAndHandshake(t *testing.T) {
	allowed := []uint64{frameTypePadding, frameTypePing, frameTypeAck, frameTypeAckECN, frameTypeCrypto, frameTypeConnectionClose}
	for _, typ := range allowed {
		if !frameTypeAllowed(typ, packetSpaceInitial) {
			t.Errorf("frame type %#x should be allowed in Initial", typ)
		}
		if !frameTypeAllowed(typ, packetSpaceHandshake) {
			t.Errorf("frame type %#x should be allowed in Handshake", typ)
		}
	}
	disallowed := []uint64{frameTypeStream, frameTypeMaxData, frameTypeNewConnectionID, frameTypeHanshakeDone}
	for _, typ := range disallowed {
		if frameTypeAllowed(typ, packetSpaceInitial) {
			t.Errorf("frame type %#x should not be allowed in Initial", typ)
		}
	}
	// Application space permits everything.
	for _, typ := range append(allowed, disallowed...) {
		if !frameTypeAllowed(typ, packetSpaceApplication) {
			t.Errorf("frame type %#x should be allowed in Application", typ)
		}
	}
}

func TestIsFrameAckEliciting(t *testing.T) {
	nonEliciting := []uint64{frameTypePadding, frameTypeAck, frameTypeAckECN, frameTypeConnectionClose, frameTypeApplicationClose}
	for _, typ := range nonEliciting {
		if isFrameAckEliciting(typ) {
			t.Errorf("frame type %#x should not be ack-eliciting", typ)
		}
	}
	eliciting := []uint64{frameTypePing, frameTypeStream, frameTypeCrypto, frameTypeMaxData, frameTypeHanshakeDone}
	for _, typ := range eliciting {
		if !isFrameAckEliciting(typ) {
			t.Errorf("frame type %#x should be ack-eliciting", typ)
		}
	}
}

func TestFrameTypeBitset(t *testing.T) {
	var b frameTypeBitset
	b.set(frameTypeStream)
	b.set(frameTypeAck)
	if !b.has(frameTypeStream) || !b.has(frameTypeAck) {
		t.Fatal("bitset should report set types")
	}
	if b.has(frameTypeCrypto) {
		t.Fatal("bitset should not report unset types")
	}
	// Types >= 64 are out of range and always read as unset.
	b.set(100)
	if b.has(100) {
		t.Fatal("bitset should ignore types >= 64")
	}
}

func TestOutgoingPacketAckElicitingTracksFrameKinds(t *testing.T) {
	op := newOutgoingPacket(1, testTime(0))
	op.addFrame(newPaddingFrame(1))
	if op.ackEliciting {
		t.Fatal("PADDING alone should not mark a packet ack-eliciting")
	}
	op.addFrame(&pingFrame{})
	if !op.ackEliciting {
		t.Fatal("PING should mark a packet ack-eliciting")
	}
}
