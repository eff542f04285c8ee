package transport

import (
	"fmt"
	"time"
)

// MaxCIDLength is the largest connection ID length QUIC allows (RFC 9000 §17.2).
const MaxCIDLength = 20

// Frame type codes.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#frames
const (
	frameTypePadding             = 0x00
	frameTypePing                = 0x01
	frameTypeAck                 = 0x02
	frameTypeAckECN              = 0x03
	frameTypeResetStream         = 0x04
	frameTypeStopSending         = 0x05
	frameTypeCrypto              = 0x06
	frameTypeNewToken            = 0x07
	frameTypeStream              = 0x08
	frameTypeStreamEnd           = 0x0f
	frameTypeMaxData             = 0x10
	frameTypeMaxStreamData       = 0x11
	frameTypeMaxStreamsBidi      = 0x12
	frameTypeMaxStreamsUni       = 0x13
	frameTypeDataBlocked         = 0x14
	frameTypeStreamDataBlocked   = 0x15
	frameTypeStreamsBlockedBidi  = 0x16
	frameTypeStreamsBlockedUni   = 0x17
	frameTypeNewConnectionID     = 0x18
	frameTypeRetireConnectionID  = 0x19
	frameTypePathChallenge       = 0x1a
	frameTypePathResponse        = 0x1b
	frameTypeConnectionClose     = 0x1c
	frameTypeApplicationClose    = 0x1d
	frameTypeHanshakeDone        = 0x1e
)

// streamFrameFlags, the three low bits of a STREAM frame type byte.
const (
	streamFlagFin = 0x01
	streamFlagLen = 0x02
	streamFlagOff = 0x04
)

const (
	maxCryptoFrameOverhead = 1 + 8 + 8 // type + offset + length varints (worst case)
	maxStreamFrameOverhead = 1 + 8 + 8 + 8
)

// frame is the common interface satisfied by every QUIC frame type: it can
// measure and write its own wire encoding. Decoding goes through each
// concrete type's decode method directly (call sites always know which
// frame they expect, except for the leading type-byte dispatch in
// Conn.recvFrames).
type frame interface {
	encode(b []byte) (int, error)
	encodedLen() int
}

// isFrameAckEliciting reports whether a packet containing only this frame
// type still requires the peer to acknowledge it.
func isFrameAckEliciting(typ uint64) bool {
	switch typ {
	case frameTypePadding, frameTypeAck, frameTypeAckECN, frameTypeConnectionClose, frameTypeApplicationClose:
		return false
	default:
		return true
	}
}

// frameTypeAllowed reports whether typ may appear in a packet of the given
// epoch. Initial and Handshake packets are restricted per RFC 9000 §12.4.
func frameTypeAllowed(typ uint64, space packetSpace) bool {
	if space == packetSpaceApplication {
		return true
	}
	switch typ {
	case frameTypePadding, frameTypePing, frameTypeAck, frameTypeAckECN,
		frameTypeCrypto, frameTypeConnectionClose:
		return true
	default:
		return false
	}
}

// frameTypeBitset is a fixed-size bit vector keyed by frame-type code, used
// to track which frame types a packet carried (pkt_meta) or which frame
// types a packet-number space has seen.
type frameTypeBitset uint64

func (b *frameTypeBitset) set(typ uint64) {
	if typ < 64 {
		*b |= frameTypeBitset(1) << typ
	}
}

func (b frameTypeBitset) has(typ uint64) bool {
	if typ >= 64 {
		return false
	}
	return b&(frameTypeBitset(1)<<typ) != 0
}

// --- PADDING ---

type paddingFrame struct {
	size int
}

func newPaddingFrame(size int) *paddingFrame {
	return &paddingFrame{size: size}
}

func (f *paddingFrame) decode(b []byte) (int, error) {
	n := 0
	for n < len(b) && b[n] == frameTypePadding {
		n++
	}
	if n == 0 {
		return 0, newError(FrameEncodingError, "padding")
	}
	f.size = n
	return n, nil
}

func (f *paddingFrame) encode(b []byte) (int, error) {
	if len(b) < f.size {
		return 0, errShortBuffer
	}
	for i := 0; i < f.size; i++ {
		b[i] = frameTypePadding
	}
	return f.size, nil
}

func (f *paddingFrame) encodedLen() int { return f.size }
func (f *paddingFrame) String() string  { return fmt.Sprintf("PADDING(%d)", f.size) }

// --- PING ---

type pingFrame struct{}

func (f *pingFrame) encode(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, errShortBuffer
	}
	b[0] = frameTypePing
	return 1, nil
}

func (f *pingFrame) encodedLen() int { return 1 }
func (f *pingFrame) String() string  { return "PING" }

// --- ACK / ACK_ECN ---

type ackRange struct {
	gap   uint64
	rng   uint64
}

type ackFrame struct {
	ecn           bool
	largestAck    uint64
	ackDelay      uint64
	firstAckRange uint64
	ranges        []ackRange
	ect0Count     uint64
	ect1Count     uint64
	ceCount       uint64
}

// newAckFrame builds a plain ACK frame (newAckECNFrame builds ACK_ECN)
// from the receiver's diet of received packet numbers, per RFC 9000's
// ACK frame encode algorithm.
func newAckFrame(ackDelay uint64, recv *diet) *ackFrame {
	f := &ackFrame{ackDelay: ackDelay}
	_, largest, ok := recv.maxIval()
	if !ok {
		return f
	}
	f.largestAck = largest
	first := true
	var prevLo uint64
	recv.foreachRev(func(lo, hi uint64) bool {
		if first {
			f.firstAckRange = hi - lo
			prevLo = lo
			first = false
			return true
		}
		f.ranges = append(f.ranges, ackRange{
			gap: prevLo - hi - 2,
			rng: hi - lo,
		})
		prevLo = lo
		return true
	})
	return f
}

func newAckECNFrame(ackDelay uint64, recv *diet, ect0, ect1, ce uint64) *ackFrame {
	f := newAckFrame(ackDelay, recv)
	f.ecn = true
	f.ect0Count = ect0
	f.ect1Count = ect1
	f.ceCount = ce
	return f
}

func (f *ackFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 || (typ != frameTypeAck && typ != frameTypeAckECN) {
		return 0, newError(FrameEncodingError, "ack type")
	}
	f.ecn = typ == frameTypeAckECN
	off := n
	var rangeCount uint64
	for _, v := range []*uint64{&f.largestAck, &f.ackDelay, &rangeCount, &f.firstAckRange} {
		m := getVarint(b[off:], v)
		if m == 0 {
			return 0, newError(FrameEncodingError, "ack")
		}
		off += m
	}
	f.ranges = f.ranges[:0]
	for i := uint64(0); i < rangeCount; i++ {
		var r ackRange
		m := getVarint(b[off:], &r.gap)
		if m == 0 {
			return 0, newError(FrameEncodingError, "ack range gap")
		}
		off += m
		m = getVarint(b[off:], &r.rng)
		if m == 0 {
			return 0, newError(FrameEncodingError, "ack range")
		}
		off += m
		f.ranges = append(f.ranges, r)
	}
	if f.ecn {
		for _, v := range []*uint64{&f.ect0Count, &f.ect1Count, &f.ceCount} {
			m := getVarint(b[off:], v)
			if m == 0 {
				return 0, newError(FrameEncodingError, "ack ecn counts")
			}
			off += m
		}
	}
	return off, nil
}

func (f *ackFrame) encode(b []byte) (int, error) {
	off := 0
	typ := uint64(frameTypeAck)
	if f.ecn {
		typ = frameTypeAckECN
	}
	fields := []uint64{typ, f.largestAck, f.ackDelay, uint64(len(f.ranges)), f.firstAckRange}
	for _, v := range fields {
		n := putVarint(b[off:], v)
		if n == 0 {
			return 0, errShortBuffer
		}
		off += n
	}
	for _, r := range f.ranges {
		n := putVarint(b[off:], r.gap)
		if n == 0 {
			return 0, errShortBuffer
		}
		off += n
		n = putVarint(b[off:], r.rng)
		if n == 0 {
			return 0, errShortBuffer
		}
		off += n
	}
	if f.ecn {
		for _, v := range []uint64{f.ect0Count, f.ect1Count, f.ceCount} {
			n := putVarint(b[off:], v)
			if n == 0 {
				return 0, errShortBuffer
			}
			off += n
		}
	}
	return off, nil
}

func (f *ackFrame) encodedLen() int {
	typ := uint64(frameTypeAck)
	if f.ecn {
		typ = frameTypeAckECN
	}
	n := varintLen(typ) + varintLen(f.largestAck) + varintLen(f.ackDelay) +
		varintLen(uint64(len(f.ranges))) + varintLen(f.firstAckRange)
	for _, r := range f.ranges {
		n += varintLen(r.gap) + varintLen(r.rng)
	}
	if f.ecn {
		n += varintLen(f.ect0Count) + varintLen(f.ect1Count) + varintLen(f.ceCount)
	}
	return n
}

// toRangeSet reconstructs the set of acknowledged packet numbers described
// by this frame. It returns nil if the gap/range arithmetic underflows
// (underflow on decode is a protocol violation).
func (f *ackFrame) toRangeSet() *diet {
	if f.firstAckRange > f.largestAck {
		return nil
	}
	d := &diet{}
	hi := f.largestAck
	lo := hi - f.firstAckRange
	d.insertRange(lo, hi)
	for _, r := range f.ranges {
		if r.gap+2 > lo {
			return nil
		}
		newHi := lo - r.gap - 2
		if r.rng > newHi {
			return nil
		}
		newLo := newHi - r.rng
		d.insertRange(newLo, newHi)
		lo = newLo
		hi = newHi
	}
	return d
}

func (f *ackFrame) String() string {
	return fmt.Sprintf("ACK(largest=%d delay=%d ranges=%d ecn=%v)", f.largestAck, f.ackDelay, len(f.ranges), f.ecn)
}

// --- RESET_STREAM ---

type resetStreamFrame struct {
	streamID  uint64
	errorCode uint64
	finalSize uint64
}

func newResetStreamFrame(streamID, errorCode, finalSize uint64) *resetStreamFrame {
	return &resetStreamFrame{streamID: streamID, errorCode: errorCode, finalSize: finalSize}
}

func (f *resetStreamFrame) decode(b []byte) (int, error) {
	off := 0
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 || typ != frameTypeResetStream {
		return 0, newError(FrameEncodingError, "reset_stream")
	}
	off += n
	for _, v := range []*uint64{&f.streamID, &f.errorCode, &f.finalSize} {
		n = getVarint(b[off:], v)
		if n == 0 {
			return 0, newError(FrameEncodingError, "reset_stream")
		}
		off += n
	}
	return off, nil
}

func (f *resetStreamFrame) encode(b []byte) (int, error) {
	off := putVarint(b, frameTypeResetStream)
	for _, v := range []uint64{f.streamID, f.errorCode, f.finalSize} {
		n := putVarint(b[off:], v)
		if n == 0 {
			return 0, errShortBuffer
		}
		off += n
	}
	return off, nil
}

func (f *resetStreamFrame) encodedLen() int {
	return varintLen(frameTypeResetStream) + varintLen(f.streamID) + varintLen(f.errorCode) + varintLen(f.finalSize)
}

func (f *resetStreamFrame) String() string {
	return fmt.Sprintf("RESET_STREAM(id=%d err=%d final=%d)", f.streamID, f.errorCode, f.finalSize)
}

// --- STOP_SENDING ---

type stopSendingFrame struct {
	streamID  uint64
	errorCode uint64
}

func newStopSendingFrame(streamID, errorCode uint64) *stopSendingFrame {
	return &stopSendingFrame{streamID: streamID, errorCode: errorCode}
}

func (f *stopSendingFrame) decode(b []byte) (int, error) {
	off := 0
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 || typ != frameTypeStopSending {
		return 0, newError(FrameEncodingError, "stop_sending")
	}
	off += n
	for _, v := range []*uint64{&f.streamID, &f.errorCode} {
		n = getVarint(b[off:], v)
		if n == 0 {
			return 0, newError(FrameEncodingError, "stop_sending")
		}
		off += n
	}
	return off, nil
}

func (f *stopSendingFrame) encode(b []byte) (int, error) {
	off := putVarint(b, frameTypeStopSending)
	for _, v := range []uint64{f.streamID, f.errorCode} {
		n := putVarint(b[off:], v)
		if n == 0 {
			return 0, errShortBuffer
		}
		off += n
	}
	return off, nil
}

func (f *stopSendingFrame) encodedLen() int {
	return varintLen(frameTypeStopSending) + varintLen(f.streamID) + varintLen(f.errorCode)
}

func (f *stopSendingFrame) String() string {
	return fmt.Sprintf("STOP_SENDING(id=%d err=%d)", f.streamID, f.errorCode)
}

// --- CRYPTO ---

type cryptoFrame struct {
	offset uint64
	data   []byte
}

func newCryptoFrame(data []byte, offset uint64) *cryptoFrame {
	return &cryptoFrame{data: data, offset: offset}
}

func (f *cryptoFrame) decode(b []byte) (int, error) {
	off := 0
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 || typ != frameTypeCrypto {
		return 0, newError(FrameEncodingError, "crypto")
	}
	off += n
	n = getVarint(b[off:], &f.offset)
	if n == 0 {
		return 0, newError(FrameEncodingError, "crypto offset")
	}
	off += n
	n = getVarintBytes(b[off:], &f.data)
	if n == 0 {
		return 0, newError(FrameEncodingError, "crypto data")
	}
	off += n
	return off, nil
}

func (f *cryptoFrame) encode(b []byte) (int, error) {
	off := putVarint(b, frameTypeCrypto)
	n := putVarint(b[off:], f.offset)
	if n == 0 {
		return 0, errShortBuffer
	}
	off += n
	n = putVarintBytes(b[off:], f.data)
	if n == 0 {
		return 0, errShortBuffer
	}
	off += n
	return off, nil
}

func (f *cryptoFrame) encodedLen() int {
	return varintLen(frameTypeCrypto) + varintLen(f.offset) + varintLen(uint64(len(f.data))) + len(f.data)
}

func (f *cryptoFrame) String() string {
	return fmt.Sprintf("CRYPTO(offset=%d len=%d)", f.offset, len(f.data))
}

// --- NEW_TOKEN ---

type newTokenFrame struct {
	token []byte
}

func newNewTokenFrame(token []byte) *newTokenFrame {
	return &newTokenFrame{token: token}
}

func (f *newTokenFrame) decode(b []byte) (int, error) {
	off := 0
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 || typ != frameTypeNewToken {
		return 0, newError(FrameEncodingError, "new_token")
	}
	off += n
	n = getVarintBytes(b[off:], &f.token)
	if n == 0 {
		return 0, newError(FrameEncodingError, "new_token data")
	}
	off += n
	return off, nil
}

func (f *newTokenFrame) encode(b []byte) (int, error) {
	off := putVarint(b, frameTypeNewToken)
	n := putVarintBytes(b[off:], f.token)
	if n == 0 {
		return 0, errShortBuffer
	}
	off += n
	return off, nil
}

func (f *newTokenFrame) encodedLen() int {
	return varintLen(frameTypeNewToken) + varintLen(uint64(len(f.token))) + len(f.token)
}

func (f *newTokenFrame) String() string {
	return fmt.Sprintf("NEW_TOKEN(len=%d)", len(f.token))
}

// --- STREAM ---

type streamFrame struct {
	streamID uint64
	offset   uint64
	data     []byte
	fin      bool
	// omitLen drops the LEN flag and the length prefix on encode; set
	// only when this frame is the last in its packet, so its data runs to
	// the end of the payload.
	omitLen bool
}

func newStreamFrame(streamID uint64, data []byte, offset uint64, fin bool) *streamFrame {
	return &streamFrame{streamID: streamID, data: data, offset: offset, fin: fin}
}

func (f *streamFrame) decode(b []byte) (int, error) {
	off := 0
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 || typ < frameTypeStream || typ > frameTypeStreamEnd {
		return 0, newError(FrameEncodingError, "stream")
	}
	off += n
	hasOff := typ&streamFlagOff != 0
	hasLen := typ&streamFlagLen != 0
	f.fin = typ&streamFlagFin != 0
	n = getVarint(b[off:], &f.streamID)
	if n == 0 {
		return 0, newError(FrameEncodingError, "stream id")
	}
	off += n
	f.offset = 0
	if hasOff {
		n = getVarint(b[off:], &f.offset)
		if n == 0 {
			return 0, newError(FrameEncodingError, "stream offset")
		}
		off += n
	}
	if hasLen {
		n = getVarintBytes(b[off:], &f.data)
		if n == 0 {
			return 0, newError(FrameEncodingError, "stream data")
		}
		off += n
	} else {
		f.data = append(f.data[:0], b[off:]...)
		off = len(b)
	}
	return off, nil
}

func (f *streamFrame) encode(b []byte) (int, error) {
	return f.encodeTo(b, !f.omitLen)
}

// encodeTo allows the caller to omit the LEN flag (and the length prefix)
// when this is the last frame in the datagram, saving bytes.
func (f *streamFrame) encodeTo(b []byte, withLen bool) (int, error) {
	typ := uint64(frameTypeStream)
	if f.offset != 0 {
		typ |= streamFlagOff
	}
	if withLen {
		typ |= streamFlagLen
	}
	if f.fin {
		typ |= streamFlagFin
	}
	off := putVarint(b, typ)
	if off == 0 {
		return 0, errShortBuffer
	}
	n := putVarint(b[off:], f.streamID)
	if n == 0 {
		return 0, errShortBuffer
	}
	off += n
	if f.offset != 0 {
		n = putVarint(b[off:], f.offset)
		if n == 0 {
			return 0, errShortBuffer
		}
		off += n
	}
	if withLen {
		n = putVarintBytes(b[off:], f.data)
		if n == 0 {
			return 0, errShortBuffer
		}
		off += n
	} else {
		if len(b)-off < len(f.data) {
			return 0, errShortBuffer
		}
		copy(b[off:], f.data)
		off += len(f.data)
	}
	return off, nil
}

func (f *streamFrame) encodedLen() int {
	n := 1 + varintLen(f.streamID) + len(f.data)
	if !f.omitLen {
		n += varintLen(uint64(len(f.data)))
	}
	if f.offset != 0 {
		n += varintLen(f.offset)
	}
	return n
}

func (f *streamFrame) String() string {
	return fmt.Sprintf("STREAM(id=%d offset=%d len=%d fin=%v)", f.streamID, f.offset, len(f.data), f.fin)
}

// --- MAX_DATA ---

type maxDataFrame struct {
	maximumData uint64
}

func newMaxDataFrame(v uint64) *maxDataFrame { return &maxDataFrame{maximumData: v} }

func (f *maxDataFrame) decode(b []byte) (int, error) {
	off := 0
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 || typ != frameTypeMaxData {
		return 0, newError(FrameEncodingError, "max_data")
	}
	off += n
	n = getVarint(b[off:], &f.maximumData)
	if n == 0 {
		return 0, newError(FrameEncodingError, "max_data")
	}
	off += n
	return off, nil
}

func (f *maxDataFrame) encode(b []byte) (int, error) {
	off := putVarint(b, frameTypeMaxData)
	n := putVarint(b[off:], f.maximumData)
	if n == 0 {
		return 0, errShortBuffer
	}
	return off + n, nil
}

func (f *maxDataFrame) encodedLen() int {
	return varintLen(frameTypeMaxData) + varintLen(f.maximumData)
}

func (f *maxDataFrame) String() string { return fmt.Sprintf("MAX_DATA(%d)", f.maximumData) }

// --- MAX_STREAM_DATA ---

type maxStreamDataFrame struct {
	streamID    uint64
	maximumData uint64
}

func newMaxStreamDataFrame(streamID, v uint64) *maxStreamDataFrame {
	return &maxStreamDataFrame{streamID: streamID, maximumData: v}
}

func (f *maxStreamDataFrame) decode(b []byte) (int, error) {
	off := 0
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 || typ != frameTypeMaxStreamData {
		return 0, newError(FrameEncodingError, "max_stream_data")
	}
	off += n
	for _, v := range []*uint64{&f.streamID, &f.maximumData} {
		n = getVarint(b[off:], v)
		if n == 0 {
			return 0, newError(FrameEncodingError, "max_stream_data")
		}
		off += n
	}
	return off, nil
}

func (f *maxStreamDataFrame) encode(b []byte) (int, error) {
	off := putVarint(b, frameTypeMaxStreamData)
	for _, v := range []uint64{f.streamID, f.maximumData} {
		n := putVarint(b[off:], v)
		if n == 0 {
			return 0, errShortBuffer
		}
		off += n
	}
	return off, nil
}

func (f *maxStreamDataFrame) encodedLen() int {
	return varintLen(frameTypeMaxStreamData) + varintLen(f.streamID) + varintLen(f.maximumData)
}

func (f *maxStreamDataFrame) String() string {
	return fmt.Sprintf("MAX_STREAM_DATA(id=%d max=%d)", f.streamID, f.maximumData)
}

// --- MAX_STREAMS ---

type maxStreamsFrame struct {
	maximumStreams uint64
	bidi           bool
}

func newMaxStreamsFrame(v uint64, bidi bool) *maxStreamsFrame {
	return &maxStreamsFrame{maximumStreams: v, bidi: bidi}
}

func (f *maxStreamsFrame) decode(b []byte) (int, error) {
	off := 0
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 || (typ != frameTypeMaxStreamsBidi && typ != frameTypeMaxStreamsUni) {
		return 0, newError(FrameEncodingError, "max_streams")
	}
	f.bidi = typ == frameTypeMaxStreamsBidi
	off += n
	n = getVarint(b[off:], &f.maximumStreams)
	if n == 0 {
		return 0, newError(FrameEncodingError, "max_streams")
	}
	off += n
	return off, nil
}

func (f *maxStreamsFrame) encode(b []byte) (int, error) {
	typ := uint64(frameTypeMaxStreamsUni)
	if f.bidi {
		typ = frameTypeMaxStreamsBidi
	}
	off := putVarint(b, typ)
	n := putVarint(b[off:], f.maximumStreams)
	if n == 0 {
		return 0, errShortBuffer
	}
	return off + n, nil
}

func (f *maxStreamsFrame) encodedLen() int {
	typ := uint64(frameTypeMaxStreamsUni)
	if f.bidi {
		typ = frameTypeMaxStreamsBidi
	}
	return varintLen(typ) + varintLen(f.maximumStreams)
}

func (f *maxStreamsFrame) String() string {
	return fmt.Sprintf("MAX_STREAMS(bidi=%v max=%d)", f.bidi, f.maximumStreams)
}

// --- DATA_BLOCKED ---

type dataBlockedFrame struct {
	dataLimit uint64
}

func newDataBlockedFrame(v uint64) *dataBlockedFrame { return &dataBlockedFrame{dataLimit: v} }

func (f *dataBlockedFrame) decode(b []byte) (int, error) {
	off := 0
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 || typ != frameTypeDataBlocked {
		return 0, newError(FrameEncodingError, "data_blocked")
	}
	off += n
	n = getVarint(b[off:], &f.dataLimit)
	if n == 0 {
		return 0, newError(FrameEncodingError, "data_blocked")
	}
	off += n
	return off, nil
}

func (f *dataBlockedFrame) encode(b []byte) (int, error) {
	off := putVarint(b, frameTypeDataBlocked)
	n := putVarint(b[off:], f.dataLimit)
	if n == 0 {
		return 0, errShortBuffer
	}
	return off + n, nil
}

func (f *dataBlockedFrame) encodedLen() int {
	return varintLen(frameTypeDataBlocked) + varintLen(f.dataLimit)
}

func (f *dataBlockedFrame) String() string { return fmt.Sprintf("DATA_BLOCKED(%d)", f.dataLimit) }

// --- STREAM_DATA_BLOCKED ---

type streamDataBlockedFrame struct {
	streamID  uint64
	dataLimit uint64
}

func newStreamDataBlockedFrame(streamID, v uint64) *streamDataBlockedFrame {
	return &streamDataBlockedFrame{streamID: streamID, dataLimit: v}
}

func (f *streamDataBlockedFrame) decode(b []byte) (int, error) {
	off := 0
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 || typ != frameTypeStreamDataBlocked {
		return 0, newError(FrameEncodingError, "stream_data_blocked")
	}
	off += n
	for _, v := range []*uint64{&f.streamID, &f.dataLimit} {
		n = getVarint(b[off:], v)
		if n == 0 {
			return 0, newError(FrameEncodingError, "stream_data_blocked")
		}
		off += n
	}
	return off, nil
}

func (f *streamDataBlockedFrame) encode(b []byte) (int, error) {
	off := putVarint(b, frameTypeStreamDataBlocked)
	for _, v := range []uint64{f.streamID, f.dataLimit} {
		n := putVarint(b[off:], v)
		if n == 0 {
			return 0, errShortBuffer
		}
		off += n
	}
	return off, nil
}

func (f *streamDataBlockedFrame) encodedLen() int {
	return varintLen(frameTypeStreamDataBlocked) + varintLen(f.streamID) + varintLen(f.dataLimit)
}

func (f *streamDataBlockedFrame) String() string {
	return fmt.Sprintf("STREAM_DATA_BLOCKED(id=%d limit=%d)", f.streamID, f.dataLimit)
}

// --- STREAMS_BLOCKED ---

type streamsBlockedFrame struct {
	streamLimit uint64
	bidi        bool
}

func newStreamsBlockedFrame(v uint64, bidi bool) *streamsBlockedFrame {
	return &streamsBlockedFrame{streamLimit: v, bidi: bidi}
}

func (f *streamsBlockedFrame) decode(b []byte) (int, error) {
	off := 0
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 || (typ != frameTypeStreamsBlockedBidi && typ != frameTypeStreamsBlockedUni) {
		return 0, newError(FrameEncodingError, "streams_blocked")
	}
	f.bidi = typ == frameTypeStreamsBlockedBidi
	off += n
	n = getVarint(b[off:], &f.streamLimit)
	if n == 0 {
		return 0, newError(FrameEncodingError, "streams_blocked")
	}
	off += n
	return off, nil
}

func (f *streamsBlockedFrame) encode(b []byte) (int, error) {
	typ := uint64(frameTypeStreamsBlockedUni)
	if f.bidi {
		typ = frameTypeStreamsBlockedBidi
	}
	off := putVarint(b, typ)
	n := putVarint(b[off:], f.streamLimit)
	if n == 0 {
		return 0, errShortBuffer
	}
	return off + n, nil
}

func (f *streamsBlockedFrame) encodedLen() int {
	typ := uint64(frameTypeStreamsBlockedUni)
	if f.bidi {
		typ = frameTypeStreamsBlockedBidi
	}
	return varintLen(typ) + varintLen(f.streamLimit)
}

func (f *streamsBlockedFrame) String() string {
	return fmt.Sprintf("STREAMS_BLOCKED(bidi=%v limit=%d)", f.bidi, f.streamLimit)
}

// --- NEW_CONNECTION_ID ---

type newConnectionIDFrame struct {
	seq           uint64
	retirePriorTo uint64
	connID        []byte
	resetToken    [16]byte
}

func newNewConnectionIDFrame(seq, retirePriorTo uint64, connID []byte, resetToken [16]byte) *newConnectionIDFrame {
	return &newConnectionIDFrame{seq: seq, retirePriorTo: retirePriorTo, connID: connID, resetToken: resetToken}
}

func (f *newConnectionIDFrame) decode(b []byte) (int, error) {
	off := 0
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 || typ != frameTypeNewConnectionID {
		return 0, newError(FrameEncodingError, "new_connection_id")
	}
	off += n
	for _, v := range []*uint64{&f.seq, &f.retirePriorTo} {
		n = getVarint(b[off:], v)
		if n == 0 {
			return 0, newError(FrameEncodingError, "new_connection_id")
		}
		off += n
	}
	if off >= len(b) {
		return 0, newError(FrameEncodingError, "new_connection_id length")
	}
	length := int(b[off])
	off++
	if length == 0 || length > MaxCIDLength {
		return 0, newError(FrameEncodingError, "new_connection_id length")
	}
	n = getBytes(b[off:], &f.connID, length)
	if n == 0 {
		return 0, newError(FrameEncodingError, "new_connection_id")
	}
	off += n
	n = getBytes(b[off:], sliceOf(&f.resetToken), 16)
	if n == 0 {
		return 0, newError(FrameEncodingError, "new_connection_id reset token")
	}
	off += n
	return off, nil
}

// sliceOf returns a *[]byte view of a [16]byte array, for getBytes.
func sliceOf(arr *[16]byte) *[]byte {
	s := arr[:0]
	return &s
}

func (f *newConnectionIDFrame) encode(b []byte) (int, error) {
	off := putVarint(b, frameTypeNewConnectionID)
	for _, v := range []uint64{f.seq, f.retirePriorTo} {
		n := putVarint(b[off:], v)
		if n == 0 {
			return 0, errShortBuffer
		}
		off += n
	}
	if len(b)-off < 1+len(f.connID)+16 {
		return 0, errShortBuffer
	}
	b[off] = byte(len(f.connID))
	off++
	copy(b[off:], f.connID)
	off += len(f.connID)
	copy(b[off:], f.resetToken[:])
	off += 16
	return off, nil
}

func (f *newConnectionIDFrame) encodedLen() int {
	return varintLen(frameTypeNewConnectionID) + varintLen(f.seq) + varintLen(f.retirePriorTo) + 1 + len(f.connID) + 16
}

func (f *newConnectionIDFrame) String() string {
	return fmt.Sprintf("NEW_CONNECTION_ID(seq=%d retire_prior_to=%d id=%x)", f.seq, f.retirePriorTo, f.connID)
}

// --- RETIRE_CONNECTION_ID ---

type retireConnectionIDFrame struct {
	seq uint64
}

func newRetireConnectionIDFrame(seq uint64) *retireConnectionIDFrame {
	return &retireConnectionIDFrame{seq: seq}
}

func (f *retireConnectionIDFrame) decode(b []byte) (int, error) {
	off := 0
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 || typ != frameTypeRetireConnectionID {
		return 0, newError(FrameEncodingError, "retire_connection_id")
	}
	off += n
	n = getVarint(b[off:], &f.seq)
	if n == 0 {
		return 0, newError(FrameEncodingError, "retire_connection_id")
	}
	off += n
	return off, nil
}

func (f *retireConnectionIDFrame) encode(b []byte) (int, error) {
	off := putVarint(b, frameTypeRetireConnectionID)
	n := putVarint(b[off:], f.seq)
	if n == 0 {
		return 0, errShortBuffer
	}
	return off + n, nil
}

func (f *retireConnectionIDFrame) encodedLen() int {
	return varintLen(frameTypeRetireConnectionID) + varintLen(f.seq)
}

func (f *retireConnectionIDFrame) String() string {
	return fmt.Sprintf("RETIRE_CONNECTION_ID(seq=%d)", f.seq)
}

// --- PATH_CHALLENGE / PATH_RESPONSE ---

type pathChallengeFrame struct {
	data [8]byte
}

func newPathChallengeFrame(data [8]byte) *pathChallengeFrame { return &pathChallengeFrame{data: data} }

func (f *pathChallengeFrame) decode(b []byte) (int, error) {
	return decodePathFrame(b, frameTypePathChallenge, &f.data)
}

func (f *pathChallengeFrame) encode(b []byte) (int, error) {
	return encodePathFrame(b, frameTypePathChallenge, f.data)
}

func (f *pathChallengeFrame) encodedLen() int { return 1 + 8 }
func (f *pathChallengeFrame) String() string  { return fmt.Sprintf("PATH_CHALLENGE(%x)", f.data) }

type pathResponseFrame struct {
	data [8]byte
}

func newPathResponseFrame(data [8]byte) *pathResponseFrame { return &pathResponseFrame{data: data} }

func (f *pathResponseFrame) decode(b []byte) (int, error) {
	return decodePathFrame(b, frameTypePathResponse, &f.data)
}

func (f *pathResponseFrame) encode(b []byte) (int, error) {
	return encodePathFrame(b, frameTypePathResponse, f.data)
}

func (f *pathResponseFrame) encodedLen() int { return 1 + 8 }
func (f *pathResponseFrame) String() string  { return fmt.Sprintf("PATH_RESPONSE(%x)", f.data) }

func decodePathFrame(b []byte, want uint64, out *[8]byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 || typ != want || len(b)-n < 8 {
		return 0, newError(FrameEncodingError, "path frame")
	}
	copy(out[:], b[n:n+8])
	return n + 8, nil
}

func encodePathFrame(b []byte, typ uint64, data [8]byte) (int, error) {
	n := putVarint(b, typ)
	if n == 0 || len(b)-n < 8 {
		return 0, errShortBuffer
	}
	copy(b[n:], data[:])
	return n + 8, nil
}

// --- CONNECTION_CLOSE ---

type connectionCloseFrame struct {
	application  bool
	errorCode    uint64
	frameType    uint64
	reasonPhrase []byte
}

func newConnectionCloseFrame(errorCode, frameType uint64, reasonPhrase []byte, application bool) *connectionCloseFrame {
	return &connectionCloseFrame{errorCode: errorCode, frameType: frameType, reasonPhrase: reasonPhrase, application: application}
}

func (f *connectionCloseFrame) decode(b []byte) (int, error) {
	off := 0
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 || (typ != frameTypeConnectionClose && typ != frameTypeApplicationClose) {
		return 0, newError(FrameEncodingError, "connection_close")
	}
	f.application = typ == frameTypeApplicationClose
	off += n
	n = getVarint(b[off:], &f.errorCode)
	if n == 0 {
		return 0, newError(FrameEncodingError, "connection_close")
	}
	off += n
	f.frameType = 0
	if !f.application {
		n = getVarint(b[off:], &f.frameType)
		if n == 0 {
			return 0, newError(FrameEncodingError, "connection_close frame type")
		}
		off += n
	}
	n = getVarintBytes(b[off:], &f.reasonPhrase)
	if n == 0 {
		return 0, newError(FrameEncodingError, "connection_close reason")
	}
	off += n
	return off, nil
}

func (f *connectionCloseFrame) encode(b []byte) (int, error) {
	typ := uint64(frameTypeConnectionClose)
	if f.application {
		typ = frameTypeApplicationClose
	}
	off := putVarint(b, typ)
	n := putVarint(b[off:], f.errorCode)
	if n == 0 {
		return 0, errShortBuffer
	}
	off += n
	if !f.application {
		n = putVarint(b[off:], f.frameType)
		if n == 0 {
			return 0, errShortBuffer
		}
		off += n
	}
	n = putVarintBytes(b[off:], f.reasonPhrase)
	if n == 0 {
		return 0, errShortBuffer
	}
	off += n
	return off, nil
}

func (f *connectionCloseFrame) encodedLen() int {
	typ := uint64(frameTypeConnectionClose)
	if f.application {
		typ = frameTypeApplicationClose
	}
	n := varintLen(typ) + varintLen(f.errorCode) + varintLen(uint64(len(f.reasonPhrase))) + len(f.reasonPhrase)
	if !f.application {
		n += varintLen(f.frameType)
	}
	return n
}

func (f *connectionCloseFrame) String() string {
	return fmt.Sprintf("CONNECTION_CLOSE(app=%v err=%s reason=%s)", f.application, errorCodeString(f.errorCode), f.reasonPhrase)
}

// --- HANDSHAKE_DONE ---

type handshakeDoneFrame struct{}

func (f *handshakeDoneFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 || typ != frameTypeHanshakeDone {
		return 0, newError(FrameEncodingError, "handshake_done")
	}
	return n, nil
}

func (f *handshakeDoneFrame) encode(b []byte) (int, error) {
	n := putVarint(b, frameTypeHanshakeDone)
	if n == 0 {
		return 0, errShortBuffer
	}
	return n, nil
}

func (f *handshakeDoneFrame) encodedLen() int { return varintLen(frameTypeHanshakeDone) }
func (f *handshakeDoneFrame) String() string  { return "HANDSHAKE_DONE" }

// encodeFrames writes frames in order into b, returning the total length.
func encodeFrames(b []byte, frames []frame) (int, error) {
	off := 0
	for _, f := range frames {
		n, err := f.encode(b[off:])
		if err != nil {
			return 0, err
		}
		off += n
	}
	return off, nil
}

// outgoingPacket tracks the frames assembled into a not-yet-sent packet,
// becoming the pkt_meta stored in the packet-number space's in-flight map
// once the packet is actually written to the wire.
type outgoingPacket struct {
	packetNumber uint64
	timeSent     time.Time
	size         uint64
	ackEliciting bool
	inFlight     bool
	frames       []frame
	types        frameTypeBitset
}

func newOutgoingPacket(pn uint64, now time.Time) *outgoingPacket {
	return &outgoingPacket{packetNumber: pn, timeSent: now}
}

func (op *outgoingPacket) addFrame(f frame) {
	op.frames = append(op.frames, f)
	op.types.set(frameTypeOf(f))
	switch f.(type) {
	case *paddingFrame, *ackFrame, *connectionCloseFrame:
	default:
		op.ackEliciting = true
	}
}

// frameTypeOf returns the type code of a frame value. STREAM frames map to
// the base STREAM code whatever their OFF/LEN/FIN bits; ACK_ECN, the
// application close and the bidi/uni variants keep their own codes.
func frameTypeOf(f frame) uint64 {
	switch f := f.(type) {
	case *paddingFrame:
		return frameTypePadding
	case *pingFrame:
		return frameTypePing
	case *ackFrame:
		if f.ecn {
			return frameTypeAckECN
		}
		return frameTypeAck
	case *resetStreamFrame:
		return frameTypeResetStream
	case *stopSendingFrame:
		return frameTypeStopSending
	case *cryptoFrame:
		return frameTypeCrypto
	case *newTokenFrame:
		return frameTypeNewToken
	case *streamFrame:
		return frameTypeStream
	case *maxDataFrame:
		return frameTypeMaxData
	case *maxStreamDataFrame:
		return frameTypeMaxStreamData
	case *maxStreamsFrame:
		if f.bidi {
			return frameTypeMaxStreamsBidi
		}
		return frameTypeMaxStreamsUni
	case *dataBlockedFrame:
		return frameTypeDataBlocked
	case *streamDataBlockedFrame:
		return frameTypeStreamDataBlocked
	case *streamsBlockedFrame:
		if f.bidi {
			return frameTypeStreamsBlockedBidi
		}
		return frameTypeStreamsBlockedUni
	case *newConnectionIDFrame:
		return frameTypeNewConnectionID
	case *retireConnectionIDFrame:
		return frameTypeRetireConnectionID
	case *pathChallengeFrame:
		return frameTypePathChallenge
	case *pathResponseFrame:
		return frameTypePathResponse
	case *connectionCloseFrame:
		if f.application {
			return frameTypeApplicationClose
		}
		return frameTypeConnectionClose
	case *handshakeDoneFrame:
		return frameTypeHanshakeDone
	default:
		return frameTypePadding
	}
}

func (op *outgoingPacket) String() string {
	return fmt.Sprintf("pn=%d size=%d frames=%d", op.packetNumber, op.size, len(op.frames))
}
