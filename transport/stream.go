package transport

import (
	"fmt"
	"io"
)

// streamState tracks one stream's combined send/receive lifecycle. Receive
// events (data, in-order FIN delivery, RESET_STREAM) and send events (FIN
// emitted, all data acked) both advance it; a stream reaching
// streamStateClosed never reopens, its id goes into the connection's
// closed-stream set.
type streamState uint8

const (
	streamStateIdle streamState = iota
	streamStateOpen
	streamStateHalfClosedRemote // peer finished sending
	streamStateHalfClosedLocal  // we finished sending
	streamStateClosed
)

func (s streamState) String() string {
	switch s {
	case streamStateIdle:
		return "idle"
	case streamStateOpen:
		return "open"
	case streamStateHalfClosedRemote:
		return "half_closed_remote"
	case streamStateHalfClosedLocal:
		return "half_closed_local"
	default:
		return "closed"
	}
}

// isStreamLocal reports whether id was (or would be) opened by this
// endpoint, given its role.
func isStreamLocal(id uint64, isClient bool) bool {
	clientInitiated := id&0x1 == 0
	return clientInitiated == isClient
}

// isStreamBidi reports whether id identifies a bidirectional stream.
func isStreamBidi(id uint64) bool {
	return id&0x2 == 0
}

// sendBuffer holds bytes an application has written to a stream (or the
// crypto stream) that have not yet necessarily been sent or acknowledged.
// buf is indexed directly by absolute stream offset (buf[0] is always
// offset 0) and is never trimmed, so a lost frame can always be resent
// directly from the buffer by rewinding sendOffset (see push); acked
// tracks which ranges a peer has confirmed, for complete().
type sendBuffer struct {
	buf        []byte
	sendOffset uint64 // stream offset of the next byte to send
	fin        bool
	finAcked   bool
	acked      diet
}

func (s *sendBuffer) write(data []byte) {
	s.buf = append(s.buf, data...)
}

func (s *sendBuffer) closeWrite() {
	s.fin = true
}

// pop returns up to max bytes ready to be sent (or resent), advancing
// sendOffset. fin is true when this chunk reaches the last byte written
// and Close has been called.
func (s *sendBuffer) pop(max int) (data []byte, offset uint64, fin bool) {
	end := uint64(len(s.buf))
	if s.sendOffset > end {
		return nil, 0, false
	}
	avail := end - s.sendOffset
	if avail > uint64(max) {
		avail = uint64(max)
	}
	offset = s.sendOffset
	if avail > 0 {
		data = s.buf[s.sendOffset : s.sendOffset+avail]
		s.sendOffset += avail
	}
	fin = s.fin && s.sendOffset == end
	return data, offset, fin
}

// push re-queues previously sent bytes for retransmission; since buf is
// never trimmed ahead of acknowledgement, this only needs to rewind
// sendOffset so pop serves those bytes again.
func (s *sendBuffer) push(data []byte, offset uint64, fin bool) error {
	if offset < s.sendOffset {
		s.sendOffset = offset
	}
	if fin {
		s.fin = true
	}
	return nil
}

// ack records that [offset, offset+length) has been acknowledged. A
// zero-length ack still matters on a closed stream: it is the bare FIN
// frame coming back.
func (s *sendBuffer) ack(offset, length uint64) {
	if length > 0 {
		s.acked.insertRange(offset, offset+length-1)
	}
	if s.fin {
		if len(s.buf) == 0 {
			s.finAcked = true
		} else if lo, hi, ok := s.acked.minIval(); ok && lo == 0 && hi+1 >= uint64(len(s.buf)) {
			s.finAcked = true
		}
	}
}

func (s *sendBuffer) complete() bool {
	return s.fin && s.finAcked
}

func (s *sendBuffer) flushable() bool {
	end := uint64(len(s.buf))
	return s.sendOffset < end || (s.fin && s.sendOffset == end && !s.finAcked)
}

// recvChunk is an out-of-order fragment waiting to be merged into the
// contiguous prefix.
type recvChunk struct {
	offset uint64
	data   []byte
}

// recvBuffer reassembles a byte stream (or the crypto stream) from
// possibly-out-of-order, possibly-overlapping chunks, per spec's
// out-of-order reassembly requirement.
type recvBuffer struct {
	data          []byte // contiguous bytes available starting at base
	base          uint64
	readOffset    uint64 // how much of data the application has consumed
	chunks        []recvChunk
	hasFinalSize  bool
	finalSize     uint64
	highWatermark uint64 // largest offset+len ever observed, for RESET_STREAM accounting
}

// push ingests a fragment, merging it into the contiguous prefix when
// possible and buffering it for later reassembly otherwise.
func (r *recvBuffer) push(data []byte, offset uint64, fin bool) error {
	end := offset + uint64(len(data))
	if fin {
		if r.hasFinalSize && r.finalSize != end {
			return newError(FinalSizeError, "final size changed")
		}
		r.finalSize = end
		r.hasFinalSize = true
	} else if r.hasFinalSize && end > r.finalSize {
		return newError(FinalSizeError, "data beyond final size")
	}
	if end > r.highWatermark {
		r.highWatermark = end
	}
	if len(data) > 0 {
		r.insert(offset, data)
		r.mergeChunks()
	}
	return nil
}

// finDelivered reports whether the contiguous prefix has reached the
// stream's final size, i.e. the FIN has become the tail of the receive
// queue.
func (r *recvBuffer) finDelivered() bool {
	return r.hasFinalSize && r.base+uint64(len(r.data)) >= r.finalSize
}

// gapCount reports how many out-of-order fragments are currently
// buffered awaiting in-order placement, for telemetry.
func (r *recvBuffer) gapCount() int {
	return len(r.chunks)
}

func (r *recvBuffer) insert(offset uint64, data []byte) {
	if offset+uint64(len(data)) <= r.base {
		return // entirely already consumed/contiguous
	}
	if offset < r.base {
		skip := r.base - offset
		data = data[skip:]
		offset = r.base
	}
	// A fragment overlapping an already-buffered one is ignored outright,
	// keeping the out-of-order index free of overlapping entries.
	end := offset + uint64(len(data))
	for _, c := range r.chunks {
		if offset < c.offset+uint64(len(c.data)) && c.offset < end {
			return
		}
	}
	i := 0
	for i < len(r.chunks) && r.chunks[i].offset < offset {
		i++
	}
	c := make([]byte, len(data))
	copy(c, data)
	r.chunks = append(r.chunks, recvChunk{})
	copy(r.chunks[i+1:], r.chunks[i:])
	r.chunks[i] = recvChunk{offset: offset, data: c}
}

// mergeChunks folds any buffered chunk that has become contiguous with
// base into data, repeatedly, so out-of-order arrivals are absorbed as
// soon as the gap closes.
func (r *recvBuffer) mergeChunks() {
	for {
		progressed := false
		for i := 0; i < len(r.chunks); i++ {
			c := r.chunks[i]
			contigEnd := r.base + uint64(len(r.data))
			if c.offset > contigEnd {
				continue
			}
			end := c.offset + uint64(len(c.data))
			if end <= contigEnd {
				r.chunks = append(r.chunks[:i], r.chunks[i+1:]...)
				progressed = true
				break
			}
			overlap := contigEnd - c.offset
			r.data = append(r.data, c.data[overlap:]...)
			r.chunks = append(r.chunks[:i], r.chunks[i+1:]...)
			progressed = true
			break
		}
		if !progressed {
			return
		}
	}
}

// read copies reassembled, in-order bytes into b.
func (r *recvBuffer) read(b []byte) (int, error) {
	avail := r.data[r.readOffset:]
	if len(avail) == 0 {
		if r.hasFinalSize && r.base+r.readOffset >= r.finalSize {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(b, avail)
	r.readOffset += uint64(n)
	return n, nil
}

func (r *recvBuffer) reset(finalSize uint64) (uint64, error) {
	if r.hasFinalSize && r.finalSize != finalSize {
		return 0, newError(FinalSizeError, "final size mismatch on reset")
	}
	if finalSize < r.highWatermark {
		return 0, newError(FinalSizeError, "final size smaller than data received")
	}
	newly := finalSize - r.highWatermark
	r.highWatermark = finalSize
	r.finalSize = finalSize
	r.hasFinalSize = true
	return newly, nil
}

func (r *recvBuffer) String() string {
	return fmt.Sprintf("base=%d buffered=%d chunks=%d final=%v", r.base, len(r.data)-int(r.readOffset), len(r.chunks), r.hasFinalSize)
}

// Stream is one QUIC stream's send and receive state, reachable from a
// Conn via Conn.Stream.
type Stream struct {
	id    uint64
	state streamState
	send  sendBuffer
	recv  recvBuffer

	flow          flowControl
	connFlow      *flowControl
	updateMaxData bool
}

// Write buffers data for sending on this stream; actual transmission
// happens opportunistically from Conn.Read, governed by flow control.
func (st *Stream) Write(b []byte) (int, error) {
	if st.send.fin || st.state == streamStateHalfClosedLocal || st.state == streamStateClosed {
		return 0, newError(StreamStateError, sprint("write on closed stream ", st.id))
	}
	st.send.write(b)
	return len(b), nil
}

// Close marks the stream as having no more data to send, causing a
// STREAM frame with the FIN bit to eventually be sent.
func (st *Stream) Close() error {
	st.send.closeWrite()
	return nil
}

// Read copies reassembled data received on this stream into b.
func (st *Stream) Read(b []byte) (int, error) {
	return st.recv.read(b)
}

func (st *Stream) popSend(max int) ([]byte, uint64, bool) {
	data, offset, fin := st.send.pop(max)
	if fin {
		st.onFinSent()
	}
	return data, offset, fin
}

// Receive-side state machine: data keeps the stream open; an in-order,
// fully delivered FIN half-closes the remote side (or closes the stream
// outright when we had already finished sending); RESET_STREAM closes the
// stream from any state.

func (st *Stream) onRecvData() {
	if st.state == streamStateIdle {
		st.state = streamStateOpen
	}
}

func (st *Stream) onRecvFin() {
	switch st.state {
	case streamStateIdle, streamStateOpen:
		st.state = streamStateHalfClosedRemote
	case streamStateHalfClosedLocal:
		st.state = streamStateClosed
	}
}

func (st *Stream) onRecvReset() {
	st.state = streamStateClosed
}

// Send-side state machine, symmetric: emitting a FIN half-closes the local
// side; the stream fully closes once every sent byte (and the FIN) has
// been acknowledged and the peer's side is also finished.

func (st *Stream) onFinSent() {
	switch st.state {
	case streamStateIdle, streamStateOpen:
		st.state = streamStateHalfClosedLocal
	}
}

func (st *Stream) onSendAcked() {
	if st.state == streamStateHalfClosedRemote && st.send.complete() {
		st.state = streamStateClosed
	}
}

// pushRecv ingests a STREAM frame's payload, enforcing the per-stream
// receive flow-control limit before reassembling it. The limit is checked
// against the absolute byte position the frame reaches (offset+len), not
// the frame's length alone, so a single frame that starts past in_data_max
// is rejected even though it carries few bytes; retransmitted/overlapping
// bytes already counted toward the high-water mark are not charged twice.
func (st *Stream) pushRecv(data []byte, offset uint64, fin bool) error {
	delta := recvDelta(offset, len(data), st.recv.highWatermark)
	if delta > st.flow.canRecv() {
		return errFlowControl
	}
	if err := st.recv.push(data, offset, fin); err != nil {
		return err
	}
	st.flow.addRecv(int(delta))
	if st.flow.shouldUpdateMaxRecv() {
		st.updateMaxData = true
	}
	if st.recv.finDelivered() {
		st.onRecvFin()
	} else {
		st.onRecvData()
	}
	return nil
}

// recvDelta returns how many bytes of [offset, offset+length) lie beyond
// highWatermark, the portion of this frame not already accounted for by
// flow control.
func recvDelta(offset uint64, length int, highWatermark uint64) uint64 {
	end := offset + uint64(length)
	if end <= highWatermark {
		return 0
	}
	return end - highWatermark
}

func (st *Stream) ackMaxData() {
	st.updateMaxData = false
}

func (st *Stream) flushable() bool {
	return st.send.flushable()
}

func (st *Stream) String() string {
	return fmt.Sprintf("id=%d recv=%v", st.id, &st.recv)
}
