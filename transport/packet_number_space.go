package transport

import "time"

// cryptoStream carries the CRYPTO frame data for one encryption level: an
// ordered byte stream with no flow control and no FIN, reassembled and
// drained exactly like a Stream but simpler.
type cryptoStream struct {
	send sendBuffer
	recv recvBuffer
}

func (c *cryptoStream) pushRecv(data []byte, offset uint64, fin bool) error {
	return c.recv.push(data, offset, fin)
}

func (c *cryptoStream) popSend(max int) ([]byte, uint64, bool) {
	data, offset, _ := c.send.pop(max)
	return data, offset, false
}

func (c *cryptoStream) hasPending() bool {
	return c.send.flushable()
}

func (c *cryptoStream) reset() {
	c.send = sendBuffer{}
	c.recv = recvBuffer{}
}

// packetNumberSpace is the per-epoch state for one encryption level: the
// next packet number to send, the keys for this epoch, and the sets of
// packet numbers seen/needing acknowledgement.
type packetNumberSpace struct {
	nextPacketNumber uint64

	opener packetProtection
	sealer packetProtection

	recvPackets           diet // Every packet number seen, for duplicate detection.
	recvPacketNeedAck     *diet
	largestRecvPacketTime time.Time
	ackElicited           bool
	firstPacketAcked      bool

	// ACK-frequency policy state: an ACK goes out immediately when a
	// received packet creates a gap, on every second ack-eliciting packet,
	// or when a frame (FIN, HANDSHAKE_DONE) demands one; otherwise the ack
	// timer coalesces it for up to max_ack_delay.
	ackElicitingRecvCount int
	immAck                bool
	ackTimer              time.Time

	// Frame types received since the last ACK we sent, and frame types
	// ever transmitted in this space.
	rxFrames frameTypeBitset
	txFrames frameTypeBitset

	ceCount uint64 // largest ECN CE count seen in an ACK_ECN frame from the peer, for congestion-event dedup.

	cryptoStream cryptoStream
}

// setAckElicited arms an immediate acknowledgement and clears the
// coalescing state the delayed path keeps.
func (sp *packetNumberSpace) setAckElicited() {
	sp.ackElicited = true
	sp.ackElicitingRecvCount = 0
	sp.immAck = false
	sp.ackTimer = time.Time{}
}

func (sp *packetNumberSpace) init() {
	sp.recvPacketNeedAck = &diet{}
}

func (sp *packetNumberSpace) canDecrypt() bool { return sp.opener.aead != nil }
func (sp *packetNumberSpace) canEncrypt() bool { return sp.sealer.aead != nil }

func (sp *packetNumberSpace) isPacketReceived(pn uint64) bool {
	return sp.recvPackets.contains(pn)
}

func (sp *packetNumberSpace) onPacketReceived(pn uint64, now time.Time) {
	sp.recvPackets.insert(pn)
	sp.recvPacketNeedAck.insertTime(pn, now)
	if _, hi, ok := sp.recvPackets.maxIval(); ok && hi == pn {
		sp.largestRecvPacketTime = now
	}
}

// createsGap reports whether receiving pn now would leave a hole below it,
// evaluated before pn is recorded.
func (sp *packetNumberSpace) createsGap(pn uint64) bool {
	_, hi, ok := sp.recvPackets.maxIval()
	return ok && pn > hi+1
}

// ready reports whether this space has anything it wants to send besides
// opportunistic stream data (which Conn.writeSpace checks separately).
func (sp *packetNumberSpace) ready() bool {
	return sp.ackElicited || sp.cryptoStream.hasPending()
}

func (sp *packetNumberSpace) decryptPacket(b []byte, p *packet) ([]byte, int, error) {
	n, err := p.decodeBody(b)
	if err != nil {
		return nil, 0, err
	}
	length := p.headerLen + n
	payloadOffset := length - p.payloadLen
	if sp.opener.aead == nil {
		return nil, 0, newError(InternalError, "no read keys")
	}
	overhead := sp.opener.aead.Overhead()
	if p.payloadLen < overhead || payloadOffset < 0 || payloadOffset+p.payloadLen > len(b) {
		return nil, 0, newError(ProtocolViolation, "payload too short")
	}
	ciphertext := b[payloadOffset : payloadOffset+p.payloadLen]
	header := b[:payloadOffset]
	nonce := sp.opener.nonce(p.packetNumber)
	plaintext, err := sp.opener.aead.Open(ciphertext[:0], nonce, ciphertext, header)
	if err != nil {
		return nil, 0, wrapError(ProtocolViolation, err, "decrypt packet")
	}
	return plaintext, length, nil
}

// encryptPacket seals the packet payload already written in-place in b
// (plaintext frames between the header and the reserved AEAD overhead).
// Failures are not surfaced here: a missing
// write key means the caller built the packet incorrectly and there is no
// useful recovery at this point other than sending garbage, which the
// peer will simply drop.
func (sp *packetNumberSpace) encryptPacket(b []byte, p *packet) {
	if sp.sealer.aead == nil {
		return
	}
	payloadOffset := p.encodedLen()
	if payloadOffset > len(b) {
		return
	}
	overhead := sp.sealer.aead.Overhead()
	plainLen := len(b) - payloadOffset - overhead
	if plainLen < 0 {
		return
	}
	plaintext := b[payloadOffset : payloadOffset+plainLen]
	header := b[:payloadOffset]
	nonce := sp.sealer.nonce(p.packetNumber)
	sp.sealer.aead.Seal(plaintext[:0], nonce, plaintext, header)
}

func (sp *packetNumberSpace) reset() {
	sp.nextPacketNumber = 0
	sp.recvPackets.reset()
	sp.recvPacketNeedAck.reset()
	sp.ackElicited = false
	sp.firstPacketAcked = false
	sp.ackElicitingRecvCount = 0
	sp.immAck = false
	sp.ackTimer = time.Time{}
	sp.rxFrames = 0
	sp.txFrames = 0
	sp.ceCount = 0
	sp.cryptoStream.reset()
}

func (sp *packetNumberSpace) drop() {
	sp.opener = packetProtection{}
	sp.sealer = packetProtection{}
	sp.reset()
}
