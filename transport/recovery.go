package transport

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/qnet-io/quince/internal/telemetry"
)

// RFC 9002 constants.
const (
	kPacketThreshold   = 3
	kGranularity       = time.Millisecond
	kInitialRTT        = 333 * time.Millisecond
	kTimeThresholdNum  = 9
	kTimeThresholdDen  = 8
	kPersistentCongestionThresholdPTOs = 3

	// NewReno (RFC 9002 §7, Appendix B).
	kInitialWindow        = 14720
	kMaxDatagramSize      = MinInitialPacketSize
	kMinimumWindowPackets = 2
	kLossReductionNum     = 1
	kLossReductionDen     = 2
)

// sentPacket records the frames and accounting data for one packet that
// has been sent but not yet acked or declared lost.
type sentPacket struct {
	packetNumber uint64
	timeSent     time.Time
	size         uint64
	ackEliciting bool
	inFlight     bool
	frames       []frame
	types        frameTypeBitset
}

// lossRecovery implements RFC 9002: RTT estimation, the probe-timeout
// (PTO) timer, loss detection, and NewReno congestion control. One
// instance is shared across all packet-number spaces, as RFC 9002
// requires a single set of congestion-control state per connection even
// though loss detection itself is per-space.
type lossRecovery struct {
	// RTT estimation (RFC 9002 §5).
	minRTT      time.Duration
	smoothedRTT time.Duration
	rttVar      time.Duration
	latestRTT   time.Duration
	rttSampled  bool

	maxAckDelay time.Duration

	// PTO (RFC 9002 §6.2).
	ptoCount            int
	probes              int
	lossDetectionTimer  time.Time
	timeOfLastAckElicitingPacket [packetSpaceCount]time.Time
	largestAckedPacket           [packetSpaceCount]int64 // -1 means none

	// Loss detection (RFC 9002 §6.1).
	lossTime [packetSpaceCount]time.Time
	sent     [packetSpaceCount]map[uint64]*sentPacket
	lost     [packetSpaceCount][]frame
	acked    [packetSpaceCount][]frame

	// ackedOrLost records every packet number retired from the sent map,
	// distinguishing an ACK for an already-processed packet (ignored) from
	// an ACK for a packet that was never sent (a protocol violation).
	ackedOrLost [packetSpaceCount]diet

	// Congestion control, NewReno (RFC 9002 §7).
	cwnd                  uint64
	ssthresh              uint64
	bytesInFlight         uint64
	congestionRecoveryStartTime time.Time

	// inFlightCount is the number of ack-eliciting sent packets still
	// outstanding, across all spaces; used to decide whether the PTO
	// timer should be armed at all.
	inFlightCount int

	// pacer smooths packet emission within the congestion window instead
	// of bursting a whole cwnd out at once. Its rate is recomputed from
	// cwnd/smoothedRTT (the standard QUIC pacing formula) every time
	// either changes; Conn.send consults it before non-probe sends.
	pacer *rate.Limiter

	metrics *telemetry.Metrics
}

func (r *lossRecovery) init(now time.Time, metrics *telemetry.Metrics) {
	r.metrics = metrics
	r.minRTT = 0
	r.smoothedRTT = kInitialRTT
	r.rttVar = kInitialRTT / 2
	r.maxAckDelay = 25 * time.Millisecond
	r.cwnd = kInitialWindow
	r.ssthresh = ^uint64(0)
	for i := range r.sent {
		r.sent[i] = make(map[uint64]*sentPacket)
		r.largestAckedPacket[i] = -1
	}
	r.pacer = rate.NewLimiter(rate.Inf, kMaxDatagramSize*2)
	r.recomputePacer()
}

// recomputePacer resizes the pacing token bucket to cwnd/smoothedRTT
// bytes/sec, the pacing rate RFC 9002 §7.7 recommends so a congestion
// window isn't emitted as one back-to-back burst. Called whenever cwnd
// or smoothedRTT changes.
func (r *lossRecovery) recomputePacer() {
	if r.pacer == nil || r.smoothedRTT <= 0 {
		return
	}
	bytesPerSec := float64(r.cwnd) / r.smoothedRTT.Seconds()
	r.pacer.SetLimit(rate.Limit(bytesPerSec))
	burst := int(r.cwnd)
	if burst < kMaxDatagramSize {
		burst = kMaxDatagramSize
	}
	r.pacer.SetBurst(burst)
}

// allowSend reports whether a non-probe packet of size bytes may be sent
// now without exceeding the pacer's smoothed rate. Probe packets (PTO,
// PING-only) bypass the pacer, matching RFC 9002's guidance that pacing
// never holds up loss recovery.
func (r *lossRecovery) allowSend(now time.Time, size int) bool {
	if r.pacer == nil {
		return true
	}
	return r.pacer.AllowN(now, size)
}

func (r *lossRecovery) inCongestionRecovery(sentTime time.Time) bool {
	return !r.congestionRecoveryStartTime.IsZero() && !sentTime.After(r.congestionRecoveryStartTime)
}

// onPacketSent records a packet as in flight and restarts the loss
// detection timer.
func (r *lossRecovery) onPacketSent(op *outgoingPacket, space packetSpace) {
	sp := &sentPacket{
		packetNumber: op.packetNumber,
		timeSent:     op.timeSent,
		size:         uint64(op.size),
		ackEliciting: op.ackEliciting,
		inFlight:     op.ackEliciting,
		frames:       op.frames,
		types:        op.types,
	}
	r.sent[space][op.packetNumber] = sp
	if op.ackEliciting {
		r.timeOfLastAckElicitingPacket[space] = op.timeSent
		r.inFlightCount++
		r.bytesInFlight += sp.size
		r.setLossDetectionTimer(op.timeSent)
	}
	r.metrics.PacketSent()
	r.metrics.CongestionUpdated(r.cwnd, r.bytesInFlight, r.smoothedRTT.Seconds())
}

// onAckReceived processes a newly-received ACK frame's range set against
// the outstanding sent-packet log for space: it updates the RTT sample
// from the largest newly-acked packet, removes acked packets from
// tracking (making their frames available via drainAcked), runs loss
// detection for anything the ack implies was skipped, and updates the
// congestion window.
func (r *lossRecovery) onAckReceived(ranges *diet, ackDelay time.Duration, space packetSpace, now time.Time) error {
	_, largestAcked, ok := ranges.maxIval()
	if !ok {
		return nil
	}
	if int64(largestAcked) > r.largestAckedPacket[space] {
		r.largestAckedPacket[space] = int64(largestAcked)
	}

	// Walk the acknowledged ranges packet by packet: numbers already
	// retired (acked or declared lost) are skipped; numbers never tracked
	// at all were never sent, which only a misbehaving peer can produce.
	var newlyAcked []*sentPacket
	var ackErr error
	ranges.foreachRev(func(lo, hi uint64) bool {
		for pn := lo; pn <= hi; pn++ {
			if r.ackedOrLost[space].contains(pn) {
				continue
			}
			sp, ok := r.sent[space][pn]
			if !ok {
				ackErr = newError(ProtocolViolation, sprint("ack for packet never sent ", pn))
				return false
			}
			newlyAcked = append(newlyAcked, sp)
		}
		return true
	})
	if ackErr != nil {
		return ackErr
	}
	if len(newlyAcked) == 0 {
		return nil
	}

	// RTT sample: only from the largest acked packet in this frame, and
	// only if it was newly acked (RFC 9002 §5.1).
	if sp, ok := r.sent[space][largestAcked]; ok {
		latest := now.Sub(sp.timeSent)
		if latest >= 0 {
			r.updateRTT(latest, ackDelay, space)
		}
	}

	for _, sp := range newlyAcked {
		r.onPacketAcked(sp, space, now)
		delete(r.sent[space], sp.packetNumber)
	}

	r.detectAndRemoveLostPackets(space, now)
	r.setLossDetectionTimer(now)
	return nil
}

func (r *lossRecovery) updateRTT(latest, ackDelay time.Duration, space packetSpace) {
	r.latestRTT = latest
	if !r.rttSampled {
		r.rttSampled = true
		r.minRTT = latest
		r.smoothedRTT = latest
		r.rttVar = latest / 2
		r.recomputePacer()
		return
	}
	if latest < r.minRTT {
		r.minRTT = latest
	}
	// Subtract the peer's reported ack delay from the sample, but never
	// below min_rtt: a delay that would push the sample under the path's
	// floor is overstated (RFC 9002 §5.3).
	if space == packetSpaceApplication && ackDelay > r.maxAckDelay {
		ackDelay = r.maxAckDelay
	}
	adjusted := latest
	if adjusted-ackDelay >= r.minRTT {
		adjusted -= ackDelay
	}
	rttVarSample := absDuration(r.smoothedRTT - adjusted)
	r.rttVar = (3*r.rttVar + rttVarSample) / 4
	r.smoothedRTT = (7*r.smoothedRTT + adjusted) / 8
	r.recomputePacer()
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// onPacketAcked retires an acked packet's bytes from congestion
// accounting, grows the window (slow start or congestion avoidance), and
// frees its frames for Conn.processAckedPackets to act on via drainAcked.
func (r *lossRecovery) onPacketAcked(sp *sentPacket, space packetSpace, now time.Time) {
	r.ackedOrLost[space].insert(sp.packetNumber)
	if sp.inFlight {
		r.bytesInFlight -= sp.size
		if r.inFlightCount > 0 {
			r.inFlightCount--
		}
		if !r.inCongestionRecovery(sp.timeSent) {
			if r.cwnd < r.ssthresh {
				r.cwnd += sp.size // slow start
			} else {
				r.cwnd += kMaxDatagramSize * sp.size / r.cwnd // congestion avoidance
			}
			r.recomputePacer()
		}
	}
	r.ptoCount = 0
	for _, f := range sp.frames {
		r.acked[space] = append(r.acked[space], f)
	}
}

func (r *lossRecovery) detectAndRemoveLostPackets(space packetSpace, now time.Time) {
	r.lossTime[space] = time.Time{}
	lossDelay := time.Duration(kTimeThresholdNum) * maxDuration(r.latestRTT, r.smoothedRTT) / kTimeThresholdDen
	if lossDelay < kGranularity {
		lossDelay = kGranularity
	}
	lostSendTime := now.Add(-lossDelay)

	var lostPackets []*sentPacket
	for pn, sp := range r.sent[space] {
		if int64(pn) > r.largestAckedPacket[space] {
			continue
		}
		if pn+kPacketThreshold <= uint64(r.largestAckedPacket[space]) || !sp.timeSent.After(lostSendTime) {
			lostPackets = append(lostPackets, sp)
			continue
		}
		pnLossTime := sp.timeSent.Add(lossDelay)
		if r.lossTime[space].IsZero() || pnLossTime.Before(r.lossTime[space]) {
			r.lossTime[space] = pnLossTime
		}
	}
	if len(lostPackets) == 0 {
		return
	}
	r.metrics.PacketsLost(len(lostPackets))
	var largestLostSentTime time.Time
	for _, sp := range lostPackets {
		delete(r.sent[space], sp.packetNumber)
		r.ackedOrLost[space].insert(sp.packetNumber)
		if sp.inFlight {
			if r.bytesInFlight > sp.size {
				r.bytesInFlight -= sp.size
			} else {
				r.bytesInFlight = 0
			}
			if r.inFlightCount > 0 {
				r.inFlightCount--
			}
		}
		if sp.timeSent.After(largestLostSentTime) {
			largestLostSentTime = sp.timeSent
		}
		r.lost[space] = append(r.lost[space], sp.frames...)
	}
	r.onCongestionEvent(largestLostSentTime, now)

	// Persistent congestion (RFC 9002 §7.6): if the lost packets span a
	// period longer than the PTO duration times the persistence
	// threshold, collapse the window to the minimum instead of merely
	// halving it, since a loss that wide indicates the path is down
	// rather than momentarily congested.
	if len(lostPackets) >= 2 {
		oldest := lostPackets[0].timeSent
		newest := lostPackets[0].timeSent
		for _, sp := range lostPackets {
			if sp.timeSent.Before(oldest) {
				oldest = sp.timeSent
			}
			if sp.timeSent.After(newest) {
				newest = sp.timeSent
			}
		}
		pto := r.ptoDuration(space)
		if newest.Sub(oldest) > pto*kPersistentCongestionThresholdPTOs {
			r.cwnd = kMinimumWindowPackets * kMaxDatagramSize
			r.congestionRecoveryStartTime = time.Time{}
			r.recomputePacer()
		}
	}
	r.metrics.CongestionUpdated(r.cwnd, r.bytesInFlight, r.smoothedRTT.Seconds())
}

// onECNCongestionEvent applies a congestion event triggered by a newly
// reported ECN CE count in an ACK_ECN frame (RFC 9002 §7.3): once the
// peer's CE count climbs past what was previously observed, the packet
// carrying the largest acknowledged number is treated as a congestion
// signal at its original send time. Must be called before onAckReceived
// retires the acked packet from r.sent, or the send-time lookup misses.
func (r *lossRecovery) onECNCongestionEvent(space packetSpace, largestAcked uint64, now time.Time) {
	sentTime := now
	if sp, ok := r.sent[space][largestAcked]; ok {
		sentTime = sp.timeSent
	}
	r.onCongestionEvent(sentTime, now)
}

// onCongestionEvent halves the congestion window in response to loss or an
// ECN CE signal. sentTime is the send time of the packet that triggered the
// event: a trigger sent at or before the current recovery period began is
// part of the same event and ignored (RFC 9002 §7.3.2). A new recovery
// period starts at now, so only packets sent after this moment can start
// another one.
func (r *lossRecovery) onCongestionEvent(sentTime, now time.Time) {
	if r.inCongestionRecovery(sentTime) {
		return
	}
	r.congestionRecoveryStartTime = now
	r.cwnd = r.cwnd * kLossReductionNum / kLossReductionDen
	if r.cwnd < kMinimumWindowPackets*kMaxDatagramSize {
		r.cwnd = kMinimumWindowPackets * kMaxDatagramSize
	}
	r.ssthresh = r.cwnd
	r.recomputePacer()
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// drainAcked hands fn every frame newly freed by onAckReceived/
// onPacketAcked since the last call, then clears the queue.
func (r *lossRecovery) drainAcked(space packetSpace, fn func(frame)) {
	for _, f := range r.acked[space] {
		fn(f)
	}
	r.acked[space] = r.acked[space][:0]
}

// drainLost hands fn every frame from a packet declared lost since the
// last call, then clears the queue.
func (r *lossRecovery) drainLost(space packetSpace, fn func(frame)) {
	for _, f := range r.lost[space] {
		fn(f)
	}
	r.lost[space] = r.lost[space][:0]
}

// probeTimeout returns the current PTO duration for the active space
// (RFC 9002 §6.2.1), used by Conn to size the draining timer.
func (r *lossRecovery) probeTimeout() time.Duration {
	return r.ptoDuration(packetSpaceApplication)
}

func (r *lossRecovery) ptoDuration(space packetSpace) time.Duration {
	pto := r.smoothedRTT + maxDuration(4*r.rttVar, kGranularity)
	if space == packetSpaceApplication {
		pto += r.maxAckDelay
	}
	return pto * (1 << r.ptoCount)
}

// setLossDetectionTimer arms the combined loss-detection/PTO timer to
// the earliest deadline across all spaces with outstanding data.
func (r *lossRecovery) setLossDetectionTimer(now time.Time) {
	earliestLoss := time.Time{}
	for i := range r.lossTime {
		if r.lossTime[i].IsZero() {
			continue
		}
		if earliestLoss.IsZero() || r.lossTime[i].Before(earliestLoss) {
			earliestLoss = r.lossTime[i]
		}
	}
	if !earliestLoss.IsZero() {
		r.lossDetectionTimer = earliestLoss
		return
	}
	if r.inFlightCount == 0 {
		r.lossDetectionTimer = time.Time{}
		return
	}
	var space packetSpace = packetSpaceInitial
	var last time.Time
	for i := range r.timeOfLastAckElicitingPacket {
		if r.timeOfLastAckElicitingPacket[i].After(last) {
			last = r.timeOfLastAckElicitingPacket[i]
			space = packetSpace(i)
		}
	}
	if last.IsZero() {
		r.lossDetectionTimer = time.Time{}
		return
	}
	r.lossDetectionTimer = last.Add(r.ptoDuration(space))
}

// onLossDetectionTimeout fires when Conn's timer expires with no
// intervening ACK: either a scheduled loss is now certain (time
// threshold elapsed) or a PTO has elapsed and one or two probe packets
// should be sent (RFC 9002 §6.2.4).
func (r *lossRecovery) onLossDetectionTimeout(now time.Time) {
	for i := range r.lossTime {
		if !r.lossTime[i].IsZero() && !now.Before(r.lossTime[i]) {
			r.detectAndRemoveLostPackets(packetSpace(i), now)
			r.setLossDetectionTimer(now)
			return
		}
	}
	if r.inFlightCount == 0 {
		r.lossDetectionTimer = time.Time{}
		return
	}
	r.ptoCount++
	r.probes = 2
	r.setLossDetectionTimer(now)
}

// dropUnackedData discards all per-space loss-detection state when a
// packet-number space is retired (Initial/Handshake keys dropped), per
// RFC 9002 §6.2.2.1: anything still in flight in that space can never be
// acked now, so it must not hold up bytesInFlight or the PTO timer.
func (r *lossRecovery) dropUnackedData(space packetSpace) {
	for _, sp := range r.sent[space] {
		if sp.inFlight {
			if r.bytesInFlight > sp.size {
				r.bytesInFlight -= sp.size
			} else {
				r.bytesInFlight = 0
			}
			if r.inFlightCount > 0 {
				r.inFlightCount--
			}
		}
	}
	r.sent[space] = make(map[uint64]*sentPacket)
	r.lost[space] = nil
	r.acked[space] = nil
	r.ackedOrLost[space].reset()
	r.lossTime[space] = time.Time{}
	r.timeOfLastAckElicitingPacket[space] = time.Time{}
	r.largestAckedPacket[space] = -1
}

// availableWindow reports how many additional bytes may be sent without
// exceeding the congestion window.
func (r *lossRecovery) availableWindow() uint64 {
	if r.bytesInFlight >= r.cwnd {
		return 0
	}
	return r.cwnd - r.bytesInFlight
}
