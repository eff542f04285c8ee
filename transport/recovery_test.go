package transport

import (
	"testing"
	"time"
)

func newTestRecovery() *lossRecovery {
	var r lossRecovery
	r.init(testTime(0), nil) // nil *telemetry.Metrics is a safe no-op sink
	return &r
}

func TestRecoveryInitialState(t *testing.T) {
	r := newTestRecovery()
	if r.cwnd != kInitialWindow {
		t.Fatalf("initial cwnd = %d, want %d", r.cwnd, kInitialWindow)
	}
	if r.ssthresh != ^uint64(0) {
		t.Fatalf("initial ssthresh = %d, want max uint64", r.ssthresh)
	}
	if r.bytesInFlight != 0 {
		t.Fatalf("initial bytesInFlight = %d, want 0", r.bytesInFlight)
	}
}

// First RTT sample: srtt = sample, rttvar = sample/2, min_rtt = sample (RFC 9002 §5.2).
func TestRecoveryFirstRTTSample(t *testing.T) {
	r := newTestRecovery()
	sample := 100 * time.Millisecond
	r.updateRTT(sample, 0, packetSpaceApplication)
	if r.smoothedRTT != sample {
		t.Fatalf("srtt = %v, want %v", r.smoothedRTT, sample)
	}
	if r.rttVar != sample/2 {
		t.Fatalf("rttvar = %v, want %v", r.rttVar, sample/2)
	}
	if r.minRTT != sample {
		t.Fatalf("min_rtt = %v, want %v", r.minRTT, sample)
	}
}

// Subsequent samples follow the RFC 9002 §5.3 exponential smoothing formula.
func TestRecoverySubsequentRTTSample(t *testing.T) {
	r := newTestRecovery()
	r.updateRTT(100*time.Millisecond, 0, packetSpaceApplication)
	r.updateRTT(120*time.Millisecond, 0, packetSpaceApplication)

	// adjusted = 120ms (no ack_delay to subtract)
	// rttvar = (3*50ms + |100ms-120ms|) / 4 = (150ms+20ms)/4 = 42.5ms
	// srtt   = (7*100ms + 120ms) / 8 = (700ms+120ms)/8 = 102.5ms
	wantRTTVar := (3*(50*time.Millisecond) + 20*time.Millisecond) / 4
	wantSRTT := (7*(100*time.Millisecond) + 120*time.Millisecond) / 8
	if r.rttVar != wantRTTVar {
		t.Fatalf("rttvar = %v, want %v", r.rttVar, wantRTTVar)
	}
	if r.smoothedRTT != wantSRTT {
		t.Fatalf("srtt = %v, want %v", r.smoothedRTT, wantSRTT)
	}
}

// After any congestion event, cwnd >= 2*MSS and
// cwnd <= ssthresh until a new slow-start exit.
func TestRecoveryCongestionEventFloor(t *testing.T) {
	r := newTestRecovery()
	r.cwnd = kMinimumWindowPackets * kMaxDatagramSize // already at the floor
	r.onCongestionEvent(testTime(1), testTime(1))
	if r.cwnd < kMinimumWindowPackets*kMaxDatagramSize {
		t.Fatalf("cwnd = %d, want >= %d", r.cwnd, kMinimumWindowPackets*kMaxDatagramSize)
	}
	if r.cwnd > r.ssthresh {
		t.Fatalf("cwnd (%d) > ssthresh (%d) after congestion event", r.cwnd, r.ssthresh)
	}
}

func TestRecoveryCongestionEventHalvesWindow(t *testing.T) {
	r := newTestRecovery()
	before := r.cwnd
	r.onCongestionEvent(testTime(1), testTime(1))
	want := before * kLossReductionNum / kLossReductionDen
	if r.cwnd != want {
		t.Fatalf("cwnd = %d, want %d", r.cwnd, want)
	}
	if r.ssthresh != r.cwnd {
		t.Fatalf("ssthresh = %d, want == cwnd (%d)", r.ssthresh, r.cwnd)
	}
}

// A second congestion event within the same recovery period must be a
// no-op (RFC 9002 §7.3.2): sentTime at or before recoveryStartTime is
// "already in recovery".
func TestRecoveryCongestionEventIgnoredWithinSamePeriod(t *testing.T) {
	r := newTestRecovery()
	r.onCongestionEvent(testTime(10), testTime(10))
	cwndAfterFirst := r.cwnd
	r.onCongestionEvent(testTime(5), testTime(11)) // earlier send time, same/overlapping recovery period
	if r.cwnd != cwndAfterFirst {
		t.Fatalf("second congestion event changed cwnd: %d -> %d", cwndAfterFirst, r.cwnd)
	}
}

func TestRecoveryOnPacketSentTracksInFlight(t *testing.T) {
	r := newTestRecovery()
	op := newOutgoingPacket(1, testTime(0))
	op.size = 100
	op.addFrame(&pingFrame{})
	r.onPacketSent(op, packetSpaceApplication)
	if r.bytesInFlight != 100 {
		t.Fatalf("bytesInFlight = %d, want 100", r.bytesInFlight)
	}
	if r.inFlightCount != 1 {
		t.Fatalf("inFlightCount = %d, want 1", r.inFlightCount)
	}
}

// in_flight_bytes equals the sum of ack-eliciting
// packet sizes in the in-flight map at all times.
func TestRecoveryInFlightBytesMatchesSentAckElicitingPackets(t *testing.T) {
	r := newTestRecovery()
	for i, sz := range []uint64{100, 200, 50} {
		op := newOutgoingPacket(uint64(i), testTime(i))
		op.size = sz
		op.addFrame(&pingFrame{})
		r.onPacketSent(op, packetSpaceApplication)
	}
	var sum uint64
	for _, sp := range r.sent[packetSpaceApplication] {
		if sp.ackEliciting {
			sum += sp.size
		}
	}
	if sum != r.bytesInFlight {
		t.Fatalf("sum of in-flight ack-eliciting sizes = %d, bytesInFlight = %d", sum, r.bytesInFlight)
	}
}

func TestRecoveryPTODoublesPerConsecutiveExpiry(t *testing.T) {
	r := newTestRecovery()
	base := r.ptoDuration(packetSpaceApplication)
	r.ptoCount = 1
	doubled := r.ptoDuration(packetSpaceApplication)
	if doubled != base*2 {
		t.Fatalf("PTO after one expiry = %v, want %v", doubled, base*2)
	}
	r.ptoCount = 2
	quadrupled := r.ptoDuration(packetSpaceApplication)
	if quadrupled != base*4 {
		t.Fatalf("PTO after two expiries = %v, want %v", quadrupled, base*4)
	}
}

func TestRecoveryAvailableWindow(t *testing.T) {
	r := newTestRecovery()
	full := r.availableWindow()
	if full != r.cwnd {
		t.Fatalf("availableWindow() with nothing in flight = %d, want %d", full, r.cwnd)
	}
	r.bytesInFlight = r.cwnd
	if r.availableWindow() != 0 {
		t.Fatalf("availableWindow() at full cwnd should be 0, got %d", r.availableWindow())
	}
	r.bytesInFlight = r.cwnd + 1000 // defensive: must not underflow
	if r.availableWindow() != 0 {
		t.Fatalf("availableWindow() over cwnd should clamp to 0, got %d", r.availableWindow())
	}
}

// The peer's reported ack delay is subtracted from the sample, but never
// below min_rtt.
func TestRecoveryRTTAckDelayAdjustment(t *testing.T) {
	r := newTestRecovery()
	r.updateRTT(100*time.Millisecond, 0, packetSpaceApplication)
	r.updateRTT(120*time.Millisecond, 10*time.Millisecond, packetSpaceApplication)

	// adjusted = 120ms - 10ms = 110ms (still >= min_rtt of 100ms)
	wantSRTT := (7*(100*time.Millisecond) + 110*time.Millisecond) / 8
	if r.smoothedRTT != wantSRTT {
		t.Fatalf("srtt = %v, want %v", r.smoothedRTT, wantSRTT)
	}

	// A delay that would push the sample below min_rtt is overstated and
	// must be ignored.
	r2 := newTestRecovery()
	r2.updateRTT(100*time.Millisecond, 0, packetSpaceApplication)
	r2.updateRTT(105*time.Millisecond, 50*time.Millisecond, packetSpaceApplication)
	wantSRTT = (7*(100*time.Millisecond) + 105*time.Millisecond) / 8
	if r2.smoothedRTT != wantSRTT {
		t.Fatalf("srtt with overstated delay = %v, want %v", r2.smoothedRTT, wantSRTT)
	}
}

// An ACK naming a packet number that was never sent is a protocol
// violation; one naming an already-retired number is simply stale.
func TestRecoveryAckForNeverSentPacket(t *testing.T) {
	r := newTestRecovery()
	op := newOutgoingPacket(0, testTime(0))
	op.size = 100
	op.addFrame(&pingFrame{})
	r.onPacketSent(op, packetSpaceApplication)

	var ranges diet
	ranges.insertRange(0, 1) // pn 1 was never sent
	err := r.onAckReceived(&ranges, 0, packetSpaceApplication, testTime(1))
	if err == nil {
		t.Fatal("ack covering a never-sent packet should fail")
	}
	if code, _ := Code(err); code != ProtocolViolation {
		t.Fatalf("error code = %#x, want PROTOCOL_VIOLATION", code)
	}
}

func TestRecoveryDuplicateAckIgnored(t *testing.T) {
	r := newTestRecovery()
	op := newOutgoingPacket(0, testTime(0))
	op.size = 100
	op.addFrame(&pingFrame{})
	r.onPacketSent(op, packetSpaceApplication)

	var ranges diet
	ranges.insert(0)
	if err := r.onAckReceived(&ranges, 0, packetSpaceApplication, testTime(1)); err != nil {
		t.Fatalf("first ack: %v", err)
	}
	if r.bytesInFlight != 0 {
		t.Fatalf("bytesInFlight after ack = %d, want 0", r.bytesInFlight)
	}
	// The same range arriving again names an acked-or-lost number, which
	// is not a violation.
	if err := r.onAckReceived(&ranges, 0, packetSpaceApplication, testTime(2)); err != nil {
		t.Fatalf("duplicate ack: %v", err)
	}
}

// Packet-threshold loss: with packets 0..3 in flight, acking only 3
// declares 0 lost (3 - 0 >= kPacketThreshold) and frees its frames for
// retransmission.
func TestRecoveryPacketThresholdLoss(t *testing.T) {
	r := newTestRecovery()
	for pn := uint64(0); pn <= 3; pn++ {
		op := newOutgoingPacket(pn, testTime(0))
		op.size = 100
		op.addFrame(newStreamFrame(0, []byte("x"), 0, false))
		r.onPacketSent(op, packetSpaceApplication)
	}
	var ranges diet
	ranges.insert(3)
	// Ack shortly after sending so the time threshold cannot fire; only
	// the packet threshold declares losses here.
	now := testTime(0).Add(50 * time.Millisecond)
	if err := r.onAckReceived(&ranges, 0, packetSpaceApplication, now); err != nil {
		t.Fatalf("onAckReceived: %v", err)
	}
	if _, ok := r.sent[packetSpaceApplication][0]; ok {
		t.Fatal("pn 0 should have been declared lost by the packet threshold")
	}
	if !r.ackedOrLost[packetSpaceApplication].contains(0) {
		t.Fatal("lost pn 0 should be recorded as acked-or-lost")
	}
	if len(r.lost[packetSpaceApplication]) == 0 {
		t.Fatal("frames of the lost packet should be queued for retransmission")
	}
	// pn 1 and 2 are below largest but within the packet threshold and
	// too recent for the time threshold; they stay in flight.
	if _, ok := r.sent[packetSpaceApplication][1]; !ok {
		t.Fatal("pn 1 should still be tracked")
	}
}

func TestRecoveryDropUnackedDataClearsSpace(t *testing.T) {
	r := newTestRecovery()
	op := newOutgoingPacket(1, testTime(0))
	op.size = 500
	op.addFrame(&cryptoFrame{data: []byte("hi")})
	r.onPacketSent(op, packetSpaceInitial)
	if r.bytesInFlight == 0 {
		t.Fatal("setup: expected bytesInFlight > 0")
	}
	r.dropUnackedData(packetSpaceInitial)
	if len(r.sent[packetSpaceInitial]) != 0 {
		t.Fatalf("sent map not cleared: %d entries remain", len(r.sent[packetSpaceInitial]))
	}
	if r.bytesInFlight != 0 {
		t.Fatalf("bytesInFlight after drop = %d, want 0", r.bytesInFlight)
	}
}
