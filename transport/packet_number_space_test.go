package transport

import "testing"

func TestPacketNumberSpaceOnReceivedTracksLargest(t *testing.T) {
	var sp packetNumberSpace
	sp.init()

	sp.onPacketReceived(3, testTime(0))
	sp.onPacketReceived(1, testTime(1))
	sp.onPacketReceived(5, testTime(2))

	if !sp.isPacketReceived(1) || !sp.isPacketReceived(3) || !sp.isPacketReceived(5) {
		t.Fatal("all three received packet numbers should be tracked")
	}
	if sp.isPacketReceived(2) {
		t.Fatal("packet number 2 was never received")
	}
	if !sp.largestRecvPacketTime.Equal(testTime(2)) {
		t.Fatalf("largestRecvPacketTime = %v, want %v (time of pn=5, the largest)", sp.largestRecvPacketTime, testTime(2))
	}
}

func TestPacketNumberSpaceDuplicateReceiveIsIdempotent(t *testing.T) {
	var sp packetNumberSpace
	sp.init()
	sp.onPacketReceived(7, testTime(0))
	sp.onPacketReceived(7, testTime(1))
	if n := sp.recvPackets.count(); n != 1 {
		t.Fatalf("recvPackets.count() = %d, want 1 after duplicate receive", n)
	}
}

func TestPacketNumberSpaceReadyReflectsPendingWork(t *testing.T) {
	var sp packetNumberSpace
	sp.init()
	if sp.ready() {
		t.Fatal("fresh space should not be ready")
	}
	sp.ackElicited = true
	if !sp.ready() {
		t.Fatal("space with ackElicited set should be ready")
	}
	sp.ackElicited = false
	sp.cryptoStream.send.write([]byte("abc"))
	if !sp.ready() {
		t.Fatal("space with pending crypto data should be ready")
	}
}

func TestPacketNumberSpaceCanEncryptDecryptReflectKeys(t *testing.T) {
	var sp packetNumberSpace
	sp.init()
	if sp.canDecrypt() || sp.canEncrypt() {
		t.Fatal("fresh space should have no keys installed")
	}
}

func TestPacketNumberSpaceResetClearsState(t *testing.T) {
	var sp packetNumberSpace
	sp.init()
	sp.nextPacketNumber = 5
	sp.onPacketReceived(1, testTime(0))
	sp.ackElicited = true
	sp.firstPacketAcked = true
	sp.cryptoStream.send.write([]byte("x"))

	sp.reset()

	if sp.nextPacketNumber != 0 {
		t.Fatalf("nextPacketNumber after reset = %d, want 0", sp.nextPacketNumber)
	}
	if sp.isPacketReceived(1) {
		t.Fatal("recvPackets should be empty after reset")
	}
	if sp.ackElicited || sp.firstPacketAcked {
		t.Fatal("ackElicited/firstPacketAcked should be cleared after reset")
	}
	if sp.cryptoStream.hasPending() {
		t.Fatal("cryptoStream should be cleared after reset")
	}
}

func TestPacketNumberSpaceDropClearsKeys(t *testing.T) {
	var sp packetNumberSpace
	sp.init()
	sp.drop()
	if sp.canDecrypt() || sp.canEncrypt() {
		t.Fatal("drop() should clear both opener and sealer")
	}
}

func TestCryptoStreamRoundTrip(t *testing.T) {
	var cs cryptoStream
	cs.send.write([]byte("hello"))
	cs.send.closeWrite()
	if !cs.hasPending() {
		t.Fatal("cryptoStream with unsent data should have pending work")
	}
	data, offset, _ := cs.popSend(100)
	if string(data) != "hello" || offset != 0 {
		t.Fatalf("popSend = (%q,%d)", data, offset)
	}
	if err := cs.pushRecv([]byte("world"), 0, false); err != nil {
		t.Fatalf("pushRecv: %v", err)
	}
	b := make([]byte, 16)
	n, _ := cs.recv.read(b)
	if string(b[:n]) != "world" {
		t.Fatalf("read = %q, want world", b[:n])
	}
}
