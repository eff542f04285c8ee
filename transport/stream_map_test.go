package transport

import "testing"

func TestStreamMapCreateEnforcesLocalLimit(t *testing.T) {
	var m streamMap
	m.init(1, 1) // 1 bidi, 1 uni stream allowed from the peer

	if _, err := m.create(0, false, true); err != nil {
		t.Fatalf("first peer-opened bidi stream: %v", err)
	}
	_, err := m.create(4, false, true)
	if err == nil {
		t.Fatal("second peer-opened bidi stream should hit the limit")
	}
	code, ok := Code(err)
	if !ok || code != StreamLimitError {
		t.Fatalf("error code = %v (ok=%v), want StreamLimitError", code, ok)
	}
}

func TestStreamMapCreateEnforcesPeerLimit(t *testing.T) {
	var m streamMap
	m.init(10, 10)
	m.setPeerMaxStreamsUni(1)

	if _, err := m.create(2, true, false); err != nil {
		t.Fatalf("first locally-opened uni stream: %v", err)
	}
	if _, err := m.create(6, true, false); err == nil {
		t.Fatal("second locally-opened uni stream should hit the peer's limit")
	}
}

func TestStreamMapSetPeerMaxStreamsIsMonotonic(t *testing.T) {
	var m streamMap
	m.init(0, 0)
	m.setPeerMaxStreamsBidi(5)
	m.setPeerMaxStreamsBidi(3) // a lower, stale MAX_STREAMS must not regress the limit
	if m.peerMaxStreamsBidi != 5 {
		t.Fatalf("peerMaxStreamsBidi = %d, want 5 (monotonic, ignores the lower update)", m.peerMaxStreamsBidi)
	}
	m.setPeerMaxStreamsBidi(8)
	if m.peerMaxStreamsBidi != 8 {
		t.Fatalf("peerMaxStreamsBidi = %d, want 8", m.peerMaxStreamsBidi)
	}
}

func TestStreamMapGetReturnsNilForUnknownID(t *testing.T) {
	var m streamMap
	m.init(10, 10)
	if m.get(99) != nil {
		t.Fatal("get on an id never created should return nil")
	}
}

func TestStreamMapHasFlushable(t *testing.T) {
	var m streamMap
	m.init(10, 10)
	m.setPeerMaxStreamsBidi(10)
	if m.hasFlushable() {
		t.Fatal("empty streamMap should have nothing flushable")
	}
	st, err := m.create(0, true, true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.hasFlushable() {
		t.Fatal("a stream with nothing written yet should not be flushable")
	}
	st.send.write([]byte("data"))
	if !m.hasFlushable() {
		t.Fatal("a stream with unsent data should make the map flushable")
	}
}
