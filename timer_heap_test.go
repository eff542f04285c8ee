package quic

import (
	"testing"
	"time"
)

func heapTime(offsetSeconds int) time.Time {
	return time.Date(2022, time.January, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(offsetSeconds) * time.Second)
}

func TestTimerHeapOrdersByEarliestDeadline(t *testing.T) {
	var h timerHeap
	a := &remoteConn{scid: []byte("a")}
	b := &remoteConn{scid: []byte("b")}
	c := &remoteConn{scid: []byte("c")}

	h.schedule(a, heapTime(30))
	h.schedule(b, heapTime(10))
	h.schedule(c, heapTime(20))

	next, ok := h.next()
	if !ok || !next.Equal(heapTime(10)) {
		t.Fatalf("next() = %v, ok=%v, want %v", next, ok, heapTime(10))
	}

	due := h.expired(heapTime(20))
	if len(due) != 2 {
		t.Fatalf("expired(20) returned %d entries, want 2 (b, c)", len(due))
	}
	if due[0] != b || due[1] != c {
		t.Fatalf("expired order = %v, %v, want b then c", due[0].scid, due[1].scid)
	}

	next, ok = h.next()
	if !ok || !next.Equal(heapTime(30)) {
		t.Fatalf("next() after draining = %v, ok=%v, want %v", next, ok, heapTime(30))
	}
}

func TestTimerHeapRescheduleMovesEntry(t *testing.T) {
	var h timerHeap
	a := &remoteConn{scid: []byte("a")}
	b := &remoteConn{scid: []byte("b")}
	h.schedule(a, heapTime(10))
	h.schedule(b, heapTime(20))

	h.schedule(a, heapTime(30)) // a now fires after b

	due := h.expired(heapTime(20))
	if len(due) != 1 || due[0] != b {
		t.Fatalf("expired(20) = %v, want only b", due)
	}
	next, ok := h.next()
	if !ok || !next.Equal(heapTime(30)) {
		t.Fatalf("next() = %v, ok=%v, want %v (a's rescheduled deadline)", next, ok, heapTime(30))
	}
}

func TestTimerHeapScheduleZeroDeadlineDisarms(t *testing.T) {
	var h timerHeap
	a := &remoteConn{scid: []byte("a")}
	h.schedule(a, heapTime(10))
	if _, ok := h.next(); !ok {
		t.Fatal("setup: expected an armed timer")
	}
	h.schedule(a, time.Time{})
	if _, ok := h.next(); ok {
		t.Fatal("scheduling a zero deadline should disarm the entry")
	}
	if a.timer != nil {
		t.Fatal("rc.timer should be nil after disarming")
	}
}

func TestTimerHeapRemove(t *testing.T) {
	var h timerHeap
	a := &remoteConn{scid: []byte("a")}
	b := &remoteConn{scid: []byte("b")}
	h.schedule(a, heapTime(10))
	h.schedule(b, heapTime(20))

	h.remove(a)
	if a.timer != nil {
		t.Fatal("rc.timer should be nil after remove")
	}
	due := h.expired(heapTime(10))
	if len(due) != 0 {
		t.Fatalf("expired(10) = %v, want none (a was removed, b fires at 20)", due)
	}
}

func TestTimerHeapRemoveAbsentEntryIsNoop(t *testing.T) {
	var h timerHeap
	a := &remoteConn{scid: []byte("a")}
	h.remove(a) // never scheduled
}

func TestTimerHeapNextEmpty(t *testing.T) {
	var h timerHeap
	if _, ok := h.next(); ok {
		t.Fatal("next() on an empty heap should report ok=false")
	}
}
