package transport

import "testing"

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{
		0, 1, 63, 64, 16383, 16384,
		1073741823, 1073741824,
		4611686018427387903,
		37, 15293, 494878333, 151288809941952652,
	}
	for _, v := range values {
		b := make([]byte, 8)
		n := putVarint(b, v)
		if n == 0 {
			t.Fatalf("putVarint(%d): short buffer", v)
		}
		if n != varintLen(v) {
			t.Fatalf("putVarint(%d): wrote %d bytes, varintLen says %d", v, n, varintLen(v))
		}
		var got uint64
		m := getVarint(b[:n], &got)
		if m != n {
			t.Fatalf("getVarint(%d): consumed %d, want %d", v, m, n)
		}
		if got != v {
			t.Fatalf("getVarint round trip: got %d, want %d", got, v)
		}
		if varintLen(got) != varintLen(v) {
			t.Fatalf("varintLen(decv(encv(%d))) changed: %d vs %d", v, varintLen(got), varintLen(v))
		}
	}
}

func TestVarintLenBoundaries(t *testing.T) {
	cases := []struct {
		v    uint64
		want int
	}{
		{0, 1}, {63, 1},
		{64, 2}, {16383, 2},
		{16384, 4}, {1073741823, 4},
		{1073741824, 8}, {4611686018427387903, 8},
	}
	for _, c := range cases {
		if got := varintLen(c.v); got != c.want {
			t.Errorf("varintLen(%d) = %d, want %d", c.v, got, c.want)
		}
	}
}

func TestVarintShortBuffer(t *testing.T) {
	var v uint64
	if n := getVarint(nil, &v); n != 0 {
		t.Fatalf("getVarint(nil) = %d, want 0", n)
	}
	// A 2-byte-prefix first byte with only one byte available must fail.
	if n := getVarint([]byte{0x40}, &v); n != 0 {
		t.Fatalf("getVarint(short 2-byte) = %d, want 0", n)
	}
	if n := putVarint(make([]byte, 1), 16384); n != 0 {
		t.Fatalf("putVarint(short buffer) = %d, want 0", n)
	}
}

func TestVarintBytesRoundTrip(t *testing.T) {
	data := []byte("hello quic")
	b := make([]byte, 32)
	n := putVarintBytes(b, data)
	if n == 0 {
		t.Fatal("putVarintBytes: short buffer")
	}
	var out []byte
	m := getVarintBytes(b[:n], &out)
	if m != n {
		t.Fatalf("getVarintBytes consumed %d, want %d", m, n)
	}
	if string(out) != string(data) {
		t.Fatalf("getVarintBytes round trip: got %q, want %q", out, data)
	}
}

func TestVarintTwoByteEncodesPrefixBits(t *testing.T) {
	b := make([]byte, 2)
	putVarint(b, 16383)
	if b[0]&0xc0 != 0x40 {
		t.Fatalf("2-byte varint prefix bits = %#x, want 0x40", b[0]&0xc0)
	}
}
