package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/crypto/hkdf"
)

// RFC 9001 §5.2: Initial packets are protected with keys derived from the
// client's first Destination Connection ID, so either endpoint can compute
// them without having run the (out-of-scope) TLS handshake yet.
var initialSaltV1 = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3,
	0x4d, 0x17, 0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad,
	0xcc, 0xbb, 0x7f, 0x0,
}

// Fixed AEAD key/nonce used only to compute the Retry Integrity Tag
// (RFC 9001 §5.8, Appendix A.4); not derived from any connection state.
var (
	retryIntegrityKey = []byte{
		0xbe, 0x0c, 0x69, 0x0b, 0x9f, 0x66, 0x57, 0x5a,
		0x1d, 0x76, 0x6b, 0x54, 0xe3, 0x68, 0xc8, 0x4e,
	}
	retryIntegrityNonce = []byte{
		0x46, 0x15, 0x99, 0xd3, 0x5d, 0x63, 0x2b, 0xf2,
		0x23, 0x98, 0x25, 0xbb,
	}
)

// packetProtection bundles an endpoint-direction AEAD with the IV used to
// build its per-packet nonce (RFC 9001 §5.3). Header protection (§5.4) is
// out of scope: the packet number is read and written in the clear by
// packet.decodeBody/encode, so this type only ever protects the payload.
type packetProtection struct {
	aead cipher.AEAD
	iv   []byte
}

func (pp *packetProtection) nonce(packetNumber uint64) []byte {
	n := make([]byte, len(pp.iv))
	copy(n, pp.iv)
	var pnBytes [8]byte
	binary.BigEndian.PutUint64(pnBytes[:], packetNumber)
	for i := 0; i < 8 && i < len(n); i++ {
		n[len(n)-1-i] ^= pnBytes[7-i]
	}
	return n
}

// initialAEAD derives the client and server Initial packet protection keys
// for a given Destination Connection ID.
type initialAEAD struct {
	client packetProtection
	server packetProtection
}

func (a *initialAEAD) init(dcid []byte) {
	initialSecret := hkdfExtract(initialSaltV1, dcid)
	clientSecret := hkdfExpandLabel(initialSecret, "client in", 32)
	serverSecret := hkdfExpandLabel(initialSecret, "server in", 32)
	a.client = newPacketProtection(clientSecret)
	a.server = newPacketProtection(serverSecret)
}

func newPacketProtection(secret []byte) packetProtection {
	key := hkdfExpandLabel(secret, "quic key", 16)
	iv := hkdfExpandLabel(secret, "quic iv", 12)
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}
	return packetProtection{aead: aead, iv: iv}
}

func hkdfExtract(salt, ikm []byte) []byte {
	r := hkdf.Extract(sha256.New, ikm, salt)
	return r
}

// hkdfExpandLabel implements TLS 1.3's HKDF-Expand-Label (RFC 8446 §7.1)
// as used by the QUIC-TLS key schedule (RFC 9001 §5.1), with an empty
// context.
func hkdfExpandLabel(secret []byte, label string, length int) []byte {
	fullLabel := "tls13 " + label
	info := make([]byte, 0, 2+1+len(fullLabel)+1)
	info = append(info, byte(length>>8), byte(length))
	info = append(info, byte(len(fullLabel)))
	info = append(info, fullLabel...)
	info = append(info, 0) // empty context
	out := make([]byte, length)
	r := hkdf.Expand(sha256.New, secret, info)
	if _, err := r.Read(out); err != nil {
		panic(err)
	}
	return out
}

func computeRetryIntegrityTag(pseudoHeaderAndBody []byte, odcid []byte) []byte {
	block, err := aes.NewCipher(retryIntegrityKey)
	if err != nil {
		panic(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}
	aad := make([]byte, 0, 1+len(odcid)+len(pseudoHeaderAndBody))
	aad = append(aad, byte(len(odcid)))
	aad = append(aad, odcid...)
	aad = append(aad, pseudoHeaderAndBody...)
	return aead.Seal(nil, retryIntegrityNonce, nil, aad)
}

// nullAEAD stands in for the Handshake/Application AEAD before those
// secrets are available from the (out-of-scope) TLS handshake engine: it
// keeps packet-length accounting correct without performing the
// corresponding real encryption. See DESIGN.md.
type nullAEAD struct{}

func (nullAEAD) NonceSize() int { return 12 }
func (nullAEAD) Overhead() int  { return 16 }

func (nullAEAD) Seal(dst, nonce, plaintext, additionalData []byte) []byte {
	ret, out := sliceForAppend(dst, len(plaintext)+16)
	copy(out, plaintext)
	return ret
}

func (nullAEAD) Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	if len(ciphertext) < 16 {
		return nil, newError(ProtocolViolation, "ciphertext too short")
	}
	plaintext := ciphertext[:len(ciphertext)-16]
	ret, out := sliceForAppend(dst, len(plaintext))
	copy(out, plaintext)
	return ret, nil
}

// sliceForAppend mirrors the helper used by crypto/cipher's GCM
// implementation so nullAEAD supports the same in-place dst==plaintext
// calling convention real AEADs do.
func sliceForAppend(in []byte, n int) (head, tail []byte) {
	if total := len(in) + n; cap(in) >= total {
		head = in[:total]
	} else {
		head = make([]byte, total)
		copy(head, in)
	}
	tail = head[len(in):]
	return
}

func newStubProtection() packetProtection {
	return packetProtection{aead: nullAEAD{}, iv: make([]byte, 12)}
}
