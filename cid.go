package quic

import (
	"crypto/rand"

	"github.com/rs/xid"
)

// randomCID fills b with a locally-generated connection ID, the same way
// transport.Conn does for its own default entropy source: xid.New's 12
// compact, roughly-sortable bytes, topped up with crypto/rand if b is
// longer.
func randomCID(b []byte) error {
	id := xid.New()
	raw := id.Bytes()
	n := copy(b, raw)
	for n < len(b) {
		m, err := rand.Read(b[n:])
		if err != nil {
			return err
		}
		n += m
	}
	return nil
}
