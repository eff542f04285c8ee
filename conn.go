package quic

import (
	"net"

	"github.com/qnet-io/quince/transport"
)

// remoteConn is the engine's bookkeeping for one transport.Conn: its
// routing key (source CID) and last-known peer address, alongside the
// transport state machine itself. Handler callbacks only ever see the
// lightweight Conn value below, never this type directly.
type remoteConn struct {
	scid []byte
	addr net.Addr
	conn *transport.Conn

	accepted bool // whether EventConnAccept has already been reported
	closed   bool // whether EventConnClose has already been reported

	timer     *timerEntry
	eventsBuf []transport.Event
}

func newRemoteConn(scid []byte, addr net.Addr, conn *transport.Conn) *remoteConn {
	return &remoteConn{
		scid: scid,
		addr: addr,
		conn: conn,
	}
}

// collectEvents appends this round's events: an accept event (once) ahead
// of whatever transport.Conn.Events drains, and a close event (once) after
// it.
func (c *remoteConn) collectEvents(events []transport.Event) []transport.Event {
	if !c.accepted && c.conn.IsEstablished() {
		c.accepted = true
		events = append(events, transport.Event{Type: EventConnAccept})
	}
	events = c.conn.Events(events)
	if !c.closed && c.conn.IsClosed() {
		c.closed = true
		events = append(events, transport.Event{Type: EventConnClose})
	}
	return events
}

// Conn is the handle a Handler uses to interact with one QUIC connection.
// It is a thin value wrapper over the engine's remoteConn, cheap to pass
// around and copy.
type Conn struct {
	remote *remoteConn
}

// RemoteAddr returns the peer address this connection is talking to.
func (c Conn) RemoteAddr() net.Addr {
	return c.remote.addr
}

// SCID returns this connection's local source connection ID.
func (c Conn) SCID() []byte {
	return c.remote.scid
}

// Stream returns the stream identified by id if it exists, or opens it if
// id is locally initiated. It returns nil for a peer-initiated id the peer
// has not opened yet, for an id whose stream is already closed, and when
// the local stream limit is reached.
func (c Conn) Stream(id uint64) *transport.Stream {
	st, err := c.remote.conn.Stream(id)
	if err != nil {
		return nil
	}
	return st
}

// Close begins closing the connection, sending a CONNECTION_CLOSE with
// errCode (interpreted as an application code when app is true) and the
// given human-readable reason.
func (c Conn) Close(app bool, errCode uint64, reason string) {
	c.remote.conn.Close(app, errCode, reason)
}

// IsEstablished reports whether the handshake has completed.
func (c Conn) IsEstablished() bool {
	return c.remote.conn.IsEstablished()
}

// IsClosed reports whether the connection has finished draining.
func (c Conn) IsClosed() bool {
	return c.remote.conn.IsClosed()
}
