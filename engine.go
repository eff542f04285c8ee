package quic

import (
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/qnet-io/quince/transport"
)

// maxDatagramSize bounds both the receive buffer and the scratch buffer
// Read encodes into; it is comfortably above the path MTU QUIC assumes
// (1200-byte Initial minimum, 1452 typical Ethernet/PPPoE ceiling).
const maxDatagramSize = 1452

// Handler processes the events produced by an endpoint's connections.
// Serve is always invoked from the endpoint's own goroutine as part of
// its single cooperative loop: implementations must not block.
type Handler interface {
	Serve(c Conn, events []transport.Event)
}

type incomingPacket struct {
	data []byte
	addr net.Addr
}

// endpoint multiplexes any number of transport.Conn instances over one
// net.PacketConn. Everything that touches connection state - decoding
// packets, running timers, handing events to the Handler - happens on the
// run goroutine; recvLoop only reads off the wire and hands datagrams
// over a channel, so the same cooperative single-threaded model one
// connection uses internally extends here to however many connections
// one endpoint owns, instead of a goroutine per connection.
type endpoint struct {
	config   *Config
	handler  Handler
	logger   *logger
	isClient bool

	socket net.PacketConn

	conns  map[string]*remoteConn
	timers timerHeap

	incoming chan incomingPacket
	actions  chan func()
	closeCh  chan struct{}
	doneCh   chan struct{}
}

func newEndpoint(config *Config, isClient bool) *endpoint {
	config.buildMetrics()
	return &endpoint{
		config:   config,
		isClient: isClient,
		conns:    make(map[string]*remoteConn),
		incoming: make(chan incomingPacket, 128),
		actions:  make(chan func()),
		closeCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   newLogger(),
	}
}

func (e *endpoint) listen(addr string) error {
	socket, err := net.ListenPacket("udp", addr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	e.socket = socket
	go e.recvLoop()
	go e.run()
	return nil
}

// recvLoop is the only other goroutine besides run: it blocks in
// ReadFrom and forwards whatever arrives, so run never blocks on socket
// I/O itself.
func (e *endpoint) recvLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := e.socket.ReadFrom(buf)
		if err != nil {
			select {
			case <-e.closeCh:
			default:
				e.logger.logAt(levelError, "read error: %v", err)
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case e.incoming <- incomingPacket{data: data, addr: addr}:
		case <-e.closeCh:
			return
		}
	}
}

// run is the endpoint's single cooperative loop: it alternates between
// inbound datagrams, queued API actions (Connect, Close), and timer
// expiry, never touching connection state from any other goroutine.
func (e *endpoint) run() {
	defer close(e.doneCh)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		e.rearm(timer)
		select {
		case <-e.closeCh:
			return
		case pkt := <-e.incoming:
			e.handlePacket(pkt)
		case fn := <-e.actions:
			fn()
		case <-timer.C:
			e.handleTimers(time.Now())
		}
	}
}

func (e *endpoint) rearm(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	deadline, ok := e.timers.next()
	if !ok {
		timer.Reset(time.Hour)
		return
	}
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}

// do queues fn to run on the endpoint's own goroutine, blocking until it
// has, so callers outside run (e.g. Client.Connect) never touch conns or
// a transport.Conn concurrently with run itself.
func (e *endpoint) do(fn func()) {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case e.actions <- wrapped:
		<-done
	case <-e.closeCh:
	}
}

func (e *endpoint) handlePacket(pkt incomingPacket) {
	dcid, err := transport.DecodeDCID(pkt.data, localCIDLength)
	if err != nil {
		e.logger.logAt(levelDebug, "dropped packet from %s: %v", pkt.addr, err)
		return
	}
	rc := e.conns[string(dcid)]
	if rc == nil {
		if e.isClient {
			e.logger.logAt(levelDebug, "dropped packet for unknown connection from %s", pkt.addr)
			return
		}
		rc, err = e.acceptConn(dcid, pkt.addr)
		if err != nil {
			e.logger.logAt(levelError, "accept failed: %v", err)
			return
		}
	}
	rc.addr = pkt.addr
	if _, err := rc.conn.Write(pkt.data); err != nil {
		e.logger.logAt(levelError, "conn %x: %v", rc.scid, err)
	}
	e.flush(rc)
}

func (e *endpoint) acceptConn(dcid []byte, addr net.Addr) (*remoteConn, error) {
	scid := make([]byte, localCIDLength)
	if err := randomCID(scid); err != nil {
		return nil, err
	}
	conn, err := transport.Accept(scid, dcid, e.config.Config)
	if err != nil {
		return nil, err
	}
	rc := newRemoteConn(scid, addr, conn)
	e.logger.attachLogger(rc)
	e.conns[string(scid)] = rc
	return rc, nil
}

func (e *endpoint) connect(addr net.Addr) (*remoteConn, error) {
	scid := make([]byte, localCIDLength)
	if err := randomCID(scid); err != nil {
		return nil, err
	}
	conn, err := transport.Connect(scid, e.config.Config)
	if err != nil {
		return nil, err
	}
	rc := newRemoteConn(scid, addr, conn)
	e.logger.attachLogger(rc)
	e.conns[string(scid)] = rc
	e.flush(rc)
	return rc, nil
}

// flush drains every packet a connection is ready to send, dispatches
// whatever events resulted to the Handler, and reschedules its timer.
func (e *endpoint) flush(rc *remoteConn) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := rc.conn.Read(buf)
		if err != nil {
			e.logger.logAt(levelError, "conn %x: %v", rc.scid, err)
			break
		}
		if n == 0 {
			break
		}
		if _, err := e.socket.WriteTo(buf[:n], rc.addr); err != nil {
			e.logger.logAt(levelError, "write to %s: %v", rc.addr, err)
			break
		}
	}
	e.dispatch(rc)
	if rc.conn.IsClosed() {
		e.removeConn(rc)
		return
	}
	if d := rc.conn.Timeout(); d >= 0 {
		e.timers.schedule(rc, time.Now().Add(d))
	} else {
		e.timers.remove(rc)
	}
}

func (e *endpoint) dispatch(rc *remoteConn) {
	rc.eventsBuf = rc.collectEvents(rc.eventsBuf[:0])
	if len(rc.eventsBuf) == 0 || e.handler == nil {
		return
	}
	e.handler.Serve(Conn{remote: rc}, rc.eventsBuf)
}

func (e *endpoint) removeConn(rc *remoteConn) {
	e.logger.detachLogger(rc)
	e.timers.remove(rc)
	delete(e.conns, string(rc.scid))
}

func (e *endpoint) handleTimers(now time.Time) {
	for _, rc := range e.timers.expired(now) {
		rc.conn.OnTimeout()
		e.flush(rc)
	}
}

func (e *endpoint) close() error {
	select {
	case <-e.closeCh:
		return nil
	default:
		close(e.closeCh)
	}
	if e.socket != nil {
		e.socket.Close()
		<-e.doneCh
	}
	return nil
}
