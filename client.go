package quic

import (
	"io"
	"net"

	"github.com/pkg/errors"
)

// Client dials and multiplexes outgoing QUIC connections over a single
// local UDP socket, splitting the transport state machine from the thin
// engine that drives it.
type Client struct {
	endpoint *endpoint
}

// NewClient creates a Client that will use config for every connection it
// dials.
func NewClient(config *Config) *Client {
	return &Client{endpoint: newEndpoint(config, true)}
}

// SetHandler installs the callback invoked with each connection's events.
func (c *Client) SetHandler(h Handler) {
	c.endpoint.handler = h
}

// SetLogger enables qlog-style trace logging at the given level, writing
// to w.
func (c *Client) SetLogger(level int, w io.Writer) {
	c.endpoint.logger.setLevel(logLevel(level))
	c.endpoint.logger.setWriter(w)
}

// ListenAndServe opens the local UDP socket this client sends from and
// receives on. addr may be "" or a port-only address to pick an ephemeral
// local port.
func (c *Client) ListenAndServe(addr string) error {
	return c.endpoint.listen(addr)
}

// Connect dials addr, creating a new connection whose events subsequently
// arrive through the Handler set via SetHandler.
func (c *Client) Connect(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errors.Wrap(err, "resolve")
	}
	var connectErr error
	c.endpoint.do(func() {
		_, connectErr = c.endpoint.connect(udpAddr)
	})
	return connectErr
}

// Close shuts down the client's socket and every connection it owns.
func (c *Client) Close() error {
	return c.endpoint.close()
}
