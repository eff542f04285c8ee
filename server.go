package quic

import "io"

// Server accepts incoming QUIC connections on a single local UDP socket,
// handing each one's events to the configured Handler. It mirrors Client's
// shape (both sit on top of the same endpoint) since the wire protocol and
// connection state machine are symmetric; only isClient differs.
type Server struct {
	endpoint *endpoint
}

// NewServer creates a Server that will use config for every connection it
// accepts. config.TLS must carry server certificates before ListenAndServe
// is called.
func NewServer(config *Config) *Server {
	return &Server{endpoint: newEndpoint(config, false)}
}

// SetHandler installs the callback invoked with each connection's events.
func (s *Server) SetHandler(h Handler) {
	s.endpoint.handler = h
}

// SetLogger enables qlog-style trace logging at the given level, writing
// to w.
func (s *Server) SetLogger(level int, w io.Writer) {
	s.endpoint.logger.setLevel(logLevel(level))
	s.endpoint.logger.setWriter(w)
}

// ListenAndServe opens addr and starts accepting connections; each new
// destination connection ID seen on the socket spawns a transport.Conn via
// transport.Accept.
func (s *Server) ListenAndServe(addr string) error {
	return s.endpoint.listen(addr)
}

// Close shuts down the server's socket and every connection it owns.
func (s *Server) Close() error {
	return s.endpoint.close()
}
