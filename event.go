package quic

import "github.com/qnet-io/quince/transport"

// Connection-level event types, numbered past transport's own EventStream.*
// range so a single switch over transport.Event.Type can match both
// transport-level and connection-lifecycle events, as cmd/quince's handler
// does.
const (
	// EventConnAccept is reported once, the first time a connection
	// reaches the active state, whether it was dialed (Connect) or
	// accepted (Accept).
	EventConnAccept transport.EventType = 100 + iota
	// EventConnClose is reported once, when a connection reaches the
	// closed state and is about to be removed from its endpoint.
	EventConnClose
)
