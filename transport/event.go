package transport

// EventType identifies what happened to produce an Event. The zero value
// is never emitted.
type EventType uint8

const (
	_ EventType = iota
	// EventStream indicates a stream is readable (new data arrived, or
	// its state changed in a way that unblocks a waiting reader).
	EventStream
	// EventStreamWritable indicates a peer's MAX_STREAM_DATA raised the
	// send window for a previously blocked stream.
	EventStreamWritable
	// EventStreamComplete indicates a stream's send side has been fully
	// acknowledged.
	EventStreamComplete
	// EventStreamReset indicates a peer sent RESET_STREAM.
	EventStreamReset
	// EventStreamStop indicates a peer sent STOP_SENDING.
	EventStreamStop
)

func (t EventType) String() string {
	switch t {
	case EventStream:
		return "stream"
	case EventStreamWritable:
		return "stream_writable"
	case EventStreamComplete:
		return "stream_complete"
	case EventStreamReset:
		return "stream_reset"
	case EventStreamStop:
		return "stream_stop"
	default:
		return "unknown"
	}
}

// Event reports a connection-level occurrence an application should act
// on: new stream data, a completed send, or a peer-initiated reset. It
// intentionally carries only identifiers, not payload, so Events can be
// collected cheaply and payload is read through Conn.Stream instead.
type Event struct {
	Type      EventType
	StreamID  uint64
	ErrorCode uint64
}

func newStreamRecvEvent(id uint64) Event {
	return Event{Type: EventStream, StreamID: id}
}

func newStreamCompleteEvent(id uint64) Event {
	return Event{Type: EventStreamComplete, StreamID: id}
}

func newStreamResetEvent(id, errorCode uint64) Event {
	return Event{Type: EventStreamReset, StreamID: id, ErrorCode: errorCode}
}

func newStreamStopEvent(id, errorCode uint64) Event {
	return Event{Type: EventStreamStop, StreamID: id, ErrorCode: errorCode}
}
