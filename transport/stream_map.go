package transport

// streamMap owns every Stream belonging to a connection and enforces the
// bidirectional/unidirectional stream-count limits in both directions.
type streamMap struct {
	streams map[uint64]*Stream

	// Limits we grant the peer for streams they open (MAX_STREAMS we send).
	localMaxStreamsBidi uint64
	localMaxStreamsUni  uint64
	peerOpenedBidi      uint64
	peerOpenedUni       uint64

	// Limits the peer grants us for streams we open (from MAX_STREAMS received).
	peerMaxStreamsBidi uint64
	peerMaxStreamsUni  uint64
	localOpenedBidi    uint64
	localOpenedUni     uint64
}

func (m *streamMap) init(maxStreamsBidi, maxStreamsUni uint64) {
	m.streams = make(map[uint64]*Stream)
	m.localMaxStreamsBidi = maxStreamsBidi
	m.localMaxStreamsUni = maxStreamsUni
}

func (m *streamMap) get(id uint64) *Stream {
	return m.streams[id]
}

// create allocates a new Stream for id, enforcing the relevant stream
// count limit depending on who initiated it.
func (m *streamMap) create(id uint64, local, bidi bool) (*Stream, error) {
	if local {
		if bidi {
			if m.localOpenedBidi >= m.peerMaxStreamsBidi {
				return nil, newError(StreamLimitError, "bidi stream limit")
			}
			m.localOpenedBidi++
		} else {
			if m.localOpenedUni >= m.peerMaxStreamsUni {
				return nil, newError(StreamLimitError, "uni stream limit")
			}
			m.localOpenedUni++
		}
	} else {
		if bidi {
			if m.peerOpenedBidi >= m.localMaxStreamsBidi {
				return nil, newError(StreamLimitError, "bidi stream limit")
			}
			m.peerOpenedBidi++
		} else {
			if m.peerOpenedUni >= m.localMaxStreamsUni {
				return nil, newError(StreamLimitError, "uni stream limit")
			}
			m.peerOpenedUni++
		}
	}
	st := &Stream{id: id}
	m.streams[id] = st
	return st, nil
}

// remove forgets a stream that has fully closed; the caller records its id
// in the connection's closed-stream set so it can never be recreated.
func (m *streamMap) remove(id uint64) {
	delete(m.streams, id)
}

func (m *streamMap) setPeerMaxStreamsBidi(v uint64) {
	if v > m.peerMaxStreamsBidi {
		m.peerMaxStreamsBidi = v
	}
}

func (m *streamMap) setPeerMaxStreamsUni(v uint64) {
	if v > m.peerMaxStreamsUni {
		m.peerMaxStreamsUni = v
	}
}

// hasFlushable reports whether any stream has data (or a pending FIN)
// that has not yet been sent.
func (m *streamMap) hasFlushable() bool {
	for _, st := range m.streams {
		if st.flushable() {
			return true
		}
	}
	return false
}
