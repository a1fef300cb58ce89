package basp

// ConnState is the framing phase of one connection.
type ConnState uint8

const (
	// AwaitServerHandshake: we connected and wait for the server's greeting.
	AwaitServerHandshake ConnState = iota
	// AwaitClientHandshake: we accepted and wait for the client's reply.
	AwaitClientHandshake
	AwaitHeader
	AwaitPayload
	CloseConnection
)

func (s ConnState) String() string {
	switch s {
	case AwaitServerHandshake:
		return "await_server_handshake"
	case AwaitClientHandshake:
		return "await_client_handshake"
	case AwaitHeader:
		return "await_header"
	case AwaitPayload:
		return "await_payload"
	case CloseConnection:
		return "close_connection"
	}
	return "unknown"
}

type eventKind uint8

const (
	evHeader eventKind = iota
	evPayload
	evHandshakeAccepted
	evHandshakeRejected
	evFailure
)

type connEvent struct {
	kind eventKind
	hdr  Header
	// handshakeDone is true once the peer's node id is known.
	handshakeDone bool
	// maxPayload bounds announced payload sizes; zero means unlimited.
	maxPayload uint32
}

type connEffect uint8

const (
	effNone connEffect = iota
	effReadPayload
	effHandshake
	effDispatch
	effTeardown
)

// transition is the connection state machine. It performs no I/O; the
// caller carries out the returned effect.
func transition(s ConnState, ev connEvent) (ConnState, connEffect) {
	if s == CloseConnection {
		return CloseConnection, effNone
	}
	switch ev.kind {
	case evFailure, evHandshakeRejected:
		return CloseConnection, effTeardown

	case evHandshakeAccepted:
		switch s {
		case AwaitServerHandshake, AwaitClientHandshake, AwaitPayload:
			if !ev.handshakeDone {
				return AwaitHeader, effNone
			}
		}
		return CloseConnection, effTeardown

	case evHeader:
		if ev.maxPayload > 0 && ev.hdr.PayloadLen > ev.maxPayload {
			return CloseConnection, effTeardown
		}
		switch s {
		case AwaitServerHandshake:
			return expectHandshake(s, ev.hdr, OpServerHandshake)
		case AwaitClientHandshake:
			return expectHandshake(s, ev.hdr, OpClientHandshake)
		case AwaitHeader:
			if ev.hdr.Op.isHandshake() || !ev.hdr.Valid() {
				return CloseConnection, effTeardown
			}
			if ev.hdr.PayloadLen == 0 {
				return AwaitHeader, effDispatch
			}
			return AwaitPayload, effReadPayload
		}
		return CloseConnection, effTeardown

	case evPayload:
		if s != AwaitPayload {
			return CloseConnection, effTeardown
		}
		if ev.handshakeDone {
			return AwaitHeader, effDispatch
		}
		// Stay put until the handshake verdict arrives.
		return AwaitPayload, effHandshake
	}
	return CloseConnection, effTeardown
}

func expectHandshake(s ConnState, hdr Header, want Operation) (ConnState, connEffect) {
	if hdr.Op != want || !hdr.Valid() {
		return CloseConnection, effTeardown
	}
	if hdr.PayloadLen == 0 {
		return s, effHandshake
	}
	return AwaitPayload, effReadPayload
}

// frameHandler receives the effects of a connection that need broker state.
type frameHandler interface {
	handleHandshake(c *connContext, hdr Header, payload []byte) bool
	handleFrame(c *connContext, hdr Header, payload []byte)
}

// publishedRef keeps the actor published on the other end (client side) or
// on this end (server side) referenced for the lifetime of the connection.
type publishedRef struct {
	proxy *Proxy
	local ActorAddr
}

// connContext is the broker's per-connection state. Only the broker
// goroutine touches it.
type connContext struct {
	hdl      ConnHandle
	acceptor AcceptHandle
	state    ConnState
	remote   NodeID
	hdr      Header
	buf      []byte

	client    *clientHandshake
	published publishedRef
	closeErr  error

	framesIn uint64
	bytesIn  uint64

	// onTransition observes every state change; nil outside tests.
	onTransition func(from, to ConnState)
}

func newConnContext(hdl ConnHandle, acceptor AcceptHandle, state ConnState) *connContext {
	return &connContext{hdl: hdl, acceptor: acceptor, state: state}
}

func (c *connContext) handshakeDone() bool {
	return !c.remote.IsZero()
}

// consume appends data to the read accumulator and runs the state machine
// once per complete header or payload. Partial units stay buffered.
func (c *connContext) consume(data []byte, maxPayload uint32, fh frameHandler) {
	c.buf = append(c.buf, data...)
	c.bytesIn += uint64(len(data))
	off := 0
	for c.state != CloseConnection {
		need := HeaderSize
		if c.state == AwaitPayload {
			need = int(c.hdr.PayloadLen)
		}
		if len(c.buf)-off < need {
			break
		}
		unit := c.buf[off : off+need]
		off += need

		if c.state == AwaitPayload {
			c.apply(connEvent{kind: evPayload, hdr: c.hdr, handshakeDone: c.handshakeDone()}, unit, fh)
			continue
		}
		c.hdr = DecodeHeader(unit)
		c.apply(connEvent{kind: evHeader, hdr: c.hdr, handshakeDone: c.handshakeDone(), maxPayload: maxPayload}, nil, fh)
	}
	if c.state == CloseConnection {
		c.buf = nil
		return
	}
	n := copy(c.buf, c.buf[off:])
	c.buf = c.buf[:n]
}

// fail moves the connection to CloseConnection.
func (c *connContext) fail(err error) {
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.apply(connEvent{kind: evFailure}, nil, nil)
}

func (c *connContext) apply(ev connEvent, payload []byte, fh frameHandler) {
	prev := c.state
	next, eff := transition(prev, ev)
	c.state = next
	if c.onTransition != nil && next != prev {
		c.onTransition(prev, next)
	}
	switch eff {
	case effHandshake:
		verdict := evHandshakeRejected
		if fh.handleHandshake(c, c.hdr, payload) {
			verdict = evHandshakeAccepted
		}
		// The verdict is judged against the phase before the handshake
		// completed, so handshakeDone stays false here.
		c.apply(connEvent{kind: verdict}, nil, fh)
	case effDispatch:
		c.framesIn++
		fh.handleFrame(c, c.hdr, payload)
	}
}
