package basp

// Transports move opaque bytes between nodes. They know nothing about
// frames; the broker reassembles headers and payloads from whatever chunks
// arrive.
//
// Invariants:
//   - Handles are allocated from a process-wide counter and never reused.
//   - Accepted connections announce themselves with NewConnection before
//     any of their data is reported, and start reading immediately.
//     Outbound connections start reading only after Read(h) so the broker
//     can register the handle first.
//   - Each connection has one reader and one writer goroutine. The writer
//     drains up to maxBatchFrames queued frames into a single Write.
//   - Write never blocks. A full send queue fails with ErrSendQueueFull and
//     the frame is not queued.
//   - A read or write error closes the connection and is reported once via
//     ConnectionClosed. Connections closed by the broker through Close are
//     not reported back.
//   - Reads use a 64 KiB bufio.Reader. Read deadlines (when enabled) are
//     refreshed at most every few seconds using the coarse clock.

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Transport is the byte-stream layer under the broker.
type Transport interface {
	Start(sink TransportSink)
	// Listen opens an acceptor and returns its handle and bound address.
	Listen(addr string) (AcceptHandle, string, error)
	// Connect dials addr. Reading does not start until Read is called.
	Connect(ctx context.Context, addr string) (ConnHandle, error)
	Read(h ConnHandle) error
	// Write queues frame on h; the transport takes ownership of frame.
	Write(h ConnHandle, frame []byte) error
	Close(h ConnHandle) error
	CloseAcceptor(a AcceptHandle) error
	Stop()
}

// TransportSink receives transport events. Implementations must not block
// for long; the broker forwards them to its event loop.
type TransportSink interface {
	NewConnection(a AcceptHandle, h ConnHandle)
	NewData(h ConnHandle, data []byte)
	ConnectionClosed(h ConnHandle, err error)
}

var (
	ErrUnknownConnection = fmt.Errorf("transport: unknown connection")
	ErrUnknownAcceptor   = fmt.Errorf("transport: unknown acceptor")
	ErrTransportStopped  = fmt.Errorf("transport: stopped")
	ErrSendQueueFull     = fmt.Errorf("transport: send queue full")
)

const readBufferSize = 64 << 10

// handleSeq allocates connection and acceptor handles process-wide.
var handleSeq atomic.Uint64

// stream is a bidirectional byte stream; net.Conn satisfies it.
type stream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

type streamConn struct {
	hdl    ConnHandle
	s      stream
	sendCh chan []byte
	closed chan struct{}

	readOnce  sync.Once
	closeOnce sync.Once
}

// streamSet is the connection bookkeeping shared by the TCP and QUIC
// transports.
type streamSet struct {
	cfg  config
	sink TransportSink

	mu        sync.Mutex
	conns     map[ConnHandle]*streamConn
	acceptors map[AcceptHandle]io.Closer

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newStreamSet(cfg config) *streamSet {
	return &streamSet{
		cfg:       cfg,
		conns:     make(map[ConnHandle]*streamConn),
		acceptors: make(map[AcceptHandle]io.Closer),
		done:      make(chan struct{}),
	}
}

func (t *streamSet) Start(sink TransportSink) {
	t.sink = sink
}

func (t *streamSet) stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *streamSet) addAcceptor(c io.Closer) AcceptHandle {
	a := AcceptHandle(handleSeq.Add(1))
	t.mu.Lock()
	t.acceptors[a] = c
	t.mu.Unlock()
	return a
}

// register tracks s and starts its writer.
func (t *streamSet) register(s stream) *streamConn {
	c := &streamConn{
		hdl:    ConnHandle(handleSeq.Add(1)),
		s:      s,
		sendCh: make(chan []byte, t.cfg.sendQueueSize),
		closed: make(chan struct{}),
	}
	t.mu.Lock()
	t.conns[c.hdl] = c
	t.mu.Unlock()

	t.wg.Add(1)
	go t.writeLoop(c)
	return c
}

func (t *streamSet) lookup(h ConnHandle) *streamConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[h]
}

// accepted reports an inbound stream to the sink and starts reading it.
func (t *streamSet) accepted(a AcceptHandle, s stream) {
	c := t.register(s)
	t.sink.NewConnection(a, c.hdl)
	t.startReading(c)
}

func (t *streamSet) Read(h ConnHandle) error {
	c := t.lookup(h)
	if c == nil {
		return fmt.Errorf("%w: %d", ErrUnknownConnection, h)
	}
	t.startReading(c)
	return nil
}

func (t *streamSet) startReading(c *streamConn) {
	c.readOnce.Do(func() {
		t.wg.Add(1)
		go t.readLoop(c)
	})
}

func (t *streamSet) Write(h ConnHandle, frame []byte) error {
	c := t.lookup(h)
	if c == nil {
		return fmt.Errorf("%w: %d", ErrUnknownConnection, h)
	}
	select {
	case <-c.closed:
		return fmt.Errorf("%w: %d", ErrUnknownConnection, h)
	case <-t.done:
		return ErrTransportStopped
	default:
	}
	select {
	case c.sendCh <- frame:
		return nil
	default:
		return fmt.Errorf("%w: conn %d", ErrSendQueueFull, h)
	}
}

func (t *streamSet) Close(h ConnHandle) error {
	c := t.lookup(h)
	if c == nil {
		return nil
	}
	t.closeConn(c, nil, false)
	return nil
}

func (t *streamSet) CloseAcceptor(a AcceptHandle) error {
	t.mu.Lock()
	ln, ok := t.acceptors[a]
	delete(t.acceptors, a)
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownAcceptor, a)
	}
	return ln.Close()
}

func (t *streamSet) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)

		t.mu.Lock()
		acceptors := t.acceptors
		t.acceptors = make(map[AcceptHandle]io.Closer)
		conns := make([]*streamConn, 0, len(t.conns))
		for _, c := range t.conns {
			conns = append(conns, c)
		}
		t.mu.Unlock()

		for _, ln := range acceptors {
			ln.Close()
		}
		for _, c := range conns {
			t.closeConn(c, nil, false)
		}
		t.wg.Wait()
	})
}

// closeConn closes c once. When notify is set the sink learns about it.
func (t *streamSet) closeConn(c *streamConn, err error, notify bool) {
	c.closeOnce.Do(func() {
		t.mu.Lock()
		delete(t.conns, c.hdl)
		t.mu.Unlock()
		close(c.closed)
		c.s.Close()
		if notify && t.sink != nil && !t.stopped() {
			t.sink.ConnectionClosed(c.hdl, err)
		}
	})
}

func (t *streamSet) readLoop(c *streamConn) {
	defer t.wg.Done()

	r := bufio.NewReaderSize(c.s, readBufferSize)
	buf := make([]byte, readBufferSize)

	// Refresh the read deadline at most every few seconds.
	var lastDeadlineSet int64

	for {
		if t.cfg.readTimeout > 0 {
			now := coarseNow.Load()
			if now-lastDeadlineSet >= 3 {
				c.s.SetReadDeadline(time.Now().Add(t.cfg.readTimeout))
				lastDeadlineSet = now
			}
		}
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.sink.NewData(c.hdl, data)
		}
		if err != nil {
			select {
			case <-c.closed:
				// closed locally, expected
			default:
				if !errors.Is(err, io.EOF) {
					slog.Warn("transport read error", "conn", c.hdl, "error", err)
				}
				t.closeConn(c, err, true)
			}
			return
		}
	}
}

// writeLoop is the only goroutine writing to c. It coalesces queued
// frames into one Write.
func (t *streamSet) writeLoop(c *streamConn) {
	defer t.wg.Done()

	maxBatch := t.cfg.maxBatchFrames
	if maxBatch < 1 {
		maxBatch = 1
	}
	var (
		writeBuf          []byte
		lastWriteDeadline int64
	)

	for {
		var frame []byte
		select {
		case frame = <-c.sendCh:
		case <-c.closed:
			return
		}

		writeBuf = append(writeBuf[:0], frame...)
	drain:
		for n := 1; n < maxBatch; n++ {
			select {
			case frame = <-c.sendCh:
				writeBuf = append(writeBuf, frame...)
			default:
				break drain
			}
		}

		if t.cfg.writeTimeout > 0 {
			now := coarseNow.Load()
			if now-lastWriteDeadline >= 2 {
				c.s.SetWriteDeadline(time.Now().Add(t.cfg.writeTimeout))
				lastWriteDeadline = now
			}
		}
		if _, err := c.s.Write(writeBuf); err != nil {
			select {
			case <-c.closed:
			default:
				slog.Warn("transport write error", "conn", c.hdl, "error", err)
				t.closeConn(c, err, true)
			}
			return
		}

		// Don't let one huge batch pin a large buffer forever.
		if cap(writeBuf) > 4*readBufferSize {
			writeBuf = nil
		}
	}
}

// TCPTransport carries BASP over plain TCP connections.
type TCPTransport struct {
	*streamSet
	dialer net.Dialer
}

func NewTCPTransport(opts ...Option) *TCPTransport {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &TCPTransport{
		streamSet: newStreamSet(cfg),
		dialer:    net.Dialer{KeepAlive: 15 * time.Second},
	}
}

func (t *TCPTransport) Listen(addr string) (AcceptHandle, string, error) {
	if t.stopped() {
		return 0, "", ErrTransportStopped
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, "", err
	}
	a := t.addAcceptor(ln)
	t.wg.Add(1)
	go t.acceptLoop(a, ln)
	slog.Info("transport listening", "transport", "tcp", "addr", ln.Addr().String(), "acceptor", a)
	return a, ln.Addr().String(), nil
}

func (t *TCPTransport) acceptLoop(a AcceptHandle, ln net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || t.stopped() {
				return
			}
			slog.Error("transport accept error", "acceptor", a, "error", err)
			continue
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		slog.Debug("transport peer connected", "direction", "inbound", "remote", conn.RemoteAddr().String())
		t.accepted(a, conn)
	}
}

func (t *TCPTransport) Connect(ctx context.Context, addr string) (ConnHandle, error) {
	if t.stopped() {
		return 0, ErrTransportStopped
	}
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	c := t.register(conn)
	slog.Debug("transport peer connected", "direction", "outbound", "remote", addr, "conn", c.hdl)
	return c.hdl, nil
}
