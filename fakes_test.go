package basp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport records frames written by the broker and lets tests inject
// transport events by hand.
type fakeTransport struct {
	mu        sync.Mutex
	sink      TransportSink
	writes    map[ConnHandle][][]byte
	closed    map[ConnHandle]bool
	reading   map[ConnHandle]bool
	full      map[ConnHandle]bool
	acceptors map[AcceptHandle]string
	nextPort  int

	connected chan ConnHandle
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		writes:    make(map[ConnHandle][][]byte),
		closed:    make(map[ConnHandle]bool),
		reading:   make(map[ConnHandle]bool),
		full:      make(map[ConnHandle]bool),
		acceptors: make(map[AcceptHandle]string),
		nextPort:  40000,
		connected: make(chan ConnHandle, 16),
	}
}

func (t *fakeTransport) Start(sink TransportSink) {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
}

func (t *fakeTransport) Listen(addr string) (AcceptHandle, string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if port == "0" {
		t.nextPort++
		port = strconv.Itoa(t.nextPort)
	}
	a := AcceptHandle(handleSeq.Add(1))
	bound := net.JoinHostPort(host, port)
	t.acceptors[a] = bound
	return a, bound, nil
}

func (t *fakeTransport) Connect(_ context.Context, addr string) (ConnHandle, error) {
	if addr == "unreachable:1" {
		return 0, fmt.Errorf("dial %s: connection refused", addr)
	}
	return ConnHandle(handleSeq.Add(1)), nil
}

// Read runs once the broker registered an outbound connection, so tests
// wait on connected before feeding the server handshake.
func (t *fakeTransport) Read(h ConnHandle) error {
	t.mu.Lock()
	t.reading[h] = true
	t.mu.Unlock()
	t.connected <- h
	return nil
}

func (t *fakeTransport) Write(h ConnHandle, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed[h] {
		return ErrUnknownConnection
	}
	if t.full[h] {
		return fmt.Errorf("%w: conn %d", ErrSendQueueFull, h)
	}
	t.writes[h] = append(t.writes[h], frame)
	return nil
}

func (t *fakeTransport) Close(h ConnHandle) error {
	t.mu.Lock()
	t.closed[h] = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) CloseAcceptor(a AcceptHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.acceptors[a]; !ok {
		return ErrUnknownAcceptor
	}
	delete(t.acceptors, a)
	return nil
}

func (t *fakeTransport) Stop() {}

// accept simulates an inbound connection on acceptor a.
func (t *fakeTransport) accept(a AcceptHandle) ConnHandle {
	h := ConnHandle(handleSeq.Add(1))
	t.sink.NewConnection(a, h)
	return h
}

func (t *fakeTransport) feed(h ConnHandle, data []byte) {
	t.sink.NewData(h, data)
}

func (t *fakeTransport) drop(h ConnHandle, err error) {
	t.mu.Lock()
	t.closed[h] = true
	t.mu.Unlock()
	t.sink.ConnectionClosed(h, err)
}

// stall makes every later write to h fail with ErrSendQueueFull.
func (t *fakeTransport) stall(h ConnHandle) {
	t.mu.Lock()
	t.full[h] = true
	t.mu.Unlock()
}

func (t *fakeTransport) isClosed(h ConnHandle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed[h]
}

type sentFrame struct {
	hdr     Header
	payload []byte
	raw     []byte
}

// frames returns everything written to h, one entry per Write.
func (t *fakeTransport) frames(h ConnHandle) []sentFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]sentFrame, 0, len(t.writes[h]))
	for _, raw := range t.writes[h] {
		out = append(out, sentFrame{hdr: DecodeHeader(raw), payload: raw[HeaderSize:], raw: raw})
	}
	return out
}

// framesOf filters frames(h) by op code.
func (t *fakeTransport) framesOf(h ConnHandle, op Operation) []sentFrame {
	var out []sentFrame
	for _, f := range t.frames(h) {
		if f.hdr.Op == op {
			out = append(out, f)
		}
	}
	return out
}

type delivery struct {
	to  ActorID
	env Envelope
}

// fakeRuntime is a LocalRuntime whose actors are plain ids.
type fakeRuntime struct {
	mu        sync.Mutex
	alive     map[ActorID]bool
	monitors  map[ActorID][]func(ExitReason)
	delivered chan delivery
}

func newFakeRuntime(alive ...ActorID) *fakeRuntime {
	rt := &fakeRuntime{
		alive:     make(map[ActorID]bool),
		monitors:  make(map[ActorID][]func(ExitReason)),
		delivered: make(chan delivery, 64),
	}
	for _, id := range alive {
		rt.alive[id] = true
	}
	return rt
}

func (rt *fakeRuntime) Deliver(to ActorID, env Envelope) bool {
	rt.mu.Lock()
	ok := rt.alive[to]
	rt.mu.Unlock()
	if !ok {
		return false
	}
	rt.delivered <- delivery{to: to, env: env}
	return true
}

func (rt *fakeRuntime) Alive(id ActorID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.alive[id]
}

func (rt *fakeRuntime) Monitor(id ActorID, fn func(ExitReason)) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.alive[id] {
		return false
	}
	rt.monitors[id] = append(rt.monitors[id], fn)
	return true
}

func (rt *fakeRuntime) monitorCount(id ActorID) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.monitors[id])
}

// kill marks id dead and runs its monitors.
func (rt *fakeRuntime) kill(id ActorID, reason ExitReason) {
	rt.mu.Lock()
	delete(rt.alive, id)
	fns := rt.monitors[id]
	delete(rt.monitors, id)
	rt.mu.Unlock()
	for _, fn := range fns {
		fn(reason)
	}
}

func (rt *fakeRuntime) next(t *testing.T) delivery {
	t.Helper()
	select {
	case d := <-rt.delivered:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return delivery{}
	}
}

func (rt *fakeRuntime) none(t *testing.T) {
	t.Helper()
	select {
	case d := <-rt.delivered:
		t.Fatalf("unexpected delivery to %d: %v", d.to, d.env.Message)
	default:
	}
}

// brokerHarness runs a real Broker over fakeTransport and fakeRuntime.
type brokerHarness struct {
	t    *testing.T
	node NodeID
	tr   *fakeTransport
	rt   *fakeRuntime
	b    *Broker
}

func newBrokerHarness(t *testing.T, alive ...ActorID) *brokerHarness {
	t.Helper()
	h := &brokerHarness{
		t:    t,
		node: testNode(1),
		tr:   newFakeTransport(),
		rt:   newFakeRuntime(alive...),
	}
	h.b = NewBroker(h.node, h.tr, h.rt)
	h.b.Start()
	t.Cleanup(h.b.Stop)
	return h
}

func (h *brokerHarness) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	h.t.Cleanup(cancel)
	return ctx
}

// sync waits until every event posted so far has been handled.
func (h *brokerHarness) sync() BrokerSnapshot {
	h.t.Helper()
	s, err := h.b.Snapshot(h.ctx())
	require.NoError(h.t, err)
	return s
}

// publish publishes actor with the given interfaces and returns the
// acceptor it was bound to.
func (h *brokerHarness) publish(actor ActorID, ifs ...string) AcceptHandle {
	h.t.Helper()
	_, err := h.b.Publish(h.ctx(), ActorAddr{ID: actor}, ifs, "127.0.0.1:0")
	require.NoError(h.t, err)
	h.tr.mu.Lock()
	defer h.tr.mu.Unlock()
	var last AcceptHandle
	for a := range h.tr.acceptors {
		last = max(last, a)
	}
	return last
}

// acceptPeer accepts a connection on a and completes the handshake for peer.
func (h *brokerHarness) acceptPeer(a AcceptHandle, peer NodeID) ConnHandle {
	h.t.Helper()
	hdl := h.tr.accept(a)
	h.tr.feed(hdl, frameBytes(Header{
		Op:         OpClientHandshake,
		SourceNode: peer,
		DestNode:   h.node,
		OpData:     encodeVersion(ProtocolVersion),
	}, nil))
	h.sync()
	require.False(h.t, h.tr.isClosed(hdl), "handshake with %s rejected", peer)
	return hdl
}

// sendFrom feeds a message frame from src to dst over hdl.
func (h *brokerHarness) sendFrom(hdl ConnHandle, src, dst ActorAddr, mid MessageID, msg Message) []byte {
	h.t.Helper()
	payload, err := AppendMessage(nil, msg)
	require.NoError(h.t, err)
	frame := frameBytes(Header{
		Op:          OpDispatchMessage,
		SourceNode:  src.Node,
		SourceActor: src.ID,
		DestNode:    dst.Node,
		DestActor:   dst.ID,
		OpData:      uint64(mid),
	}, payload)
	h.tr.feed(hdl, frame)
	return frame
}

func (h *brokerHarness) control(hdl ConnHandle, hdr Header) {
	h.tr.feed(hdl, frameBytes(hdr, nil))
}

func (h *brokerHarness) local(id ActorID) ActorAddr {
	return ActorAddr{Node: h.node, ID: id}
}
