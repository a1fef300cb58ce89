package basp

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
)

var (
	ErrNoRoute       = fmt.Errorf("basp: no route to node")
	ErrBrokerStopped = fmt.Errorf("basp: broker stopped")
	ErrPortInUse     = fmt.Errorf("basp: port already published")
	ErrUnknownActor  = fmt.Errorf("basp: unknown actor")
	ErrLocalActor    = fmt.Errorf("basp: actor is local")
)

// LocalRuntime is the in-process actor runtime the broker delivers to.
// Deliver must not block.
type LocalRuntime interface {
	Deliver(to ActorID, env Envelope) bool
	Alive(id ActorID) bool
	// Monitor arranges for fn to run once when the actor exits. It returns
	// false if the actor is not alive.
	Monitor(id ActorID, fn func(ExitReason)) bool
}

// requester is implemented by runtimes that can wait for responses.
type requester interface {
	Request(ctx context.Context, to ActorAddr, msg Message) (Message, error)
}

type publishedActor struct {
	actor ActorAddr
	ifs   []string
	port  uint16
	addr  string
}

type pendingKey struct {
	sender ActorAddr
	id     uint64
}

// pendingRequest is an outbound request awaiting its response. If the
// destination becomes unreachable the sender gets an error response.
type pendingRequest struct {
	sender ActorAddr
	id     MessageID
	dest   ActorAddr
}

// Broker speaks BASP for one node. A single goroutine owns all protocol
// state; transports, local actors and API callers post events to it.
type Broker struct {
	node      NodeID
	config    config
	transport Transport
	runtime   LocalRuntime
	metrics   *Metrics

	events   chan any
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// Owned by the broker goroutine.
	ctxs      map[ConnHandle]*connContext
	routes    *RoutingTable
	proxies   *ProxyRegistry
	pending   map[pendingKey]pendingRequest
	acceptors map[AcceptHandle]*publishedActor
	openPorts map[uint16]AcceptHandle
	holders   map[ActorID]map[NodeID]struct{}
	monitored map[ActorID]bool
}

// NewBroker creates a broker for node. Call Start before use.
func NewBroker(node NodeID, transport Transport, runtime LocalRuntime, opts ...Option) *Broker {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.resolve()

	b := &Broker{
		node:      node,
		config:    cfg,
		transport: transport,
		runtime:   runtime,
		metrics:   newMetrics(),
		events:    make(chan any, cfg.eventQueueSize),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		ctxs:      make(map[ConnHandle]*connContext),
		routes:    NewRoutingTable(),
		proxies:   NewProxyRegistry(),
		pending:   make(map[pendingKey]pendingRequest),
		acceptors: make(map[AcceptHandle]*publishedActor),
		openPorts: make(map[uint16]AcceptHandle),
		holders:   make(map[ActorID]map[NodeID]struct{}),
		monitored: make(map[ActorID]bool),
	}
	b.metrics.queueLenFn = func() int { return len(b.events) }
	return b
}

func (b *Broker) Node() NodeID {
	return b.node
}

func (b *Broker) Metrics() *Metrics {
	return b.metrics
}

// Start attaches the broker to its transport and starts the event loop.
func (b *Broker) Start() {
	b.transport.Start(b)
	go b.run()
	slog.Info("basp broker started", "node", b.node)
}

// Stop closes all connections and acceptors and stops the event loop.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		<-b.stopped
		b.transport.Stop()
		slog.Info("basp broker stopped", "node", b.node)
	})
}

func (b *Broker) run() {
	defer close(b.stopped)
	for {
		select {
		case ev := <-b.events:
			b.handle(ev)
		case <-b.done:
			b.shutdown()
			return
		}
	}
}

// post hands an event to the broker goroutine. It returns false once the
// broker is stopping.
func (b *Broker) post(ev any) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.events <- ev:
		return true
	case <-b.done:
		return false
	}
}

func (b *Broker) handle(ev any) {
	switch e := ev.(type) {
	case newConnectionEvent:
		b.handleNewConnection(e.acceptor, e.hdl)
	case newDataEvent:
		b.handleNewData(e.hdl, e.data)
	case connectionClosedEvent:
		b.handleConnectionClosed(e.hdl, e.err)
	case *sendRequest:
		e.result <- b.handleSend(e)
	case *connectRequest:
		b.handleConnect(e)
	case closeRequest:
		if c := b.ctxs[e.hdl]; c != nil {
			c.fail(e.err)
			b.closeConnection(c)
		}
	case *publishRequest:
		port, err := b.handlePublish(e)
		e.result <- publishResult{port: port, err: err}
	case *unpublishRequest:
		e.result <- b.handleUnpublish(e.actor, e.port)
	case *makeProxyRequest:
		p, err := b.handleMakeProxy(e.addr)
		e.result <- connectResult{proxy: p, err: err}
	case *disconnectRequest:
		e.result <- b.handleDisconnect(e.node)
	case cancelRequest:
		b.handleCancelRequest(e)
	case proxyReleasedEvent:
		b.handleProxyReleased(e.proxy)
	case proxyMonitorEvent:
		b.handleProxyMonitor(e.proxy, e.fn)
	case actorExitedEvent:
		b.handleActorExited(e.id, e.reason)
	case *snapshotRequest:
		e.result <- b.snapshot()
	default:
		slog.Warn("basp broker dropped unknown event", "type", fmt.Sprintf("%T", ev))
	}
}

func (b *Broker) shutdown() {
	for _, c := range b.ctxs {
		c.fail(ErrBrokerStopped)
		b.closeConnection(c)
	}
	for a := range b.acceptors {
		b.transport.CloseAcceptor(a)
	}
	clear(b.acceptors)
	clear(b.openPorts)
	// Fail API callers still waiting on the loop.
	for {
		select {
		case ev := <-b.events:
			b.reject(ev)
		default:
			return
		}
	}
}

func (b *Broker) reject(ev any) {
	switch e := ev.(type) {
	case *sendRequest:
		e.result <- ErrBrokerStopped
	case *connectRequest:
		b.transport.Close(e.hdl)
		e.hs.resolve(nil, ErrBrokerStopped)
	case *publishRequest:
		e.result <- publishResult{err: ErrBrokerStopped}
	case *unpublishRequest:
		e.result <- false
	case *makeProxyRequest:
		e.result <- connectResult{err: ErrBrokerStopped}
	case *disconnectRequest:
		e.result <- false
	case *snapshotRequest:
		e.result <- BrokerSnapshot{Node: b.node.String()}
	}
}

// call posts a request event and waits for its result.
func call[T any](ctx context.Context, b *Broker, ev any, result chan T) (T, error) {
	var zero T
	if !b.post(ev) {
		return zero, ErrBrokerStopped
	}
	select {
	case r := <-result:
		return r, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-b.stopped:
		// shutdown answers everything still queued; pick that up if present.
		select {
		case r := <-result:
			return r, nil
		default:
			return zero, ErrBrokerStopped
		}
	}
}

// --- transport sink ---

type newConnectionEvent struct {
	acceptor AcceptHandle
	hdl      ConnHandle
}

type newDataEvent struct {
	hdl  ConnHandle
	data []byte
}

type connectionClosedEvent struct {
	hdl ConnHandle
	err error
}

func (b *Broker) NewConnection(a AcceptHandle, h ConnHandle) {
	if !b.post(newConnectionEvent{acceptor: a, hdl: h}) {
		b.transport.Close(h)
	}
}

func (b *Broker) NewData(h ConnHandle, data []byte) {
	b.post(newDataEvent{hdl: h, data: data})
}

func (b *Broker) ConnectionClosed(h ConnHandle, err error) {
	b.post(connectionClosedEvent{hdl: h, err: err})
}

func (b *Broker) handleNewConnection(a AcceptHandle, h ConnHandle) {
	pub := b.acceptors[a]
	if pub == nil {
		slog.Warn("basp connection on unknown acceptor", "acceptor", a, "conn", h)
		b.transport.Close(h)
		return
	}
	c := newConnContext(h, a, AwaitClientHandshake)
	b.ctxs[h] = c
	b.metrics.ConnectionsOpened.Add(1)
	b.metrics.ConnectionsActive.Store(int64(len(b.ctxs)))
	if err := b.sendServerHandshake(c, pub); err != nil {
		c.fail(err)
		b.closeConnection(c)
	}
}

func (b *Broker) handleNewData(h ConnHandle, data []byte) {
	c := b.ctxs[h]
	if c == nil {
		return
	}
	b.metrics.BytesReceived.Add(int64(len(data)))
	c.consume(data, b.config.maxPayload, b)
	if c.state == CloseConnection {
		b.closeConnection(c)
	}
}

func (b *Broker) handleConnectionClosed(h ConnHandle, err error) {
	c := b.ctxs[h]
	if c == nil {
		return
	}
	c.fail(err)
	b.closeConnection(c)
}

// closeConnection tears down c: the transport connection, every route
// through it, and the published actor reference. Routes go first so the
// kill-proxy for the published actor takes an alternate route if one is
// left.
func (b *Broker) closeConnection(c *connContext) {
	if b.ctxs[c.hdl] != c {
		return
	}
	delete(b.ctxs, c.hdl)
	b.transport.Close(c.hdl)
	b.metrics.ConnectionsClosed.Add(1)
	b.metrics.ConnectionsActive.Store(int64(len(b.ctxs)))

	cause := c.closeErr
	if cause == nil {
		cause = fmt.Errorf("basp: connection %d closed", c.hdl)
	}
	if c.client != nil {
		c.client.resolve(nil, cause)
	}

	slog.Info("basp connection closed", "conn", c.hdl, "node", c.remote, "reason", cause)
	for _, node := range b.routes.Invalidate(c.hdl) {
		b.nodeUnreachable(node)
	}
	if p := c.published.proxy; p != nil {
		c.published.proxy = nil
		if p.release() {
			b.handleProxyReleased(p)
		}
	}
}

// --- publish / connect ---

type publishRequest struct {
	actor  ActorAddr
	ifs    []string
	addr   string
	result chan publishResult
}

type publishResult struct {
	port uint16
	err  error
}

type unpublishRequest struct {
	actor  ActorAddr
	port   uint16
	result chan bool
}

type connectRequest struct {
	hdl ConnHandle
	hs  *clientHandshake
}

type closeRequest struct {
	hdl ConnHandle
	err error
}

type makeProxyRequest struct {
	addr   ActorAddr
	result chan connectResult
}

type disconnectRequest struct {
	node   NodeID
	result chan bool
}

// Publish makes actor reachable at addr with the given interface set and
// returns the bound port.
func (b *Broker) Publish(ctx context.Context, actor ActorAddr, ifs []string, addr string) (uint16, error) {
	req := &publishRequest{actor: actor, ifs: normalizeInterfaces(ifs), addr: addr, result: make(chan publishResult, 1)}
	r, err := call(ctx, b, req, req.result)
	if err != nil {
		return 0, err
	}
	return r.port, r.err
}

func (b *Broker) handlePublish(req *publishRequest) (uint16, error) {
	if req.actor.Node.IsZero() {
		req.actor.Node = b.node
	}
	if req.actor.Node != b.node {
		return 0, fmt.Errorf("basp: publish %s: actor is not local", req.actor)
	}
	if _, port, err := net.SplitHostPort(req.addr); err == nil && port != "0" {
		if n, err := strconv.ParseUint(port, 10, 16); err == nil {
			if _, used := b.openPorts[uint16(n)]; used {
				return 0, fmt.Errorf("%w: %d", ErrPortInUse, n)
			}
		}
	}
	a, bound, err := b.transport.Listen(req.addr)
	if err != nil {
		return 0, fmt.Errorf("basp: publish %s on %s: %w", req.actor, req.addr, err)
	}
	_, portStr, err := net.SplitHostPort(bound)
	if err != nil {
		b.transport.CloseAcceptor(a)
		return 0, fmt.Errorf("basp: publish %s: bound address %q: %w", req.actor, bound, err)
	}
	port64, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		b.transport.CloseAcceptor(a)
		return 0, fmt.Errorf("basp: publish %s: bound port %q: %w", req.actor, portStr, err)
	}
	port := uint16(port64)
	b.acceptors[a] = &publishedActor{actor: req.actor, ifs: req.ifs, port: port, addr: bound}
	b.openPorts[port] = a
	slog.Info("basp actor published", "actor", req.actor, "addr", bound, "interfaces", req.ifs)
	return port, nil
}

// Unpublish closes the acceptors of actor on port, or on every port when
// port is zero. It reports whether anything was unpublished.
func (b *Broker) Unpublish(ctx context.Context, actor ActorAddr, port uint16) bool {
	req := &unpublishRequest{actor: actor, port: port, result: make(chan bool, 1)}
	ok, err := call(ctx, b, req, req.result)
	return err == nil && ok
}

func (b *Broker) handleUnpublish(actor ActorAddr, port uint16) bool {
	if actor.Node.IsZero() {
		actor.Node = b.node
	}
	removed := false
	for a, pub := range b.acceptors {
		if pub.actor != actor || (port != 0 && pub.port != port) {
			continue
		}
		if err := b.transport.CloseAcceptor(a); err != nil {
			slog.Warn("basp close acceptor failed", "acceptor", a, "error", err)
		}
		delete(b.acceptors, a)
		delete(b.openPorts, pub.port)
		removed = true
		slog.Info("basp actor unpublished", "actor", actor, "port", pub.port)
	}
	return removed
}

// Connect opens a connection to addr, runs the handshake and returns a
// retained proxy for the actor published there. The caller must Release
// it. An empty expected set accepts any interface set.
func (b *Broker) Connect(ctx context.Context, addr string, expected []string) (*Proxy, error) {
	hdl, err := b.transport.Connect(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("basp: connect %s: %w", addr, err)
	}
	hs := newClientHandshake(addr, expected)
	if !b.post(&connectRequest{hdl: hdl, hs: hs}) {
		b.transport.Close(hdl)
		return nil, ErrBrokerStopped
	}
	select {
	case r := <-hs.result:
		return r.proxy, r.err
	case <-b.stopped:
		return nil, ErrBrokerStopped
	case <-ctx.Done():
		b.post(closeRequest{hdl: hdl, err: ctx.Err()})
		go func() {
			select {
			case r := <-hs.result:
				if r.proxy != nil {
					r.proxy.Release()
				}
			case <-b.stopped:
			}
		}()
		return nil, fmt.Errorf("basp: connect %s: %w", addr, ctx.Err())
	}
}

func (b *Broker) handleConnect(req *connectRequest) {
	c := newConnContext(req.hdl, 0, AwaitServerHandshake)
	c.client = req.hs
	b.ctxs[req.hdl] = c
	b.metrics.ConnectionsOpened.Add(1)
	b.metrics.ConnectionsActive.Store(int64(len(b.ctxs)))
	if err := b.transport.Read(req.hdl); err != nil {
		c.fail(err)
		b.closeConnection(c)
	}
}

// Disconnect closes the direct connection to node as if the peer had
// dropped it. It reports whether there was one.
func (b *Broker) Disconnect(ctx context.Context, node NodeID) bool {
	req := &disconnectRequest{node: node, result: make(chan bool, 1)}
	ok, err := call(ctx, b, req, req.result)
	return err == nil && ok
}

func (b *Broker) handleDisconnect(node NodeID) bool {
	hdl, ok := b.routes.Direct(node)
	if !ok {
		return false
	}
	c := b.ctxs[hdl]
	if c == nil {
		return false
	}
	c.fail(fmt.Errorf("basp: disconnected from %s", node))
	b.closeConnection(c)
	return true
}

// MakeProxy returns a retained proxy for a remote actor. The caller must
// Release it.
func (b *Broker) MakeProxy(ctx context.Context, addr ActorAddr) (*Proxy, error) {
	req := &makeProxyRequest{addr: addr, result: make(chan connectResult, 1)}
	r, err := call(ctx, b, req, req.result)
	if err != nil {
		return nil, err
	}
	return r.proxy, r.err
}

func (b *Broker) handleMakeProxy(addr ActorAddr) (*Proxy, error) {
	if addr.Node == b.node {
		return nil, fmt.Errorf("%w: %s", ErrLocalActor, addr)
	}
	if b.routes.Get(addr.Node).Invalid() {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, addr.Node)
	}
	p := b.makeProxy(addr)
	if !p.Retain() {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, addr.Node)
	}
	return p, nil
}

func (b *Broker) request(ctx context.Context, to ActorAddr, msg Message) (Message, error) {
	r, ok := b.runtime.(requester)
	if !ok {
		return Message{}, fmt.Errorf("basp: local runtime cannot issue requests")
	}
	return r.Request(ctx, to, msg)
}

// ConnectionInfo describes one open connection.
type ConnectionInfo struct {
	Handle   uint64 `json:"handle"`
	Acceptor uint64 `json:"acceptor,omitempty"`
	State    string `json:"state"`
	Remote   string `json:"remote,omitempty"`
	Client   bool   `json:"client"`
	FramesIn uint64 `json:"frames_in"`
	BytesIn  uint64 `json:"bytes_in"`
}

// ProxyInfo describes one live proxy.
type ProxyInfo struct {
	Actor      string `json:"actor"`
	Generation uint32 `json:"generation"`
	Refs       int64  `json:"refs"`
}

// PublishedInfo describes one published actor.
type PublishedInfo struct {
	Actor      string   `json:"actor"`
	Addr       string   `json:"addr"`
	Port       uint16   `json:"port"`
	Interfaces []string `json:"interfaces"`
}

// BrokerSnapshot is a consistent view of broker state taken on the broker
// goroutine.
type BrokerSnapshot struct {
	Node            string           `json:"node"`
	Connections     []ConnectionInfo `json:"connections"`
	Routes          []RouteInfo      `json:"routes"`
	Blacklisted     int              `json:"blacklisted"`
	Proxies         []ProxyInfo      `json:"proxies"`
	Published       []PublishedInfo  `json:"published"`
	PendingRequests int              `json:"pending_requests"`
	RemoteHolders   int              `json:"remote_holders"`
}

type snapshotRequest struct {
	result chan BrokerSnapshot
}

// Snapshot returns the current broker state.
func (b *Broker) Snapshot(ctx context.Context) (BrokerSnapshot, error) {
	req := &snapshotRequest{result: make(chan BrokerSnapshot, 1)}
	return call(ctx, b, req, req.result)
}

func (b *Broker) snapshot() BrokerSnapshot {
	s := BrokerSnapshot{
		Node:            b.node.String(),
		Connections:     make([]ConnectionInfo, 0, len(b.ctxs)),
		Routes:          b.routes.Snapshot(),
		Blacklisted:     b.routes.BlacklistLen(),
		Proxies:         make([]ProxyInfo, 0, b.proxies.Len()),
		Published:       make([]PublishedInfo, 0, len(b.acceptors)),
		PendingRequests: len(b.pending),
	}
	for _, c := range b.ctxs {
		info := ConnectionInfo{
			Handle:   uint64(c.hdl),
			Acceptor: uint64(c.acceptor),
			State:    c.state.String(),
			Client:   c.client != nil,
			FramesIn: c.framesIn,
			BytesIn:  c.bytesIn,
		}
		if c.handshakeDone() {
			info.Remote = c.remote.String()
		}
		s.Connections = append(s.Connections, info)
	}
	slices.SortFunc(s.Connections, func(x, y ConnectionInfo) int { return cmp.Compare(x.Handle, y.Handle) })

	b.proxies.Range(func(p *Proxy) {
		s.Proxies = append(s.Proxies, ProxyInfo{Actor: p.addr.String(), Generation: p.gen, Refs: p.Refs()})
	})
	slices.SortFunc(s.Proxies, func(x, y ProxyInfo) int { return cmp.Compare(x.Actor, y.Actor) })

	for _, pub := range b.acceptors {
		s.Published = append(s.Published, PublishedInfo{
			Actor:      pub.actor.String(),
			Addr:       pub.addr,
			Port:       pub.port,
			Interfaces: pub.ifs,
		})
	}
	slices.SortFunc(s.Published, func(x, y PublishedInfo) int { return cmp.Compare(x.Port, y.Port) })

	for _, set := range b.holders {
		s.RemoteHolders += len(set)
	}
	return s
}
