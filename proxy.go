package basp

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Proxy stands in for an actor on another node. At most one Proxy exists
// per remote address at a time; once erased, a later lookup creates a new
// one with a higher generation.
//
// A Proxy is reference counted. The broker hands out retained proxies and
// the holder calls Release when done. When the count drops to zero the
// broker erases the proxy and tells the owning node with a kill-proxy
// frame.
type Proxy struct {
	addr   ActorAddr
	gen    uint32
	broker *Broker

	// refs is -1 once the proxy has been erased.
	refs   atomic.Int64
	reason atomic.Uint32
	done   chan struct{}

	// monitors is owned by the broker goroutine.
	monitors []func(ExitReason)
}

func (p *Proxy) Addr() ActorAddr {
	return p.addr
}

// Generation distinguishes successive proxies for the same address.
func (p *Proxy) Generation() uint32 {
	return p.gen
}

// Retain adds a reference. It fails once the proxy has been erased.
func (p *Proxy) Retain() bool {
	for {
		n := p.refs.Load()
		if n < 0 {
			return false
		}
		if p.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference.
func (p *Proxy) Release() {
	if p.release() && p.broker != nil {
		p.broker.post(proxyReleasedEvent{proxy: p})
	}
}

// release drops a reference and reports whether it was the last one.
func (p *Proxy) release() bool {
	for {
		n := p.refs.Load()
		if n <= 0 {
			return false
		}
		if p.refs.CompareAndSwap(n, n-1) {
			return n == 1
		}
	}
}

// Refs returns the current reference count, -1 after erasure.
func (p *Proxy) Refs() int64 {
	return p.refs.Load()
}

// Done is closed when the proxy is erased.
func (p *Proxy) Done() <-chan struct{} {
	return p.done
}

// Reason is valid after Done is closed.
func (p *Proxy) Reason() ExitReason {
	return ExitReason(p.reason.Load())
}

func (p *Proxy) Erased() bool {
	return p.refs.Load() < 0
}

// Send delivers msg to the remote actor asynchronously.
func (p *Proxy) Send(ctx context.Context, from ActorAddr, msg Message) error {
	return p.broker.Send(ctx, from, p.addr, 0, msg)
}

// Request sends msg as a request and waits for the response using the
// broker's local runtime.
func (p *Proxy) Request(ctx context.Context, msg Message) (Message, error) {
	return p.broker.request(ctx, p.addr, msg)
}

// Monitor registers fn to run once the proxy is erased because the remote
// actor terminated or its node became unreachable. fn runs on the broker
// goroutine and must not block.
func (p *Proxy) Monitor(fn func(ExitReason)) {
	p.broker.post(proxyMonitorEvent{proxy: p, fn: fn})
}

// terminate marks the proxy erased and notifies monitors when notify is set.
func (p *Proxy) terminate(reason ExitReason, notify bool) {
	p.refs.Store(-1)
	p.reason.Store(uint32(reason))
	close(p.done)
	monitors := p.monitors
	p.monitors = nil
	if !notify {
		return
	}
	for _, fn := range monitors {
		fn(reason)
	}
}

type proxySlot struct {
	proxy *Proxy
	gen   uint32
}

// ProxyRegistry is the arena of live proxies. Slots are recycled; each
// reuse bumps the slot generation so stale pointers can be told apart.
type ProxyRegistry struct {
	slots []proxySlot
	free  []int
	index map[ActorAddr]int
}

func NewProxyRegistry() *ProxyRegistry {
	return &ProxyRegistry{index: make(map[ActorAddr]int)}
}

// Make returns the proxy for addr, creating it when absent. created reports
// whether a new proxy was allocated.
func (r *ProxyRegistry) Make(addr ActorAddr, b *Broker) (p *Proxy, created bool) {
	if i, ok := r.index[addr]; ok {
		return r.slots[i].proxy, false
	}
	var i int
	if n := len(r.free); n > 0 {
		i = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, proxySlot{})
		i = len(r.slots) - 1
	}
	r.slots[i].gen++
	p = &Proxy{addr: addr, gen: r.slots[i].gen, broker: b, done: make(chan struct{})}
	r.slots[i].proxy = p
	r.index[addr] = i
	return p, true
}

func (r *ProxyRegistry) Get(addr ActorAddr) *Proxy {
	if i, ok := r.index[addr]; ok {
		return r.slots[i].proxy
	}
	return nil
}

// Erase removes the proxy for addr from the table and returns it.
func (r *ProxyRegistry) Erase(addr ActorAddr) *Proxy {
	i, ok := r.index[addr]
	if !ok {
		return nil
	}
	p := r.slots[i].proxy
	r.slots[i].proxy = nil
	delete(r.index, addr)
	r.free = append(r.free, i)
	return p
}

// Node returns the live proxies for actors on node.
func (r *ProxyRegistry) Node(node NodeID) []*Proxy {
	var out []*Proxy
	for addr, i := range r.index {
		if addr.Node == node {
			out = append(out, r.slots[i].proxy)
		}
	}
	return out
}

func (r *ProxyRegistry) Len() int {
	return len(r.index)
}

// Range calls fn for every live proxy.
func (r *ProxyRegistry) Range(fn func(p *Proxy)) {
	for _, i := range r.index {
		fn(r.slots[i].proxy)
	}
}

type proxyReleasedEvent struct {
	proxy *Proxy
}

type proxyMonitorEvent struct {
	proxy *Proxy
	fn    func(ExitReason)
}

type actorExitedEvent struct {
	id     ActorID
	reason ExitReason
}

// makeProxy returns the proxy for a remote actor, announcing it to the
// owning node on creation so the owner attaches a monitor. If no route to
// the node exists the proxy is erased right away with
// ExitRemoteLinkUnreachable.
func (b *Broker) makeProxy(addr ActorAddr) *Proxy {
	p, created := b.proxies.Make(addr, b)
	if !created {
		return p
	}
	b.metrics.ProxiesCreated.Add(1)
	b.metrics.ProxiesActive.Store(int64(b.proxies.Len()))
	slog.Debug("proxy created", "actor", addr, "generation", p.gen)

	hdr := Header{
		Op:         OpAnnounceProxy,
		SourceNode: b.node,
		DestNode:   addr.Node,
		DestActor:  addr.ID,
	}
	if _, err := b.dispatch(hdr, nil); err != nil {
		slog.Warn("proxy announce failed", "actor", addr, "error", err)
		b.eraseProxy(addr, ExitRemoteLinkUnreachable)
	}
	return p
}

// eraseProxy removes the proxy for addr and notifies its monitors.
func (b *Broker) eraseProxy(addr ActorAddr, reason ExitReason) {
	p := b.proxies.Erase(addr)
	if p == nil {
		return
	}
	b.metrics.ProxiesErased.Add(1)
	b.metrics.ProxiesActive.Store(int64(b.proxies.Len()))
	slog.Debug("proxy erased", "actor", addr, "reason", reason)
	p.terminate(reason, true)
}

// sendKillProxyInstance tells the owner of addr that this node dropped its
// proxy.
func (b *Broker) sendKillProxyInstance(addr ActorAddr, reason ExitReason) {
	hdr := Header{
		Op:         OpKillProxy,
		SourceNode: b.node,
		DestNode:   addr.Node,
		DestActor:  addr.ID,
		OpData:     uint64(reason),
	}
	if _, err := b.dispatch(hdr, nil); err != nil {
		slog.Debug("kill proxy not sent", "actor", addr, "error", err)
		return
	}
	b.metrics.KillProxySent.Add(1)
}

// handleProxyReleased erases a proxy whose last reference was dropped,
// unless someone retained it again in the meantime.
func (b *Broker) handleProxyReleased(p *Proxy) {
	if b.proxies.Get(p.addr) != p {
		return
	}
	if !p.refs.CompareAndSwap(0, -1) {
		return
	}
	b.proxies.Erase(p.addr)
	b.metrics.ProxiesErased.Add(1)
	b.metrics.ProxiesActive.Store(int64(b.proxies.Len()))
	slog.Debug("proxy released", "actor", p.addr)
	p.terminate(ExitNormal, false)
	b.sendKillProxyInstance(p.addr, ExitNormal)
}

func (b *Broker) handleProxyMonitor(p *Proxy, fn func(ExitReason)) {
	if b.proxies.Get(p.addr) != p {
		fn(p.Reason())
		return
	}
	p.monitors = append(p.monitors, fn)
}

// addMonitor runs on the owning node when a remote node announces a proxy
// for one of our actors.
func (b *Broker) addMonitor(c *connContext, hdr Header) {
	holder, aid := hdr.SourceNode, hdr.DestActor
	if !b.runtime.Alive(aid) {
		b.sendDown(holder, aid, ExitUnknown)
		return
	}
	set := b.holders[aid]
	if set == nil {
		set = make(map[NodeID]struct{})
		b.holders[aid] = set
	}
	set[holder] = struct{}{}
	if b.monitored[aid] {
		return
	}
	b.monitored[aid] = true
	attached := b.runtime.Monitor(aid, func(reason ExitReason) {
		b.post(actorExitedEvent{id: aid, reason: reason})
	})
	if !attached {
		b.handleActorExited(aid, ExitUnknown)
	}
	slog.Debug("remote monitor added", "actor", aid, "holder", holder, "conn", c.hdl)
}

// killProxy runs on the owning node when a holder dropped its proxy.
// Unknown pairs are ignored.
func (b *Broker) killProxy(c *connContext, hdr Header) {
	holder, aid := hdr.SourceNode, hdr.DestActor
	b.metrics.KillProxyReceived.Add(1)
	set := b.holders[aid]
	if _, ok := set[holder]; !ok {
		slog.Debug("kill proxy for unknown holder", "actor", aid, "holder", holder, "conn", c.hdl)
		return
	}
	delete(set, holder)
	if len(set) == 0 {
		delete(b.holders, aid)
	}
}

// handleActorExited propagates a local actor's exit to every remote holder.
func (b *Broker) handleActorExited(aid ActorID, reason ExitReason) {
	delete(b.monitored, aid)
	set := b.holders[aid]
	delete(b.holders, aid)
	for holder := range set {
		b.sendDown(holder, aid, reason)
	}
}

func (b *Broker) sendDown(holder NodeID, aid ActorID, reason ExitReason) {
	hdr := Header{
		Op:          OpDown,
		SourceNode:  b.node,
		SourceActor: aid,
		DestNode:    holder,
		OpData:      uint64(reason),
	}
	if _, err := b.dispatch(hdr, nil); err != nil {
		slog.Debug("down not sent", "actor", aid, "holder", holder, "error", err)
		return
	}
	b.metrics.DownSent.Add(1)
}

// handleDown runs on a holder when the remote actor behind a proxy died.
func (b *Broker) handleDown(hdr Header) {
	b.metrics.DownReceived.Add(1)
	b.eraseProxy(ActorAddr{Node: hdr.SourceNode, ID: hdr.SourceActor}, ExitReason(hdr.OpData))
}

// nodeUnreachable drops all state tied to a node we can no longer reach.
func (b *Broker) nodeUnreachable(node NodeID) {
	slog.Info("basp node unreachable", "node", node)
	for _, p := range b.proxies.Node(node) {
		b.eraseProxy(p.addr, ExitRemoteLinkUnreachable)
	}
	for aid, set := range b.holders {
		delete(set, node)
		if len(set) == 0 {
			delete(b.holders, aid)
		}
	}
	b.failPending(node)
}
