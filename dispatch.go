package basp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// dispatch writes one frame for hdr to the best route toward hdr.DestNode.
// The payload, if any, is streamed by w straight after the header and the
// header's length field is patched once w returns.
func (b *Broker) dispatch(hdr Header, w PayloadWriter) (Route, error) {
	r := b.routes.Get(hdr.DestNode)
	if r.Invalid() {
		b.metrics.RoutingFailures.Add(1)
		return r, fmt.Errorf("%w: %s", ErrNoRoute, hdr.DestNode)
	}
	if err := b.writeFrame(r.Handle, hdr, w); err != nil {
		return r, err
	}
	return r, nil
}

// writeFrame encodes hdr and its payload into one contiguous buffer and
// hands it to the transport, which takes ownership of it.
func (b *Broker) writeFrame(hdl ConnHandle, hdr Header, w PayloadWriter) error {
	frame := make([]byte, 0, HeaderSize+b.config.frameSizeHint)
	frame = AppendHeader(frame, hdr)
	if w != nil {
		var err error
		frame, err = w.WritePayload(frame)
		if err != nil {
			return fmt.Errorf("basp: encode %s payload: %w", hdr.Op, err)
		}
	}
	n := len(frame) - HeaderSize
	if b.config.maxPayload > 0 && uint64(n) > uint64(b.config.maxPayload) {
		return fmt.Errorf("basp: %s payload of %d bytes exceeds limit %d", hdr.Op, n, b.config.maxPayload)
	}
	setPayloadLen(frame, uint32(n))
	if err := b.transport.Write(hdl, frame); err != nil {
		if errors.Is(err, ErrSendQueueFull) {
			// Drop the stalled peer so its routes fail over. The loop
			// must not post to itself synchronously.
			slog.Warn("basp peer too slow, closing connection", "conn", hdl)
			go b.post(closeRequest{hdl: hdl, err: err})
		}
		return fmt.Errorf("basp: write to conn %d: %w", hdl, err)
	}
	b.metrics.FramesSent.Add(1)
	b.metrics.BytesSent.Add(int64(len(frame)))
	return nil
}

type sendRequest struct {
	from   ActorAddr
	to     ActorAddr
	mid    MessageID
	msg    Message
	result chan error
}

// Send delivers msg from one actor to another. Local destinations go
// straight to the local runtime; remote ones are framed and written to the
// route toward the destination node. A request that crosses the network is
// tracked until its response arrives or the destination becomes
// unreachable.
func (b *Broker) Send(ctx context.Context, from, to ActorAddr, mid MessageID, msg Message) error {
	req := &sendRequest{from: from, to: to, mid: mid, msg: msg, result: make(chan error, 1)}
	err, callErr := call(ctx, b, req, req.result)
	if callErr != nil {
		return callErr
	}
	return err
}

type cancelRequest struct {
	from ActorAddr
	id   uint64
}

// CancelRequest stops tracking a request whose sender gave up waiting. A
// response arriving later is still delivered.
func (b *Broker) CancelRequest(from ActorAddr, mid MessageID) {
	b.post(cancelRequest{from: from, id: mid.RequestID()})
}

func (b *Broker) handleCancelRequest(e cancelRequest) {
	if e.from.Node.IsZero() {
		e.from.Node = b.node
	}
	key := pendingKey{sender: e.from, id: e.id}
	if _, ok := b.pending[key]; !ok {
		return
	}
	delete(b.pending, key)
	b.metrics.PendingRequests.Store(int64(len(b.pending)))
}

func (b *Broker) handleSend(req *sendRequest) error {
	from := req.from
	if from.Node.IsZero() {
		from.Node = b.node
	}
	if req.to.Node == b.node || req.to.Node.IsZero() {
		env := Envelope{Sender: from, ID: req.mid, Message: req.msg}
		if !b.runtime.Deliver(req.to.ID, env) {
			b.metrics.MessagesDeadLettered.Add(1)
			return fmt.Errorf("%w: %s", ErrUnknownActor, req.to)
		}
		b.metrics.MessagesDelivered.Add(1)
		return nil
	}

	hdr := Header{
		Op:          OpDispatchMessage,
		SourceNode:  from.Node,
		SourceActor: from.ID,
		DestNode:    req.to.Node,
		DestActor:   req.to.ID,
		OpData:      uint64(req.mid),
	}
	key := pendingKey{sender: from, id: req.mid.RequestID()}
	if req.mid.IsRequest() {
		b.pending[key] = pendingRequest{sender: from, id: req.mid, dest: req.to}
		b.metrics.PendingRequests.Store(int64(len(b.pending)))
	}
	if _, err := b.dispatch(hdr, messagePayload(req.msg)); err != nil {
		if req.mid.IsRequest() {
			delete(b.pending, key)
			b.metrics.PendingRequests.Store(int64(len(b.pending)))
		}
		return fmt.Errorf("basp: send to %s: %w", req.to, err)
	}
	b.metrics.MessagesSent.Add(1)
	return nil
}

// handleFrame handles a dispatchable frame from an established connection.
// The connection it arrived on is passed explicitly so routes can be
// learned from it.
func (b *Broker) handleFrame(c *connContext, hdr Header, payload []byte) {
	b.metrics.FramesReceived.Add(1)
	if hdr.SourceNode != c.remote && hdr.SourceNode != b.node {
		if b.routes.Add(hdr.SourceNode, c.hdl) {
			slog.Debug("basp route learned", "node", hdr.SourceNode, "via", c.remote, "conn", c.hdl)
		}
	}
	if hdr.DestNode != b.node {
		b.forward(hdr, payload)
		return
	}
	switch hdr.Op {
	case OpDispatchMessage:
		b.deliver(c, hdr, payload)
	case OpAnnounceProxy:
		b.addMonitor(c, hdr)
	case OpKillProxy:
		b.killProxy(c, hdr)
	case OpDown:
		b.handleDown(hdr)
	default:
		slog.Warn("basp unexpected frame", "op", hdr.Op, "conn", c.hdl)
	}
}

// deliver hands an inbound message to the local runtime.
func (b *Broker) deliver(c *connContext, hdr Header, payload []byte) {
	mid := MessageID(hdr.OpData)
	msg, err := DecodeMessage(payload)
	if err != nil {
		b.metrics.MessagesDeadLettered.Add(1)
		slog.Warn("basp message decode failed", "conn", c.hdl, "from", hdr.SourceNode, "error", err)
		if mid.IsRequest() {
			b.replyError(hdr, ExitUnhandledException, err.Error())
		}
		return
	}
	b.learnRoutes(c, msg)

	if mid.IsResponse() {
		key := pendingKey{sender: ActorAddr{Node: b.node, ID: hdr.DestActor}, id: mid.RequestID()}
		if _, ok := b.pending[key]; ok {
			delete(b.pending, key)
			b.metrics.PendingRequests.Store(int64(len(b.pending)))
		}
	}

	from := ActorAddr{Node: hdr.SourceNode, ID: hdr.SourceActor}
	env := Envelope{Sender: from, ID: mid, Message: msg}
	if from.ID != 0 && !mid.IsResponse() {
		p := b.makeProxy(from)
		if p.Retain() {
			env.Proxy = p
		}
	}
	if !b.runtime.Deliver(hdr.DestActor, env) {
		// On the loop goroutine; Release would post back to ourselves.
		if p := env.Proxy; p != nil && p.release() {
			b.handleProxyReleased(p)
		}
		b.metrics.MessagesDeadLettered.Add(1)
		slog.Debug("basp message for unknown actor", "actor", hdr.DestActor, "from", from)
		if mid.IsRequest() {
			b.replyError(hdr, ExitUnknown, fmt.Sprintf("actor %d not found on %s", hdr.DestActor, b.node))
		}
		return
	}
	b.metrics.MessagesDelivered.Add(1)
}

// learnRoutes records that nodes mentioned in a payload are reachable over
// the connection the payload arrived on.
func (b *Broker) learnRoutes(c *connContext, msg Message) {
	msg.Range(func(_ int, v any) bool {
		addr, ok := v.(ActorAddr)
		if !ok || addr.Node.IsZero() || addr.Node == b.node || addr.Node == c.remote {
			return true
		}
		if b.routes.Add(addr.Node, c.hdl) {
			slog.Debug("basp route learned from payload", "node", addr.Node, "via", c.remote, "conn", c.hdl)
		}
		return true
	})
}

// forward relays a frame addressed to another node unchanged.
func (b *Broker) forward(hdr Header, payload []byte) {
	if _, err := b.dispatch(hdr, rawPayload(payload)); err != nil {
		b.metrics.ForwardFailures.Add(1)
		slog.Warn("basp forward failed", "op", hdr.Op, "from", hdr.SourceNode, "to", hdr.DestNode, "error", err)
		if hdr.Op == OpDispatchMessage && MessageID(hdr.OpData).IsRequest() {
			b.replyError(hdr, ExitRemoteLinkUnreachable, fmt.Sprintf("no route to %s", hdr.DestNode))
		}
		return
	}
	b.metrics.MessagesForwarded.Add(1)
}

// replyError answers the request described by hdr with a RemoteError,
// best effort. The error comes from this node with no sender actor.
func (b *Broker) replyError(hdr Header, code ExitReason, text string) {
	if hdr.SourceNode == b.node {
		b.deliverError(ActorAddr{Node: b.node, ID: hdr.SourceActor}, MessageID(hdr.OpData), code, text)
		return
	}
	reply := Header{
		Op:         OpDispatchMessage,
		SourceNode: b.node,
		DestNode:   hdr.SourceNode,
		DestActor:  hdr.SourceActor,
		OpData:     uint64(MessageID(hdr.OpData).Response()),
	}
	if _, err := b.dispatch(reply, messagePayload(NewMessage(&RemoteError{Code: code, Text: text}))); err != nil {
		slog.Debug("basp error response dropped", "to", hdr.SourceNode, "error", err)
	}
}

// deliverError answers a local requester directly.
func (b *Broker) deliverError(to ActorAddr, mid MessageID, code ExitReason, text string) {
	env := Envelope{
		Sender:  ActorAddr{Node: b.node},
		ID:      mid.Response(),
		Message: NewMessage(&RemoteError{Code: code, Text: text}),
	}
	if !b.runtime.Deliver(to.ID, env) {
		b.metrics.MessagesDeadLettered.Add(1)
	}
}

// failPending answers every request still waiting on node.
func (b *Broker) failPending(node NodeID) {
	for key, pr := range b.pending {
		if pr.dest.Node != node {
			continue
		}
		delete(b.pending, key)
		b.metrics.RequestsFailed.Add(1)
		b.deliverError(pr.sender, pr.id, ExitRemoteLinkUnreachable, fmt.Sprintf("lost route to %s", node))
	}
	b.metrics.PendingRequests.Store(int64(len(b.pending)))
}
