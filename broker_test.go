package basp

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_DeliversRemoteMessage(t *testing.T) {
	h := newBrokerHarness(t, 5)
	peer := testNode(2)
	hdl := h.acceptPeer(h.publish(5, "echo"), peer)

	sender := ActorAddr{Node: peer, ID: 9}
	mid := NewRequestID(7)
	frame := h.sendFrom(hdl, sender, h.local(5), mid, NewMessage("hello"))
	require.Len(t, frame, HeaderSize+12)

	d := h.rt.next(t)
	assert.Equal(t, ActorID(5), d.to)
	assert.Equal(t, sender, d.env.Sender)
	assert.Equal(t, mid, d.env.ID)
	assert.Equal(t, []any{"hello"}, d.env.Message.Values())
	require.NotNil(t, d.env.Proxy)
	assert.Equal(t, sender, d.env.Proxy.Addr())

	h.sync()
	announces := h.tr.framesOf(hdl, OpAnnounceProxy)
	require.Len(t, announces, 1)
	assert.Equal(t, peer, announces[0].hdr.DestNode)
	assert.Equal(t, ActorID(9), announces[0].hdr.DestActor)
	assert.Equal(t, int64(1), h.b.Metrics().MessagesDelivered.Load())
}

func TestBroker_ServerHandshakeAdvertisesPublishedActor(t *testing.T) {
	h := newBrokerHarness(t, 5)
	a := h.publish(5, "b", "a")
	hdl := h.tr.accept(a)
	h.sync()

	frames := h.tr.frames(hdl)
	require.Len(t, frames, 1)
	hs := frames[0]
	assert.Equal(t, OpServerHandshake, hs.hdr.Op)
	assert.Equal(t, h.node, hs.hdr.SourceNode)
	assert.Equal(t, ActorID(5), hs.hdr.SourceActor)
	assert.Equal(t, encodeVersion(ProtocolVersion), hs.hdr.OpData)
	ifs, err := decodeStrings(hs.payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ifs)
}

func TestBroker_ForwardsUnchanged(t *testing.T) {
	h := newBrokerHarness(t, 5)
	a := h.publish(5)
	p, q := testNode(2), testNode(3)
	hp := h.acceptPeer(a, p)
	hq := h.acceptPeer(a, q)

	frame := h.sendFrom(hp, ActorAddr{Node: p, ID: 9}, ActorAddr{Node: q, ID: 4}, 0, NewMessage("hello"))
	h.sync()

	fwd := h.tr.framesOf(hq, OpDispatchMessage)
	require.Len(t, fwd, 1)
	assert.Equal(t, frame, fwd[0].raw)
	assert.Equal(t, int64(1), h.b.Metrics().MessagesForwarded.Load())
	h.rt.none(t)
}

func TestBroker_LearnsRouteFromSourceNode(t *testing.T) {
	h := newBrokerHarness(t, 5)
	a := h.publish(5)
	p, q, far := testNode(2), testNode(3), testNode(4)
	hp := h.acceptPeer(a, p)
	h.acceptPeer(a, q)

	// A frame relayed by p on behalf of far.
	h.sendFrom(hp, ActorAddr{Node: far, ID: 1}, ActorAddr{Node: q, ID: 4}, 0, NewMessage("x"))
	s := h.sync()

	r := findRoute(t, s, far)
	assert.Equal(t, uint64(hp), r.Selected)
	assert.Zero(t, r.Direct)
}

func TestBroker_LearnsRouteFromPayload(t *testing.T) {
	h := newBrokerHarness(t, 5)
	p, far := testNode(2), testNode(4)
	hp := h.acceptPeer(h.publish(5), p)

	h.sendFrom(hp, ActorAddr{Node: p, ID: 9}, h.local(5), 0, NewMessage(ActorAddr{Node: far, ID: 3}))
	h.rt.next(t)
	s := h.sync()

	assert.Equal(t, uint64(hp), findRoute(t, s, far).Selected)

	proxy, err := h.b.MakeProxy(h.ctx(), ActorAddr{Node: far, ID: 3})
	require.NoError(t, err)
	defer proxy.Release()
	h.sync()
	announces := h.tr.framesOf(hp, OpAnnounceProxy)
	require.NotEmpty(t, announces)
	assert.Equal(t, far, announces[len(announces)-1].hdr.DestNode)
}

func TestBroker_ConnectionLossMakesNodeUnreachable(t *testing.T) {
	h := newBrokerHarness(t, 2, 5)
	p := testNode(2)
	hdl := h.acceptPeer(h.publish(5), p)

	// A sender proxy held by the local runtime.
	h.sendFrom(hdl, ActorAddr{Node: p, ID: 9}, h.local(5), 0, NewMessage("hello"))
	proxy := h.rt.next(t).env.Proxy
	require.NotNil(t, proxy)

	// An outstanding request from local actor 2.
	mid := NewRequestID(3)
	require.NoError(t, h.b.Send(h.ctx(), h.local(2), ActorAddr{Node: p, ID: 9}, mid, NewMessage("ping")))
	assert.Equal(t, 1, h.sync().PendingRequests)

	h.tr.drop(hdl, io.EOF)
	s := h.sync()

	assert.Empty(t, s.Routes)
	assert.Equal(t, 0, s.PendingRequests)

	<-proxy.Done()
	assert.Equal(t, ExitRemoteLinkUnreachable, proxy.Reason())

	d := h.rt.next(t)
	assert.Equal(t, ActorID(2), d.to)
	assert.Equal(t, mid.Response(), d.env.ID)
	re, ok := remoteError(d.env.Message)
	require.True(t, ok)
	assert.Equal(t, ExitRemoteLinkUnreachable, re.Code)

	err := h.b.Send(h.ctx(), h.local(2), ActorAddr{Node: p, ID: 9}, 0, NewMessage("hello"))
	assert.ErrorIs(t, err, ErrNoRoute)
	assert.Equal(t, 1, s.Blacklisted)
}

func TestBroker_ConnectClient(t *testing.T) {
	h := newBrokerHarness(t)
	p := testNode(2)

	type result struct {
		proxy *Proxy
		err   error
	}
	done := make(chan result, 1)
	ctx := h.ctx()
	go func() {
		proxy, err := h.b.Connect(ctx, "peer:1", []string{"echo"})
		done <- result{proxy, err}
	}()

	hdl := <-h.tr.connected
	payload, err := stringsPayload([]string{"echo"}).WritePayload(nil)
	require.NoError(t, err)
	h.tr.feed(hdl, frameBytes(Header{
		Op:          OpServerHandshake,
		SourceNode:  p,
		SourceActor: 11,
		OpData:      encodeVersion(ProtocolVersion),
	}, payload))

	r := <-done
	require.NoError(t, r.err)
	defer r.proxy.Release()
	assert.Equal(t, ActorAddr{Node: p, ID: 11}, r.proxy.Addr())

	h.sync()
	frames := h.tr.frames(hdl)
	require.GreaterOrEqual(t, len(frames), 2)
	assert.Equal(t, OpClientHandshake, frames[0].hdr.Op)
	assert.Equal(t, p, frames[0].hdr.DestNode)
	assert.Equal(t, OpAnnounceProxy, frames[1].hdr.Op)
	assert.Equal(t, ActorID(11), frames[1].hdr.DestActor)

	// The connection keeps one reference and the caller holds another.
	assert.Equal(t, int64(2), r.proxy.Refs())
}

func TestBroker_ConnectInterfaceMismatch(t *testing.T) {
	h := newBrokerHarness(t)

	done := make(chan error, 1)
	ctx := h.ctx()
	go func() {
		_, err := h.b.Connect(ctx, "peer:1", []string{"other"})
		done <- err
	}()

	hdl := <-h.tr.connected
	payload, _ := stringsPayload([]string{"echo"}).WritePayload(nil)
	h.tr.feed(hdl, frameBytes(Header{
		Op:          OpServerHandshake,
		SourceNode:  testNode(2),
		SourceActor: 11,
		OpData:      encodeVersion(ProtocolVersion),
	}, payload))

	assert.ErrorIs(t, <-done, ErrInterfaceMismatch)
	h.sync()
	assert.True(t, h.tr.isClosed(hdl))
	assert.Empty(t, h.sync().Routes)
}

func TestBroker_ConnectDialFailure(t *testing.T) {
	h := newBrokerHarness(t)
	_, err := h.b.Connect(h.ctx(), "unreachable:1", nil)
	assert.ErrorContains(t, err, "connection refused")
}

func TestBroker_RejectsIncompatibleVersion(t *testing.T) {
	h := newBrokerHarness(t, 5)
	hdl := h.tr.accept(h.publish(5))
	h.tr.feed(hdl, frameBytes(Header{
		Op:         OpClientHandshake,
		SourceNode: testNode(2),
		DestNode:   h.node,
		OpData:     encodeVersion(semver.MustParse("2.0.0")),
	}, nil))
	s := h.sync()

	assert.True(t, h.tr.isClosed(hdl))
	assert.Empty(t, s.Routes)
	assert.Empty(t, s.Connections)
	assert.Equal(t, int64(1), h.b.Metrics().HandshakesRejected.Load())
}

func TestBroker_RejectsDuplicateConnection(t *testing.T) {
	h := newBrokerHarness(t, 5)
	a := h.publish(5)
	p := testNode(2)
	first := h.acceptPeer(a, p)

	second := h.tr.accept(a)
	h.tr.feed(second, frameBytes(Header{
		Op:         OpClientHandshake,
		SourceNode: p,
		DestNode:   h.node,
		OpData:     encodeVersion(ProtocolVersion),
	}, nil))
	s := h.sync()

	assert.True(t, h.tr.isClosed(second))
	assert.False(t, h.tr.isClosed(first))
	assert.Equal(t, uint64(first), findRoute(t, s, p).Direct)
}

func TestBroker_AnnounceAndKillAreIdempotent(t *testing.T) {
	h := newBrokerHarness(t, 5)
	p := testNode(2)
	hdl := h.acceptPeer(h.publish(5), p)

	announce := Header{Op: OpAnnounceProxy, SourceNode: p, DestNode: h.node, DestActor: 5}
	h.control(hdl, announce)
	h.control(hdl, announce)
	assert.Equal(t, 1, h.sync().RemoteHolders)
	assert.Equal(t, 1, h.rt.monitorCount(5))

	kill := Header{Op: OpKillProxy, SourceNode: p, DestNode: h.node, DestActor: 5, OpData: uint64(ExitNormal)}
	h.control(hdl, kill)
	h.control(hdl, kill)
	assert.Equal(t, 0, h.sync().RemoteHolders)
	assert.Equal(t, int64(2), h.b.Metrics().KillProxyReceived.Load())
	assert.Empty(t, h.tr.framesOf(hdl, OpDown))
}

func TestBroker_SendsDownWhenActorExits(t *testing.T) {
	h := newBrokerHarness(t, 5)
	p := testNode(2)
	hdl := h.acceptPeer(h.publish(5), p)

	h.control(hdl, Header{Op: OpAnnounceProxy, SourceNode: p, DestNode: h.node, DestActor: 5})
	h.sync()

	h.rt.kill(5, ExitUserShutdown)
	s := h.sync()

	downs := h.tr.framesOf(hdl, OpDown)
	require.Len(t, downs, 1)
	assert.Equal(t, ActorID(5), downs[0].hdr.SourceActor)
	assert.Equal(t, p, downs[0].hdr.DestNode)
	assert.Equal(t, uint64(ExitUserShutdown), downs[0].hdr.OpData)
	assert.Equal(t, 0, s.RemoteHolders)
}

func TestBroker_AnnounceForDeadActorSendsDown(t *testing.T) {
	h := newBrokerHarness(t, 5)
	p := testNode(2)
	hdl := h.acceptPeer(h.publish(5), p)

	h.control(hdl, Header{Op: OpAnnounceProxy, SourceNode: p, DestNode: h.node, DestActor: 42})
	h.sync()

	downs := h.tr.framesOf(hdl, OpDown)
	require.Len(t, downs, 1)
	assert.Equal(t, ActorID(42), downs[0].hdr.SourceActor)
	assert.Equal(t, uint64(ExitUnknown), downs[0].hdr.OpData)
}

func TestBroker_DownErasesProxy(t *testing.T) {
	h := newBrokerHarness(t, 5)
	p := testNode(2)
	hdl := h.acceptPeer(h.publish(5), p)

	h.sendFrom(hdl, ActorAddr{Node: p, ID: 9}, h.local(5), 0, NewMessage("hello"))
	proxy := h.rt.next(t).env.Proxy
	require.NotNil(t, proxy)

	fired := make(chan ExitReason, 1)
	proxy.Monitor(func(r ExitReason) { fired <- r })
	h.control(hdl, Header{Op: OpDown, SourceNode: p, SourceActor: 9, DestNode: h.node, OpData: uint64(ExitNormal)})
	s := h.sync()

	assert.Equal(t, ExitNormal, <-fired)
	assert.True(t, proxy.Erased())
	assert.Empty(t, s.Proxies)
}

func TestBroker_ReleaseSendsKillProxy(t *testing.T) {
	h := newBrokerHarness(t, 5)
	p := testNode(2)
	hdl := h.acceptPeer(h.publish(5), p)

	h.sendFrom(hdl, ActorAddr{Node: p, ID: 9}, h.local(5), 0, NewMessage("hello"))
	proxy := h.rt.next(t).env.Proxy
	require.NotNil(t, proxy)

	proxy.Release()
	s := h.sync()

	kills := h.tr.framesOf(hdl, OpKillProxy)
	require.Len(t, kills, 1)
	assert.Equal(t, ActorID(9), kills[0].hdr.DestActor)
	assert.Equal(t, p, kills[0].hdr.DestNode)
	assert.Empty(t, s.Proxies)

	// The next message from the same actor gets a fresh proxy.
	h.sendFrom(hdl, ActorAddr{Node: p, ID: 9}, h.local(5), 0, NewMessage("again"))
	next := h.rt.next(t).env.Proxy
	require.NotNil(t, next)
	defer next.Release()
	assert.Greater(t, next.Generation(), proxy.Generation())
}

func TestBroker_RequestToUnknownActorGetsError(t *testing.T) {
	h := newBrokerHarness(t, 5)
	p := testNode(2)
	hdl := h.acceptPeer(h.publish(5), p)

	mid := NewRequestID(4)
	h.sendFrom(hdl, ActorAddr{Node: p, ID: 9}, h.local(99), mid, NewMessage("hello"))
	h.sync()

	replies := h.tr.framesOf(hdl, OpDispatchMessage)
	require.Len(t, replies, 1)
	assert.Equal(t, ActorID(9), replies[0].hdr.DestActor)
	assert.Equal(t, uint64(mid.Response()), replies[0].hdr.OpData)
	msg, err := DecodeMessage(replies[0].payload)
	require.NoError(t, err)
	re, ok := remoteError(msg)
	require.True(t, ok)
	assert.Equal(t, ExitUnknown, re.Code)
	assert.Equal(t, int64(1), h.b.Metrics().MessagesDeadLettered.Load())
}

func TestBroker_ForwardFailureAnswersRequest(t *testing.T) {
	h := newBrokerHarness(t, 5)
	p := testNode(2)
	hdl := h.acceptPeer(h.publish(5), p)

	mid := NewRequestID(8)
	h.sendFrom(hdl, ActorAddr{Node: p, ID: 9}, ActorAddr{Node: testNode(7), ID: 1}, mid, NewMessage("hello"))
	h.sync()

	replies := h.tr.framesOf(hdl, OpDispatchMessage)
	require.Len(t, replies, 1)
	assert.Equal(t, uint64(mid.Response()), replies[0].hdr.OpData)
	msg, err := DecodeMessage(replies[0].payload)
	require.NoError(t, err)
	re, ok := remoteError(msg)
	require.True(t, ok)
	assert.Equal(t, ExitRemoteLinkUnreachable, re.Code)
	assert.Equal(t, int64(1), h.b.Metrics().ForwardFailures.Load())
}

func TestBroker_MalformedFrameClosesConnection(t *testing.T) {
	h := newBrokerHarness(t, 5)
	p := testNode(2)
	hdl := h.acceptPeer(h.publish(5), p)

	// Control frames never carry a payload.
	h.tr.feed(hdl, frameBytes(Header{Op: OpKillProxy, SourceNode: p, DestNode: h.node, DestActor: 5}, []byte{1}))
	s := h.sync()

	assert.True(t, h.tr.isClosed(hdl))
	assert.Empty(t, s.Routes)
}

func TestBroker_MakeProxy(t *testing.T) {
	h := newBrokerHarness(t)

	_, err := h.b.MakeProxy(h.ctx(), ActorAddr{Node: testNode(9), ID: 1})
	assert.ErrorIs(t, err, ErrNoRoute)

	_, err = h.b.MakeProxy(h.ctx(), h.local(1))
	assert.ErrorIs(t, err, ErrLocalActor)
}

func TestBroker_PublishAndUnpublish(t *testing.T) {
	h := newBrokerHarness(t, 5)

	port, err := h.b.Publish(h.ctx(), h.local(5), []string{"echo"}, "127.0.0.1:4711")
	require.NoError(t, err)
	assert.Equal(t, uint16(4711), port)

	_, err = h.b.Publish(h.ctx(), h.local(5), nil, "127.0.0.1:4711")
	assert.ErrorIs(t, err, ErrPortInUse)

	_, err = h.b.Publish(h.ctx(), ActorAddr{Node: testNode(2), ID: 5}, nil, "127.0.0.1:0")
	assert.Error(t, err)

	s := h.sync()
	require.Len(t, s.Published, 1)
	assert.Equal(t, []string{"echo"}, s.Published[0].Interfaces)

	assert.True(t, h.b.Unpublish(h.ctx(), h.local(5), 0))
	assert.False(t, h.b.Unpublish(h.ctx(), h.local(5), 0))
	assert.Empty(t, h.sync().Published)
}

func TestBroker_LocalSend(t *testing.T) {
	h := newBrokerHarness(t, 5)

	require.NoError(t, h.b.Send(h.ctx(), h.local(2), h.local(5), 0, NewMessage("hi")))
	d := h.rt.next(t)
	assert.Equal(t, h.local(2), d.env.Sender)
	assert.Nil(t, d.env.Proxy)

	err := h.b.Send(h.ctx(), h.local(2), h.local(6), 0, NewMessage("hi"))
	assert.ErrorIs(t, err, ErrUnknownActor)
}

func TestBroker_StoppedRejectsCalls(t *testing.T) {
	h := newBrokerHarness(t, 5)
	h.b.Stop()

	err := h.b.Send(h.ctx(), h.local(2), h.local(5), 0, NewMessage("hi"))
	assert.True(t, errors.Is(err, ErrBrokerStopped))

	_, err = h.b.Snapshot(h.ctx())
	assert.ErrorIs(t, err, ErrBrokerStopped)
}

func findRoute(t *testing.T, s BrokerSnapshot, node NodeID) RouteInfo {
	t.Helper()
	for _, r := range s.Routes {
		if r.Node == node.String() {
			return r
		}
	}
	t.Fatalf("no route to %s in %+v", node, s.Routes)
	return RouteInfo{}
}

// connectPeer runs Connect against peer, which publishes actor, and returns
// the proxy and the outbound connection.
func connectPeer(t *testing.T, h *brokerHarness, peer NodeID, actor ActorID) (*Proxy, ConnHandle) {
	t.Helper()
	type result struct {
		proxy *Proxy
		err   error
	}
	done := make(chan result, 1)
	ctx := h.ctx()
	go func() {
		proxy, err := h.b.Connect(ctx, "peer:1", nil)
		done <- result{proxy, err}
	}()

	hdl := <-h.tr.connected
	payload, err := stringsPayload(nil).WritePayload(nil)
	require.NoError(t, err)
	h.tr.feed(hdl, frameBytes(Header{
		Op:          OpServerHandshake,
		SourceNode:  peer,
		SourceActor: actor,
		OpData:      encodeVersion(ProtocolVersion),
	}, payload))

	r := <-done
	require.NoError(t, r.err)
	return r.proxy, hdl
}

func TestBroker_ClosedConnectionKillsProxyOverAlternate(t *testing.T) {
	h := newBrokerHarness(t, 5)
	p, q := testNode(2), testNode(3)

	proxy, hp := connectPeer(t, h, p, 11)
	proxy.Release()

	// q relays a message from p, so p is also reachable through hq.
	hq := h.acceptPeer(h.publish(5), q)
	h.sendFrom(hq, ActorAddr{Node: p, ID: 9}, h.local(5), 0, NewMessage("relayed"))
	sender := h.rt.next(t).env.Proxy
	require.NotNil(t, sender)
	defer sender.Release()

	h.tr.drop(hp, io.EOF)
	s := h.sync()

	var kills []sentFrame
	for _, f := range h.tr.framesOf(hq, OpKillProxy) {
		if f.hdr.DestActor == 11 {
			kills = append(kills, f)
		}
	}
	require.Len(t, kills, 1)
	assert.Equal(t, p, kills[0].hdr.DestNode)
	assert.True(t, proxy.Erased())
	assert.Equal(t, uint64(hq), findRoute(t, s, p).Selected)
}

func TestBroker_Disconnect(t *testing.T) {
	h := newBrokerHarness(t, 5)
	p := testNode(2)
	hdl := h.acceptPeer(h.publish(5), p)

	h.sendFrom(hdl, ActorAddr{Node: p, ID: 9}, h.local(5), 0, NewMessage("hello"))
	proxy := h.rt.next(t).env.Proxy
	require.NotNil(t, proxy)

	assert.True(t, h.b.Disconnect(h.ctx(), p))
	assert.True(t, h.tr.isClosed(hdl))

	<-proxy.Done()
	assert.Equal(t, ExitRemoteLinkUnreachable, proxy.Reason())
	assert.Empty(t, h.sync().Routes)

	assert.False(t, h.b.Disconnect(h.ctx(), p))
}

func TestBroker_CancelRequestClearsPending(t *testing.T) {
	h := newBrokerHarness(t, 2, 5)
	p := testNode(2)
	hdl := h.acceptPeer(h.publish(5), p)

	mid := NewRequestID(3)
	require.NoError(t, h.b.Send(h.ctx(), h.local(2), ActorAddr{Node: p, ID: 9}, mid, NewMessage("ping")))
	require.Equal(t, 1, h.sync().PendingRequests)

	h.b.CancelRequest(h.local(2), mid)
	assert.Equal(t, 0, h.sync().PendingRequests)

	// A late response is still delivered.
	h.sendFrom(hdl, ActorAddr{Node: p, ID: 9}, h.local(2), mid.Response(), NewMessage("pong"))
	d := h.rt.next(t)
	assert.Equal(t, ActorID(2), d.to)
	assert.Equal(t, mid.Response(), d.env.ID)

	// Losing the node no longer answers the cancelled request.
	h.tr.drop(hdl, io.EOF)
	h.sync()
	h.rt.none(t)
}

func TestBroker_StalledPeerIsDisconnected(t *testing.T) {
	h := newBrokerHarness(t, 2, 5)
	p := testNode(2)
	hdl := h.acceptPeer(h.publish(5), p)

	h.tr.stall(hdl)
	err := h.b.Send(h.ctx(), h.local(2), ActorAddr{Node: p, ID: 9}, 0, NewMessage("hello"))
	assert.ErrorIs(t, err, ErrSendQueueFull)

	assert.Eventually(t, func() bool { return h.tr.isClosed(hdl) }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		s, err := h.b.Snapshot(context.Background())
		return err == nil && len(s.Routes) == 0 && len(s.Connections) == 0
	}, 2*time.Second, 5*time.Millisecond)
}
