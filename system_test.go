package basp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSystem(t *testing.T, opts ...Option) *ActorSystem {
	t.Helper()
	s := NewActorSystem(testNode(1), opts...)
	t.Cleanup(s.Stop)
	return s
}

func echoReceiver() Receiver {
	return ReceiverFunc(func(ctx *Context) error {
		if ctx.ID.IsRequest() {
			return ctx.Reply(ctx.Message)
		}
		return nil
	})
}

func waitDone(t *testing.T, a *Actor) {
	t.Helper()
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("actor %s did not exit", a.Addr())
	}
}

func TestActorSystem_RequestReply(t *testing.T) {
	s := newTestSystem(t)
	a := s.Spawn(echoReceiver())

	resp, err := s.Request(context.Background(), a.Addr(), NewMessage("ping", 1))
	require.NoError(t, err)
	assert.Equal(t, []any{"ping", 1}, resp.Values())
	assert.Equal(t, 0, s.requests.Len())
}

func TestActorSystem_SpawnedIDsSkipRequestEndpoint(t *testing.T) {
	s := newTestSystem(t)
	a := s.Spawn(echoReceiver())
	b := s.Spawn(echoReceiver())

	assert.Greater(t, a.Addr().ID, requestActorID)
	assert.Greater(t, b.Addr().ID, a.Addr().ID)
	assert.Equal(t, s.Node(), a.Addr().Node)
	assert.Same(t, a, s.Lookup(a.Addr().ID))
	assert.Len(t, s.Actors(), 2)
}

func TestActorSystem_ReceiveErrorAnswersRequest(t *testing.T) {
	s := newTestSystem(t)
	a := s.Spawn(ReceiverFunc(func(ctx *Context) error {
		return errors.New("bad input")
	}))

	_, err := s.Request(context.Background(), a.Addr(), NewMessage("x"))
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ExitUnhandledException, re.Code)
	assert.Contains(t, re.Text, "bad input")
	assert.False(t, a.Exited(), "a plain error does not stop the actor")
}

func TestActorSystem_PanicExitsActor(t *testing.T) {
	s := newTestSystem(t)
	a := s.Spawn(ReceiverFunc(func(ctx *Context) error {
		panic("boom")
	}))

	exited := make(chan ExitReason, 1)
	require.True(t, a.Monitor(func(r ExitReason) { exited <- r }))

	_, err := s.Request(context.Background(), a.Addr(), NewMessage("x"))
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ExitUnhandledException, re.Code)
	assert.Contains(t, re.Text, "boom")

	waitDone(t, a)
	assert.Equal(t, ExitUnhandledException, <-exited)
	assert.Equal(t, ExitUnhandledException, a.Reason())
	assert.Nil(t, s.Lookup(a.Addr().ID))
	assert.False(t, s.Alive(a.Addr().ID))
	assert.False(t, a.Monitor(func(ExitReason) {}))
}

func TestActorSystem_StopActorError(t *testing.T) {
	s := newTestSystem(t)
	a := s.Spawn(ReceiverFunc(func(ctx *Context) error {
		return ErrStopActor
	}))

	require.NoError(t, s.Send(context.Background(), ActorAddr{}, a.Addr(), NewMessage("stop")))
	waitDone(t, a)
	assert.Equal(t, ExitNormal, a.Reason())
}

func TestActorSystem_ReplyToAsyncFails(t *testing.T) {
	s := newTestSystem(t)
	errs := make(chan error, 1)
	a := s.Spawn(ReceiverFunc(func(ctx *Context) error {
		errs <- ctx.Reply(NewMessage("no"))
		return nil
	}))

	require.NoError(t, s.Send(context.Background(), ActorAddr{}, a.Addr(), NewMessage("x")))
	assert.ErrorIs(t, <-errs, ErrNotRequest)
}

func TestActorSystem_RequestUnknownActor(t *testing.T) {
	s := newTestSystem(t)
	_, err := s.Request(context.Background(), ActorAddr{Node: s.Node(), ID: 77}, NewMessage("x"))
	assert.ErrorIs(t, err, ErrUnknownActor)
	assert.Equal(t, 0, s.requests.Len())
}

func TestActorSystem_RequestTimeout(t *testing.T) {
	s := newTestSystem(t, WithRequestTimeout(50*time.Millisecond))
	a := s.Spawn(ReceiverFunc(func(ctx *Context) error { return nil }))

	_, err := s.Request(context.Background(), a.Addr(), NewMessage("x"))
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Equal(t, 0, s.requests.Len())
}

func TestActorSystem_ActorToActorRequest(t *testing.T) {
	s := newTestSystem(t)
	echo := s.Spawn(echoReceiver())
	front := s.Spawn(ReceiverFunc(func(ctx *Context) error {
		resp, err := ctx.Request(echo.Addr(), NewMessage("inner"))
		if err != nil {
			return err
		}
		return ctx.Reply(Concat(NewMessage("outer"), resp))
	}))

	resp, err := s.Request(context.Background(), front.Addr(), NewMessage("go"))
	require.NoError(t, err)
	assert.Equal(t, []any{"outer", "inner"}, resp.Values())
}

func TestActor_HighPriorityFirst(t *testing.T) {
	s := newTestSystem(t)
	started := make(chan struct{})
	gate := make(chan struct{})
	seen := make(chan string, 8)

	a := s.Spawn(ReceiverFunc(func(ctx *Context) error {
		v := ctx.Message.At(0).(string)
		if v == "block" {
			close(started)
			<-gate
			return nil
		}
		seen <- v
		return nil
	}))

	ctx := context.Background()
	require.NoError(t, s.Send(ctx, ActorAddr{}, a.Addr(), NewMessage("block")))
	<-started
	require.NoError(t, s.Send(ctx, ActorAddr{}, a.Addr(), NewMessage("a")))
	require.NoError(t, s.Send(ctx, ActorAddr{}, a.Addr(), NewMessage("b")))
	require.NoError(t, s.send(ctx, ActorAddr{}, a.Addr(), MessageID(0).WithHighPriority(), NewMessage("urgent")))
	close(gate)

	var order []string
	for range 3 {
		order = append(order, <-seen)
	}
	assert.Equal(t, []string{"urgent", "a", "b"}, order)
}

func TestActor_QueuedRequestsAnsweredOnStop(t *testing.T) {
	s := newTestSystem(t)
	started := make(chan struct{})
	a := s.Spawn(ReceiverFunc(func(ctx *Context) error {
		if ctx.Message.At(0) == "block" {
			close(started)
			<-ctx.Ctx.Done()
		}
		return nil
	}))

	require.NoError(t, s.Send(context.Background(), ActorAddr{}, a.Addr(), NewMessage("block")))
	<-started

	errs := make(chan error, 1)
	go func() {
		_, err := s.Request(context.Background(), a.Addr(), NewMessage("queued"))
		errs <- err
	}()
	require.Eventually(t, func() bool { return a.mailbox.Len() == 1 }, 2*time.Second, time.Millisecond)

	a.Stop(ExitUserShutdown)
	waitDone(t, a)

	var re *RemoteError
	require.ErrorAs(t, <-errs, &re)
	assert.Equal(t, ExitUserShutdown, re.Code)
	assert.Equal(t, ExitUserShutdown, a.Reason())
}

func TestActorSystem_Stop(t *testing.T) {
	s := NewActorSystem(testNode(1))
	a := s.Spawn(echoReceiver())
	b := s.Spawn(echoReceiver())

	endpoint := make(chan ExitReason, 1)
	require.True(t, s.Alive(requestActorID))
	require.True(t, s.Monitor(requestActorID, func(r ExitReason) { endpoint <- r }))

	s.Stop()

	for _, actor := range []*Actor{a, b} {
		waitDone(t, actor)
		assert.Equal(t, ExitUserShutdown, actor.Reason())
	}
	assert.Equal(t, ExitUserShutdown, <-endpoint)
	assert.False(t, s.Alive(requestActorID))
	assert.False(t, s.Monitor(requestActorID, func(ExitReason) {}))

	_, err := s.Request(context.Background(), a.Addr(), NewMessage("x"))
	assert.ErrorIs(t, err, ErrSystemStopped)
}

func TestActorSystem_CompleteRequestIgnoresNonResponses(t *testing.T) {
	s := newTestSystem(t)
	assert.False(t, s.Deliver(requestActorID, Envelope{ID: NewRequestID(1), Message: NewMessage("x")}))
	assert.False(t, s.Deliver(requestActorID, Envelope{ID: NewRequestID(1).Response(), Message: NewMessage("x")}),
		"no request is waiting")
}
