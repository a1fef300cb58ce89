package basp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopActor is returned by a Receiver to stop its actor normally.
var ErrStopActor = fmt.Errorf("stop actor")

type Receiver interface {
	Receive(ctx *Context) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx *Context) error

func (f ReceiverFunc) Receive(ctx *Context) error {
	return f(ctx)
}

const receiveBatch = 64

// Actor runs a Receiver on its own goroutine. Messages wait in a bounded
// mailbox; high priority messages use a separate lane that is drained
// first.
type Actor struct {
	addr     ActorAddr
	system   *ActorSystem
	receiver Receiver

	mailbox *RingBuffer[Envelope]
	urgent  *RingBuffer[Envelope]
	signal  chan struct{}
	quit    chan struct{}
	done    chan struct{}

	stopOnce    sync.Once
	stopReason  atomic.Uint32
	lastMessage atomic.Int64

	actorCtx    context.Context
	actorCancel context.CancelFunc

	mu       sync.Mutex
	exited   bool
	reason   ExitReason
	monitors []func(ExitReason)
}

func newActor(system *ActorSystem, addr ActorAddr, receiver Receiver, mailboxSize int) *Actor {
	actorCtx, actorCancel := context.WithCancel(context.Background())
	return &Actor{
		addr:        addr,
		system:      system,
		receiver:    receiver,
		mailbox:     NewRingBuffer[Envelope](mailboxSize),
		urgent:      NewRingBuffer[Envelope](max(mailboxSize/8, 16)),
		signal:      make(chan struct{}, 1),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		actorCtx:    actorCtx,
		actorCancel: actorCancel,
	}
}

func (a *Actor) Addr() ActorAddr {
	return a.addr
}

// enqueue adds env to the mailbox without blocking. It fails when the actor
// has exited or the mailbox is full.
func (a *Actor) enqueue(env Envelope) bool {
	box := a.mailbox
	if env.ID.IsHighPriority() {
		box = a.urgent
	}
	a.mu.Lock()
	if a.exited {
		a.mu.Unlock()
		return false
	}
	err := box.Write(env)
	a.mu.Unlock()
	if err != nil {
		slog.Warn("actor mailbox full", "actor", a.addr, "error", err)
		return false
	}
	select {
	case a.signal <- struct{}{}:
	default:
	}
	return true
}

// Stop asks the actor to exit with reason. Messages still queued are
// dropped.
func (a *Actor) Stop(reason ExitReason) {
	a.stopOnce.Do(func() {
		a.stopReason.Store(uint32(reason))
		a.actorCancel()
		close(a.quit)
	})
}

// Done is closed once the actor has exited and its monitors have run.
func (a *Actor) Done() <-chan struct{} {
	return a.done
}

func (a *Actor) Exited() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exited
}

// Reason is valid after Done is closed.
func (a *Actor) Reason() ExitReason {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reason
}

// Monitor registers fn to run once when the actor exits. It returns false
// if the actor already exited.
func (a *Actor) Monitor(fn func(ExitReason)) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.exited {
		return false
	}
	a.monitors = append(a.monitors, fn)
	return true
}

func (a *Actor) GetLastMessageTime() time.Time {
	return time.Unix(a.lastMessage.Load(), 0)
}

func (a *Actor) run() {
	reason := ExitNormal
	defer func() { a.exit(reason) }()

	slog.Debug("actor started", "actor", a.addr)

	ctx := Context{
		Self:   a.addr,
		Ctx:    a.actorCtx,
		system: a.system,
	}
	batch := make([]Envelope, receiveBatch)

	for {
		select {
		case <-a.quit:
			reason = ExitReason(a.stopReason.Load())
			return
		default:
		}

		n := a.urgent.ReadInto(batch)
		if n == 0 {
			n = a.mailbox.ReadInto(batch)
		}
		if n == 0 {
			select {
			case <-a.quit:
				reason = ExitReason(a.stopReason.Load())
				return
			case <-a.signal:
			}
			continue
		}

		for i := 0; i < n; i++ {
			env := batch[i]
			batch[i] = Envelope{}

			a.lastMessage.Store(coarseNow.Load())
			ctx.Sender = env.Sender
			ctx.SenderProxy = env.Proxy
			ctx.ID = env.ID
			ctx.Message = env.Message

			err := a.receive(&ctx)
			env.release()
			ctx.SenderProxy = nil

			var pe *panicError
			switch {
			case errors.As(err, &pe):
				slog.Error("actor panicked", "actor", a.addr, "error", err)
				a.replyWithError(env, ExitUnhandledException, err)
				reason = ExitUnhandledException
				a.dropRemaining(batch[i+1:n], reason)
				return
			case errors.Is(err, ErrStopActor):
				a.dropRemaining(batch[i+1:n], ExitNormal)
				return
			case err != nil:
				slog.Error("actor receive error", "actor", a.addr, "error", err)
				a.replyWithError(env, ExitUnhandledException, err)
			}
		}
	}
}

// panicError wraps a value recovered from a Receiver.
type panicError struct {
	val any
}

func (e *panicError) Error() string {
	if err, ok := e.val.(error); ok {
		return "panic: " + err.Error()
	}
	return fmt.Sprintf("panic: %v", e.val)
}

func (a *Actor) receive(ctx *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			debug.PrintStack()
			err = &panicError{val: r}
		}
	}()
	return a.receiver.Receive(ctx)
}

// replyWithError answers a request that could not be handled.
func (a *Actor) replyWithError(env Envelope, code ExitReason, err error) {
	if !env.ID.IsRequest() || env.Sender.IsZero() {
		return
	}
	body := NewMessage(&RemoteError{Code: code, Text: err.Error()})
	if sendErr := a.system.send(context.Background(), a.addr, env.Sender, env.ID.Response(), body); sendErr != nil {
		slog.Debug("actor error reply dropped", "actor", a.addr, "to", env.Sender, "error", sendErr)
	}
}

func (a *Actor) dropRemaining(envs []Envelope, reason ExitReason) {
	err := fmt.Errorf("actor %s exited: %s", a.addr, reason)
	for i := range envs {
		envs[i].release()
		a.replyWithError(envs[i], reason, err)
		envs[i] = Envelope{}
	}
}

// exit marks the actor dead, answers queued requests, and runs monitors.
func (a *Actor) exit(reason ExitReason) {
	a.mu.Lock()
	a.exited = true
	a.reason = reason
	monitors := a.monitors
	a.monitors = nil
	a.mu.Unlock()

	a.actorCancel()
	a.system.registry.Remove(a.addr.ID)

	rest := make([]Envelope, receiveBatch)
	for _, box := range []*RingBuffer[Envelope]{a.urgent, a.mailbox} {
		for n := box.ReadInto(rest); n > 0; n = box.ReadInto(rest) {
			a.dropRemaining(rest[:n], reason)
		}
	}

	slog.Debug("actor exited", "actor", a.addr, "reason", reason)
	for _, fn := range monitors {
		fn(reason)
	}
	close(a.done)
}
