package basp

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

var ErrSystemStopped = fmt.Errorf("actor system stopped")

// requestActorID is the reserved sender id for requests issued outside an
// actor. Responses addressed to it complete the waiting Request call.
const requestActorID ActorID = 1

// ActorSystem is the local runtime of a node: it hosts actors, hands
// remote traffic to the broker, and correlates request responses.
type ActorSystem struct {
	node     NodeID
	config   config
	broker   *Broker
	registry *ActorRegistry
	requests *RequestManager
	nextID   atomic.Uint32

	// Exit hooks on the request endpoint; they run on Stop.
	mu       sync.Mutex
	monitors []func(ExitReason)

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewActorSystem(node NodeID, opts ...Option) *ActorSystem {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &ActorSystem{
		node:     node,
		config:   cfg,
		registry: NewActorRegistry(),
		requests: NewRequestManager(),
		done:     make(chan struct{}),
	}
	s.nextID.Store(uint32(requestActorID))
	return s
}

func (s *ActorSystem) Node() NodeID {
	return s.node
}

// SetBroker connects the system to the broker that carries its remote
// traffic and starts the request janitor.
func (s *ActorSystem) SetBroker(b *Broker) {
	s.broker = b
	s.wg.Add(1)
	go s.cleanupLoop()
}

func (s *ActorSystem) Broker() *Broker {
	return s.broker
}

// Spawn starts an actor running r and returns it.
func (s *ActorSystem) Spawn(r Receiver) *Actor {
	id := ActorID(s.nextID.Add(1))
	a := newActor(s, ActorAddr{Node: s.node, ID: id}, r, s.config.mailboxSize)
	a.lastMessage.Store(coarseNow.Load())
	s.registry.Register(a)
	go a.run()
	return a
}

func (s *ActorSystem) Lookup(id ActorID) *Actor {
	return s.registry.Lookup(id)
}

// Send delivers msg asynchronously. from may be zero for an anonymous
// sender.
func (s *ActorSystem) Send(ctx context.Context, from, to ActorAddr, msg Message) error {
	return s.send(ctx, from, to, 0, msg)
}

func (s *ActorSystem) send(ctx context.Context, from, to ActorAddr, mid MessageID, msg Message) error {
	if s.broker == nil {
		if to.Node != s.node && !to.Node.IsZero() {
			return fmt.Errorf("%w: %s", ErrNoRoute, to.Node)
		}
		if !s.Deliver(to.ID, Envelope{Sender: from, ID: mid, Message: msg}) {
			return fmt.Errorf("%w: %s", ErrUnknownActor, to)
		}
		return nil
	}
	return s.broker.Send(ctx, from, to, mid, msg)
}

// Request sends msg to to and waits for the response. A *RemoteError
// response is returned as the error. Without a deadline on ctx the
// configured request timeout applies.
func (s *ActorSystem) Request(ctx context.Context, to ActorAddr, msg Message) (Message, error) {
	if s.stopped() {
		return Message{}, ErrSystemStopped
	}
	if _, ok := ctx.Deadline(); !ok && s.config.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.requestTimeout)
		defer cancel()
	}

	req := s.requests.Create(to)
	if m := s.metrics(); m != nil {
		m.RequestsTotal.Add(1)
	}
	from := ActorAddr{Node: s.node, ID: requestActorID}
	if err := s.send(ctx, from, to, NewRequestID(req.ID), msg); err != nil {
		s.requests.Remove(req.ID)
		s.cancelRemote(from, to, req.ID)
		return Message{}, err
	}

	select {
	case resp := <-req.Response:
		if resp.Error != nil {
			return Message{}, resp.Error
		}
		return resp.Body, nil
	case <-ctx.Done():
		s.requests.Remove(req.ID)
		s.cancelRemote(from, to, req.ID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			if m := s.metrics(); m != nil {
				m.RequestsTimedOut.Add(1)
			}
			return Message{}, fmt.Errorf("%w: %s", ErrRequestTimeout, to)
		}
		return Message{}, ctx.Err()
	case <-s.done:
		return Message{}, ErrSystemStopped
	}
}

// cancelRemote tells the broker to stop tracking an abandoned request to a
// remote actor.
func (s *ActorSystem) cancelRemote(from, to ActorAddr, id uint64) {
	if s.broker == nil || to.Node.IsZero() || to.Node == s.node {
		return
	}
	s.broker.CancelRequest(from, NewRequestID(id))
}

// Deliver implements LocalRuntime. It never blocks.
func (s *ActorSystem) Deliver(to ActorID, env Envelope) bool {
	if to == requestActorID {
		return s.completeRequest(env)
	}
	a := s.registry.Lookup(to)
	if a == nil {
		return false
	}
	return a.enqueue(env)
}

func (s *ActorSystem) completeRequest(env Envelope) bool {
	if !env.ID.IsResponse() {
		return false
	}
	id := env.ID.RequestID()
	if re, ok := remoteError(env.Message); ok {
		return s.requests.Fail(id, re)
	}
	return s.requests.Complete(id, env.Message)
}

// Alive implements LocalRuntime.
func (s *ActorSystem) Alive(id ActorID) bool {
	if id == requestActorID {
		return !s.stopped()
	}
	a := s.registry.Lookup(id)
	return a != nil && !a.Exited()
}

// Monitor implements LocalRuntime.
func (s *ActorSystem) Monitor(id ActorID, fn func(ExitReason)) bool {
	if id == requestActorID {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stopped() {
			return false
		}
		s.monitors = append(s.monitors, fn)
		return true
	}
	a := s.registry.Lookup(id)
	if a == nil {
		return false
	}
	return a.Monitor(fn)
}

// ActorInfo describes one running actor.
type ActorInfo struct {
	Actor       string    `json:"actor"`
	Mailbox     int       `json:"mailbox"`
	LastMessage time.Time `json:"last_message"`
}

func (s *ActorSystem) Actors() []ActorInfo {
	actors := s.registry.All()
	out := make([]ActorInfo, 0, len(actors))
	for _, a := range actors {
		out = append(out, ActorInfo{
			Actor:       a.addr.String(),
			Mailbox:     a.mailbox.Len() + a.urgent.Len(),
			LastMessage: a.GetLastMessageTime(),
		})
	}
	slices.SortFunc(out, func(x, y ActorInfo) int { return cmp.Compare(x.Actor, y.Actor) })
	return out
}

func (s *ActorSystem) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *ActorSystem) metrics() *Metrics {
	if s.broker == nil {
		return nil
	}
	return s.broker.metrics
}

func (s *ActorSystem) cleanupLoop() {
	defer s.wg.Done()

	interval := s.config.cleanupInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if n := s.requests.RemoveExpired(s.config.requestTimeout + time.Second); n > 0 {
				if m := s.metrics(); m != nil {
					m.RequestsTimedOut.Add(int64(n))
				}
				slog.Debug("expired requests removed", "count", n)
			}
		}
	}
}

// Stop stops every actor and fails outstanding requests. The broker is
// stopped separately.
func (s *ActorSystem) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		actors := s.registry.All()
		for _, a := range actors {
			a.Stop(ExitUserShutdown)
		}
		for _, a := range actors {
			<-a.Done()
		}
		s.requests.FailAll(ErrSystemStopped)

		s.mu.Lock()
		monitors := s.monitors
		s.monitors = nil
		s.mu.Unlock()
		for _, fn := range monitors {
			fn(ExitUserShutdown)
		}
		s.wg.Wait()
		slog.Info("actor system stopped", "node", s.node)
	})
}
