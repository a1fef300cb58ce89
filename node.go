package basp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Node wires one NodeID to its actor system, broker, transport and
// optional admin server.
type Node struct {
	id        NodeID
	config    config
	transport Transport
	system    *ActorSystem
	broker    *Broker
	admin     *AdminServer

	stopOnce sync.Once
}

// NewNode builds a node with a fresh identity. The transport is chosen by
// WithTransport.
func NewNode(opts ...Option) (*Node, error) {
	return NewNodeWithID(NewNodeID(), opts...)
}

func NewNodeWithID(id NodeID, opts ...Option) (*Node, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var t Transport
	switch cfg.transport {
	case "", "tcp":
		t = NewTCPTransport(opts...)
	case "quic":
		qt, err := NewQUICTransport(opts...)
		if err != nil {
			return nil, err
		}
		t = qt
	default:
		return nil, fmt.Errorf("basp: unknown transport %q", cfg.transport)
	}

	system := NewActorSystem(id, opts...)
	broker := NewBroker(id, t, system, opts...)
	system.SetBroker(broker)

	return &Node{
		id:        id,
		config:    cfg,
		transport: t,
		system:    system,
		broker:    broker,
	}, nil
}

func (n *Node) ID() NodeID {
	return n.id
}

func (n *Node) System() *ActorSystem {
	return n.system
}

func (n *Node) Broker() *Broker {
	return n.broker
}

// Admin returns the admin server, nil unless WithAdminAddr was given.
func (n *Node) Admin() *AdminServer {
	return n.admin
}

// Start starts the broker and, if configured, the admin server.
func (n *Node) Start() error {
	n.broker.Start()
	if n.config.adminAddr != "" {
		as, err := NewAdminServer(n.broker, n.system, n.config.adminAddr)
		if err != nil {
			n.Stop()
			return fmt.Errorf("basp: admin server: %w", err)
		}
		n.admin = as
		as.Start()
	}
	slog.Info("node started", "node", n.id, "transport", n.config.transport)
	return nil
}

// Stop shuts down in dependency order: admin, actors, then the broker and
// its transport.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		if n.admin != nil {
			n.admin.Stop()
		}
		n.system.Stop()
		n.broker.Stop()
		slog.Info("node stopped", "node", n.id)
	})
}

// ConnectPeers connects to every peer concurrently and returns the proxies
// in peer order. On any failure the proxies obtained so far are released
// and their nodes disconnected.
func (n *Node) ConnectPeers(ctx context.Context, peers []PeerConfig) ([]*Proxy, error) {
	proxies := make([]*Proxy, len(peers))
	g, gctx := errgroup.WithContext(ctx)
	for i, peer := range peers {
		g.Go(func() error {
			p, err := n.broker.Connect(gctx, peer.Addr, peer.Interfaces)
			if err != nil {
				return fmt.Errorf("peer %s: %w", peer.Addr, err)
			}
			proxies[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		cleanup := context.WithoutCancel(ctx)
		for _, p := range proxies {
			if p != nil {
				p.Release()
				n.broker.Disconnect(cleanup, p.Addr().Node)
			}
		}
		return nil, err
	}
	return proxies, nil
}

// Run starts the node and blocks until ctx is done, then stops it. Extra
// tasks run alongside; the first one to fail stops the node.
func (n *Node) Run(ctx context.Context, tasks ...func(ctx context.Context) error) error {
	if err := n.Start(); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		g.Go(func() error { return task(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		n.Stop()
		return nil
	})
	return g.Wait()
}
