package basp

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/Masterminds/semver/v3"
)

// ProtocolVersion is the BASP version this package speaks. It travels in
// the op data field of both handshake headers.
var ProtocolVersion = semver.MustParse("1.0.0")

// DefaultVersionConstraint accepts any peer with the same major version.
const DefaultVersionConstraint = "^1.0.0"

var (
	ErrHandshakeRejected   = fmt.Errorf("basp: handshake rejected")
	ErrIncompatibleVersion = fmt.Errorf("basp: incompatible protocol version")
	ErrInterfaceMismatch   = fmt.Errorf("basp: interface mismatch")
	ErrDuplicateConnection = fmt.Errorf("basp: already connected to node")
)

// encodeVersion packs major.minor.patch as 24|20|20 bits.
func encodeVersion(v *semver.Version) uint64 {
	return (v.Major()&0xFFFFFF)<<40 | (v.Minor()&0xFFFFF)<<20 | v.Patch()&0xFFFFF
}

func decodeVersion(x uint64) *semver.Version {
	return semver.New(x>>40, (x>>20)&0xFFFFF, x&0xFFFFF, "", "")
}

func checkVersion(c *semver.Constraints, opData uint64) error {
	v := decodeVersion(opData)
	if !c.Check(v) {
		return fmt.Errorf("%w: peer speaks %s", ErrIncompatibleVersion, v)
	}
	return nil
}

// normalizeInterfaces returns ifs sorted with duplicates removed.
func normalizeInterfaces(ifs []string) []string {
	if len(ifs) == 0 {
		return nil
	}
	out := slices.Clone(ifs)
	slices.Sort(out)
	return slices.Compact(out)
}

func sameInterfaces(a, b []string) bool {
	return slices.Equal(normalizeInterfaces(a), normalizeInterfaces(b))
}

func stringsPayload(ss []string) PayloadWriter {
	return PayloadWriterFunc(func(dst []byte) ([]byte, error) {
		return appendStrings(dst, ss), nil
	})
}

// clientHandshake is kept on an outbound connection until the server's
// handshake arrives and the published actor can be handed to the caller.
type clientHandshake struct {
	addr     string
	expected []string
	result   chan connectResult
	done     bool
}

type connectResult struct {
	proxy *Proxy
	err   error
}

func newClientHandshake(addr string, expected []string) *clientHandshake {
	return &clientHandshake{
		addr:     addr,
		expected: normalizeInterfaces(expected),
		result:   make(chan connectResult, 1),
	}
}

func (h *clientHandshake) resolve(p *Proxy, err error) {
	if h.done {
		return
	}
	h.done = true
	h.result <- connectResult{proxy: p, err: err}
}

// handleHandshake validates a handshake frame and, when accepted, installs
// the direct route for the peer. It runs on the broker goroutine.
func (b *Broker) handleHandshake(c *connContext, hdr Header, payload []byte) bool {
	err := b.acceptHandshake(c, hdr, payload)
	if err == nil {
		b.metrics.HandshakesCompleted.Add(1)
		return true
	}
	b.metrics.HandshakesRejected.Add(1)
	c.closeErr = err
	if c.client != nil {
		c.client.resolve(nil, err)
	}
	slog.Warn("basp handshake rejected", "conn", c.hdl, "op", hdr.Op, "node", hdr.SourceNode, "error", err)
	return false
}

func (b *Broker) acceptHandshake(c *connContext, hdr Header, payload []byte) error {
	ifs, err := decodeStrings(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
	}
	if err := checkVersion(b.config.versionConstraint, hdr.OpData); err != nil {
		return err
	}
	if hdr.SourceNode == b.node {
		return fmt.Errorf("%w: connected to self", ErrHandshakeRejected)
	}
	switch hdr.Op {
	case OpServerHandshake:
		return b.acceptServerHandshake(c, hdr, ifs)
	case OpClientHandshake:
		return b.acceptClientHandshake(c, hdr, ifs)
	}
	return fmt.Errorf("%w: unexpected %s", ErrHandshakeRejected, hdr.Op)
}

// acceptServerHandshake runs on the connecting side.
func (b *Broker) acceptServerHandshake(c *connContext, hdr Header, ifs []string) error {
	remote := hdr.SourceNode
	var expected []string
	if c.client != nil {
		expected = c.client.expected
	}
	if len(expected) > 0 && !sameInterfaces(expected, ifs) {
		return fmt.Errorf("%w: expected %v, server offers %v", ErrInterfaceMismatch, expected, ifs)
	}

	if _, ok := b.routes.Direct(remote); ok {
		// Keep the existing connection and hand its proxy to the caller.
		if c.client != nil && hdr.SourceActor != 0 {
			p := b.makeProxy(ActorAddr{Node: remote, ID: hdr.SourceActor})
			if p.Retain() {
				c.client.resolve(p, nil)
			}
		}
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, remote)
	}

	c.remote = remote
	b.routes.SetDirect(remote, c.hdl)
	b.routes.TrySetDefault(remote, c.hdl)

	reply := Header{
		Op:         OpClientHandshake,
		SourceNode: b.node,
		DestNode:   remote,
		OpData:     encodeVersion(b.config.version),
	}
	if err := b.writeFrame(c.hdl, reply, stringsPayload(expected)); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
	}

	slog.Info("basp peer connected", "direction", "outbound", "conn", c.hdl, "node", remote, "interfaces", ifs)

	if hdr.SourceActor == 0 {
		if c.client != nil {
			c.client.resolve(nil, fmt.Errorf("%w: no actor published at %s", ErrUnknownActor, c.client.addr))
		}
		return nil
	}
	p := b.makeProxy(ActorAddr{Node: remote, ID: hdr.SourceActor})
	if p.Retain() {
		c.published.proxy = p
	}
	if c.client != nil {
		if p.Retain() {
			c.client.resolve(p, nil)
		} else {
			c.client.resolve(nil, fmt.Errorf("%w: %s", ErrNoRoute, remote))
		}
	}
	return nil
}

// acceptClientHandshake runs on the accepting side.
func (b *Broker) acceptClientHandshake(c *connContext, hdr Header, ifs []string) error {
	remote := hdr.SourceNode
	if hdr.DestNode != b.node {
		return fmt.Errorf("%w: client addressed %s", ErrHandshakeRejected, hdr.DestNode)
	}
	pub := b.acceptors[c.acceptor]
	if pub == nil {
		return fmt.Errorf("%w: acceptor closed", ErrHandshakeRejected)
	}
	if len(ifs) > 0 && !sameInterfaces(ifs, pub.ifs) {
		return fmt.Errorf("%w: client expects %v, published %v", ErrInterfaceMismatch, ifs, pub.ifs)
	}
	if _, ok := b.routes.Direct(remote); ok {
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, remote)
	}

	c.remote = remote
	c.published.local = pub.actor
	b.routes.SetDirect(remote, c.hdl)
	b.routes.TrySetDefault(remote, c.hdl)

	slog.Info("basp peer connected", "direction", "inbound", "conn", c.hdl, "node", remote, "port", pub.port)
	return nil
}

// sendServerHandshake greets a freshly accepted connection.
func (b *Broker) sendServerHandshake(c *connContext, pub *publishedActor) error {
	hdr := Header{
		Op:          OpServerHandshake,
		SourceNode:  b.node,
		SourceActor: pub.actor.ID,
		OpData:      encodeVersion(b.config.version),
	}
	return b.writeFrame(c.hdl, hdr, stringsPayload(pub.ifs))
}
