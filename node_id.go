package basp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// NodeIDSize is the encoded size of a NodeID on the wire.
const NodeIDSize = 20

// NodeID identifies a process in the network. The host part is a random
// UUID chosen at startup, the process part is the OS pid. The zero value is
// the invalid node.
type NodeID struct {
	Host    [16]byte
	Process uint32
}

// NewNodeID returns a fresh identity for the calling process.
func NewNodeID() NodeID {
	return NodeID{Host: uuid.New(), Process: uint32(os.Getpid())}
}

// ParseNodeID parses the "uuid#pid" form produced by NodeID.String.
func ParseNodeID(s string) (NodeID, error) {
	host, pid, ok := strings.Cut(s, "#")
	if !ok {
		return NodeID{}, fmt.Errorf("invalid node id %q", s)
	}
	u, err := uuid.Parse(host)
	if err != nil {
		return NodeID{}, fmt.Errorf("invalid node id %q: %w", s, err)
	}
	p, err := strconv.ParseUint(pid, 10, 32)
	if err != nil {
		return NodeID{}, fmt.Errorf("invalid node id %q: %w", s, err)
	}
	return NodeID{Host: u, Process: uint32(p)}, nil
}

func (n NodeID) IsZero() bool {
	return n == NodeID{}
}

// Compare orders nodes by host bytes, then process id.
func (n NodeID) Compare(o NodeID) int {
	if c := bytes.Compare(n.Host[:], o.Host[:]); c != 0 {
		return c
	}
	switch {
	case n.Process < o.Process:
		return -1
	case n.Process > o.Process:
		return 1
	}
	return 0
}

func (n NodeID) String() string {
	if n.IsZero() {
		return "invalid-node"
	}
	return uuid.UUID(n.Host).String() + "#" + strconv.FormatUint(uint64(n.Process), 10)
}

func (n NodeID) LogValue() slog.Value {
	return slog.StringValue(n.String())
}

func appendNodeID(dst []byte, n NodeID) []byte {
	dst = append(dst, n.Host[:]...)
	return binary.BigEndian.AppendUint32(dst, n.Process)
}

func readNodeID(b []byte) NodeID {
	var n NodeID
	copy(n.Host[:], b[:16])
	n.Process = binary.BigEndian.Uint32(b[16:20])
	return n
}

// ActorID identifies an actor within its node. Zero is invalid.
type ActorID uint32

// ActorAddr is the network-wide address of an actor.
type ActorAddr struct {
	Node NodeID
	ID   ActorID
}

func (a ActorAddr) IsZero() bool {
	return a.ID == 0
}

func (a ActorAddr) Compare(o ActorAddr) int {
	if c := a.Node.Compare(o.Node); c != 0 {
		return c
	}
	switch {
	case a.ID < o.ID:
		return -1
	case a.ID > o.ID:
		return 1
	}
	return 0
}

func (a ActorAddr) String() string {
	return strconv.FormatUint(uint64(a.ID), 10) + "@" + a.Node.String()
}

func (a ActorAddr) LogValue() slog.Value {
	return slog.StringValue(a.String())
}

// ConnHandle names one open transport connection. Handles are never reused
// within a process; zero is invalid.
type ConnHandle uint64

// AcceptHandle names one listening endpoint; zero is invalid.
type AcceptHandle uint64
