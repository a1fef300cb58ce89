package basp

import (
	"encoding/binary"
	"strconv"
)

// Operation is the op code carried in every frame header.
type Operation uint32

const (
	OpServerHandshake Operation = iota
	OpClientHandshake
	OpDispatchMessage
	OpAnnounceProxy
	OpKillProxy
	OpDown
)

func (o Operation) String() string {
	switch o {
	case OpServerHandshake:
		return "server_handshake"
	case OpClientHandshake:
		return "client_handshake"
	case OpDispatchMessage:
		return "dispatch_message"
	case OpAnnounceProxy:
		return "announce_proxy"
	case OpKillProxy:
		return "kill_proxy"
	case OpDown:
		return "down"
	}
	return "op(" + strconv.FormatUint(uint64(o), 10) + ")"
}

func (o Operation) isHandshake() bool {
	return o == OpServerHandshake || o == OpClientHandshake
}

// HeaderSize is the fixed size of an encoded frame header.
//
//	op u32 | src node | src actor u32 | dst node | dst actor u32 | op data u64 | payload len u32
const HeaderSize = 4 + NodeIDSize + 4 + NodeIDSize + 4 + 8 + 4

const payloadLenOffset = HeaderSize - 4

// Header precedes every frame on a BASP connection.
type Header struct {
	Op          Operation
	SourceNode  NodeID
	SourceActor ActorID
	DestNode    NodeID
	DestActor   ActorID
	OpData      uint64
	PayloadLen  uint32
}

// AppendHeader appends the big-endian encoding of h to dst.
func AppendHeader(dst []byte, h Header) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(h.Op))
	dst = appendNodeID(dst, h.SourceNode)
	dst = binary.BigEndian.AppendUint32(dst, uint32(h.SourceActor))
	dst = appendNodeID(dst, h.DestNode)
	dst = binary.BigEndian.AppendUint32(dst, uint32(h.DestActor))
	dst = binary.BigEndian.AppendUint64(dst, h.OpData)
	return binary.BigEndian.AppendUint32(dst, h.PayloadLen)
}

// DecodeHeader decodes the first HeaderSize bytes of b. It panics if b is
// shorter than HeaderSize. Unknown op codes decode without error.
func DecodeHeader(b []byte) Header {
	_ = b[HeaderSize-1]
	off := 0
	var h Header
	h.Op = Operation(binary.BigEndian.Uint32(b[off:]))
	off += 4
	h.SourceNode = readNodeID(b[off:])
	off += NodeIDSize
	h.SourceActor = ActorID(binary.BigEndian.Uint32(b[off:]))
	off += 4
	h.DestNode = readNodeID(b[off:])
	off += NodeIDSize
	h.DestActor = ActorID(binary.BigEndian.Uint32(b[off:]))
	off += 4
	h.OpData = binary.BigEndian.Uint64(b[off:])
	off += 8
	h.PayloadLen = binary.BigEndian.Uint32(b[off:])
	return h
}

// setPayloadLen patches the payload length field of an encoded frame.
func setPayloadLen(frame []byte, n uint32) {
	binary.BigEndian.PutUint32(frame[payloadLenOffset:], n)
}

// Valid reports whether the header is well formed for its op code.
// Control frames (announce, kill, down) never carry a payload.
func (h Header) Valid() bool {
	src, dst := !h.SourceNode.IsZero(), !h.DestNode.IsZero()
	switch h.Op {
	case OpServerHandshake:
		return src
	case OpClientHandshake:
		return src && dst
	case OpDispatchMessage:
		return src && dst && h.DestActor != 0
	case OpAnnounceProxy, OpKillProxy:
		return src && dst && h.DestActor != 0 && h.PayloadLen == 0
	case OpDown:
		return src && dst && h.SourceActor != 0 && h.PayloadLen == 0
	}
	return false
}
