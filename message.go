package basp

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// MessageID tags a message as asynchronous, a request, or a response.
// Bit 63 marks a response, bit 62 high priority, the low 62 bits hold the
// request id. Zero is an asynchronous message.
type MessageID uint64

const (
	responseFlag     MessageID = 1 << 63
	highPriorityFlag MessageID = 1 << 62
	requestIDMask    MessageID = highPriorityFlag - 1
)

// NewRequestID returns the MessageID for request number n.
func NewRequestID(n uint64) MessageID {
	return MessageID(n) & requestIDMask
}

func (id MessageID) IsAsync() bool {
	return id&requestIDMask == 0
}

func (id MessageID) IsRequest() bool {
	return !id.IsAsync() && id&responseFlag == 0
}

func (id MessageID) IsResponse() bool {
	return id&responseFlag != 0
}

func (id MessageID) IsHighPriority() bool {
	return id&highPriorityFlag != 0
}

// Response returns the id a reply to this request carries.
func (id MessageID) Response() MessageID {
	return id | responseFlag
}

func (id MessageID) WithHighPriority() MessageID {
	return id | highPriorityFlag
}

func (id MessageID) RequestID() uint64 {
	return uint64(id & requestIDMask)
}

func (id MessageID) String() string {
	switch {
	case id.IsResponse():
		return "response#" + strconv.FormatUint(id.RequestID(), 10)
	case id.IsRequest():
		return "request#" + strconv.FormatUint(id.RequestID(), 10)
	}
	return "async"
}

// ExitReason explains why an actor or proxy terminated.
type ExitReason uint32

const (
	ExitNormal                ExitReason = 0x1
	ExitUnhandledException    ExitReason = 0x2
	ExitUnknown               ExitReason = 0x6
	ExitUserShutdown          ExitReason = 0x10
	ExitRemoteLinkUnreachable ExitReason = 0x101

	// ExitUserDefined is the first value available to applications.
	ExitUserDefined ExitReason = 0x10000
)

func (r ExitReason) String() string {
	switch r {
	case ExitNormal:
		return "normal"
	case ExitUnhandledException:
		return "unhandled_exception"
	case ExitUnknown:
		return "unknown"
	case ExitUserShutdown:
		return "user_shutdown"
	case ExitRemoteLinkUnreachable:
		return "remote_link_unreachable"
	}
	if r >= ExitUserDefined {
		return "user_defined(" + strconv.FormatUint(uint64(r), 10) + ")"
	}
	return "exit(" + strconv.FormatUint(uint64(r), 10) + ")"
}

// RemoteError is the body of a synthesized failure response.
type RemoteError struct {
	Code ExitReason
	Text string
}

func (e *RemoteError) Error() string {
	return e.Code.String() + ": " + e.Text
}

// Message is an immutable tuple of values. Messages built with Concat are
// views over their parts; no values are copied.
type Message struct {
	vals  []any
	parts []Message
	size  int
}

func NewMessage(vals ...any) Message {
	return Message{vals: vals, size: len(vals)}
}

// Concat returns a message holding the values of msgs in order.
func Concat(msgs ...Message) Message {
	parts := make([]Message, 0, len(msgs))
	size := 0
	for _, m := range msgs {
		if m.size == 0 {
			continue
		}
		parts = append(parts, m)
		size += m.size
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return Message{parts: parts, size: size}
}

func (m Message) Size() int {
	return m.size
}

// At returns the i-th value. It panics if i is out of range.
func (m Message) At(i int) any {
	if m.parts == nil {
		return m.vals[i]
	}
	if i >= 0 {
		for _, p := range m.parts {
			if i < p.size {
				return p.At(i)
			}
			i -= p.size
		}
	}
	panic(fmt.Sprintf("message index out of range [%d] with size %d", i, m.size))
}

// Range calls fn for each value in order until fn returns false.
func (m Message) Range(fn func(i int, v any) bool) {
	m.rangeFrom(0, fn)
}

func (m Message) rangeFrom(base int, fn func(i int, v any) bool) bool {
	if m.parts == nil {
		for i, v := range m.vals {
			if !fn(base+i, v) {
				return false
			}
		}
		return true
	}
	for _, p := range m.parts {
		if !p.rangeFrom(base, fn) {
			return false
		}
		base += p.size
	}
	return true
}

// Values returns a flat copy of the message values.
func (m Message) Values() []any {
	out := make([]any, 0, m.size)
	m.Range(func(_ int, v any) bool {
		out = append(out, v)
		return true
	})
	return out
}

// Match reports whether the message has exactly len(protos) values and each
// value has the dynamic type of the prototype at the same position. A nil
// prototype matches any value.
func (m Message) Match(protos ...any) bool {
	if m.size != len(protos) {
		return false
	}
	ok := true
	m.Range(func(i int, v any) bool {
		if protos[i] == nil {
			return true
		}
		ok = reflect.TypeOf(v) == reflect.TypeOf(protos[i])
		return ok
	})
	return ok
}

func (m Message) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	m.Range(func(i int, v any) bool {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%v", v)
		return true
	})
	sb.WriteByte(')')
	return sb.String()
}

// remoteError returns the failure carried by a synthesized error response.
func remoteError(m Message) (*RemoteError, bool) {
	if m.Size() != 1 {
		return nil, false
	}
	e, ok := m.At(0).(*RemoteError)
	return e, ok
}

// Envelope is what the broker hands to the local runtime for delivery.
type Envelope struct {
	Sender ActorAddr
	// Proxy is a retained reference to the remote sender, nil for local or
	// anonymous senders. The runtime releases it once the message is handled.
	Proxy   *Proxy
	ID      MessageID
	Message Message
}

func (e *Envelope) release() {
	if e.Proxy != nil {
		e.Proxy.Release()
		e.Proxy = nil
	}
}
