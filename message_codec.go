package basp

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"math"
)

// Value tags for the message payload encoding. Common types are encoded
// directly; anything else falls back to gob.
//
//	[u16 count] ([u8 tag][value])*count
const (
	valNil         byte = 0
	valString      byte = 1
	valInt         byte = 2
	valInt64       byte = 3
	valUint32      byte = 4
	valUint64      byte = 5
	valFloat64     byte = 6
	valBool        byte = 7
	valBytes       byte = 8
	valActorAddr   byte = 9
	valRemoteError byte = 10
	valGob         byte = 11
)

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// RegisterType registers a user-defined type so it can be carried in a
// Message through the gob fallback path. Both ends must register it.
func RegisterType(value any) {
	gob.Register(value)
}

// PayloadWriter streams a frame payload into dst. The dispatch engine
// writes the header first and patches its length once the writer returns.
type PayloadWriter interface {
	WritePayload(dst []byte) ([]byte, error)
}

// PayloadWriterFunc adapts a function to PayloadWriter.
type PayloadWriterFunc func(dst []byte) ([]byte, error)

func (f PayloadWriterFunc) WritePayload(dst []byte) ([]byte, error) {
	return f(dst)
}

// messagePayload encodes a Message.
func messagePayload(m Message) PayloadWriter {
	return PayloadWriterFunc(func(dst []byte) ([]byte, error) {
		return AppendMessage(dst, m)
	})
}

// rawPayload copies already encoded bytes, used when forwarding.
type rawPayload []byte

func (p rawPayload) WritePayload(dst []byte) ([]byte, error) {
	return append(dst, p...), nil
}

// AppendMessage appends the binary encoding of m to dst.
func AppendMessage(dst []byte, m Message) ([]byte, error) {
	if m.Size() > math.MaxUint16 {
		return dst, fmt.Errorf("message has %d values, limit is %d", m.Size(), math.MaxUint16)
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(m.Size()))
	var err error
	m.Range(func(i int, v any) bool {
		dst, err = appendValue(dst, v)
		if err != nil {
			err = fmt.Errorf("message value %d: %w", i, err)
			return false
		}
		return true
	})
	return dst, err
}

func appendValue(dst []byte, v any) ([]byte, error) {
	switch v := v.(type) {
	case nil:
		dst = append(dst, valNil)
	case string:
		dst = append(dst, valString)
		dst = appendStr32(dst, v)
	case int:
		dst = append(dst, valInt)
		dst = binary.BigEndian.AppendUint64(dst, uint64(v))
	case int64:
		dst = append(dst, valInt64)
		dst = binary.BigEndian.AppendUint64(dst, uint64(v))
	case uint32:
		dst = append(dst, valUint32)
		dst = binary.BigEndian.AppendUint32(dst, v)
	case uint64:
		dst = append(dst, valUint64)
		dst = binary.BigEndian.AppendUint64(dst, v)
	case float64:
		dst = append(dst, valFloat64)
		dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(v))
	case bool:
		dst = append(dst, valBool)
		if v {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
	case []byte:
		dst = append(dst, valBytes)
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(v)))
		dst = append(dst, v...)
	case ActorAddr:
		dst = append(dst, valActorAddr)
		dst = appendNodeID(dst, v.Node)
		dst = binary.BigEndian.AppendUint32(dst, uint32(v.ID))
	case *RemoteError:
		dst = append(dst, valRemoteError)
		dst = binary.BigEndian.AppendUint32(dst, uint32(v.Code))
		dst = appendStr32(dst, v.Text)
	default:
		var buf bytes.Buffer
		body := any(v)
		if err := gob.NewEncoder(&buf).Encode(&body); err != nil {
			return dst, fmt.Errorf("gob encode %T: %w", v, err)
		}
		dst = append(dst, valGob)
		dst = binary.BigEndian.AppendUint32(dst, uint32(buf.Len()))
		dst = append(dst, buf.Bytes()...)
	}
	return dst, nil
}

func appendStr32(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(s)))
	return append(dst, s...)
}

// DecodeMessage decodes a payload produced by AppendMessage. The returned
// message does not alias data.
func DecodeMessage(data []byte) (Message, error) {
	r := payloadReader{b: data}
	n := int(r.u16())
	if r.err != nil {
		return Message{}, r.err
	}
	vals := make([]any, 0, n)
	for i := 0; i < n; i++ {
		v, err := r.value()
		if err != nil {
			return Message{}, fmt.Errorf("message value %d: %w", i, err)
		}
		vals = append(vals, v)
	}
	if r.off != len(data) {
		return Message{}, fmt.Errorf("message: %d trailing bytes", len(data)-r.off)
	}
	return NewMessage(vals...), nil
}

type payloadReader struct {
	b   []byte
	off int
	err error
}

func (r *payloadReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b)-r.off < n {
		r.err = fmt.Errorf("short payload: need %d bytes at offset %d, have %d", n, r.off, len(r.b)-r.off)
		return nil
	}
	p := r.b[r.off : r.off+n]
	r.off += n
	return p
}

func (r *payloadReader) u8() byte {
	if p := r.take(1); p != nil {
		return p[0]
	}
	return 0
}

func (r *payloadReader) u16() uint16 {
	if p := r.take(2); p != nil {
		return binary.BigEndian.Uint16(p)
	}
	return 0
}

func (r *payloadReader) u32() uint32 {
	if p := r.take(4); p != nil {
		return binary.BigEndian.Uint32(p)
	}
	return 0
}

func (r *payloadReader) u64() uint64 {
	if p := r.take(8); p != nil {
		return binary.BigEndian.Uint64(p)
	}
	return 0
}

func (r *payloadReader) str32() string {
	n := r.u32()
	return string(r.take(int(n)))
}

func (r *payloadReader) value() (any, error) {
	tag := r.u8()
	var v any
	switch tag {
	case valNil:
		v = nil
	case valString:
		v = r.str32()
	case valInt:
		v = int(int64(r.u64()))
	case valInt64:
		v = int64(r.u64())
	case valUint32:
		v = r.u32()
	case valUint64:
		v = r.u64()
	case valFloat64:
		v = math.Float64frombits(r.u64())
	case valBool:
		v = r.u8() != 0
	case valBytes:
		n := r.u32()
		b := r.take(int(n))
		v = append([]byte(nil), b...)
	case valActorAddr:
		p := r.take(NodeIDSize)
		var a ActorAddr
		if p != nil {
			a.Node = readNodeID(p)
		}
		a.ID = ActorID(r.u32())
		v = a
	case valRemoteError:
		code := ExitReason(r.u32())
		v = &RemoteError{Code: code, Text: r.str32()}
	case valGob:
		n := r.u32()
		p := r.take(int(n))
		if r.err != nil {
			return nil, r.err
		}
		var body any
		if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&body); err != nil {
			return nil, fmt.Errorf("gob decode: %w", err)
		}
		v = body
	default:
		if r.err == nil {
			return nil, fmt.Errorf("unknown value tag %d", tag)
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return v, nil
}

// appendStrings encodes a string set as [u16 count]([u16 len][bytes])*.
func appendStrings(dst []byte, ss []string) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(ss)))
	for _, s := range ss {
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)))
		dst = append(dst, s...)
	}
	return dst
}

func decodeStrings(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r := payloadReader{b: data}
	n := int(r.u16())
	out := make([]string, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		l := r.u16()
		out = append(out, string(r.take(int(l))))
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(data) {
		return nil, fmt.Errorf("string set: %d trailing bytes", len(data)-r.off)
	}
	return out, nil
}
