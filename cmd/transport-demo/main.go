// transport-demo starts two TCP transports on localhost and exchanges raw
// BASP frames between them without a broker, showing request/response
// correlation through the message id carried in the header.
//
// Run:  go run ./cmd/transport-demo
package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	basp "github.com/ironfang-ltd/go-basp"
)

// frameSink reassembles frames from the byte chunks a transport reports
// and hands each complete frame to onFrame.
type frameSink struct {
	name    string
	mu      sync.Mutex
	buf     map[basp.ConnHandle][]byte
	onFrame func(h basp.ConnHandle, hdr basp.Header, msg basp.Message)
}

func newFrameSink(name string, onFrame func(basp.ConnHandle, basp.Header, basp.Message)) *frameSink {
	return &frameSink{name: name, buf: make(map[basp.ConnHandle][]byte), onFrame: onFrame}
}

func (s *frameSink) NewConnection(a basp.AcceptHandle, h basp.ConnHandle) {
	fmt.Printf("[%s] accepted connection %d on acceptor %d\n", s.name, h, a)
}

func (s *frameSink) NewData(h basp.ConnHandle, data []byte) {
	s.mu.Lock()
	buf := append(s.buf[h], data...)
	var frames []struct {
		hdr basp.Header
		msg basp.Message
	}
	for len(buf) >= basp.HeaderSize {
		hdr := basp.DecodeHeader(buf)
		end := basp.HeaderSize + int(hdr.PayloadLen)
		if len(buf) < end {
			break
		}
		msg, err := basp.DecodeMessage(buf[basp.HeaderSize:end])
		if err != nil {
			log.Printf("[%s] bad payload: %v", s.name, err)
		}
		frames = append(frames, struct {
			hdr basp.Header
			msg basp.Message
		}{hdr, msg})
		buf = buf[end:]
	}
	s.buf[h] = buf
	s.mu.Unlock()

	for _, f := range frames {
		s.onFrame(h, f.hdr, f.msg)
	}
}

func (s *frameSink) ConnectionClosed(h basp.ConnHandle, err error) {
	fmt.Printf("[%s] connection %d closed: %v\n", s.name, h, err)
	s.mu.Lock()
	delete(s.buf, h)
	s.mu.Unlock()
}

func frame(hdr basp.Header, msg basp.Message) []byte {
	payload, err := basp.AppendMessage(nil, msg)
	if err != nil {
		log.Fatalf("encode: %v", err)
	}
	hdr.PayloadLen = uint32(len(payload))
	out := basp.AppendHeader(make([]byte, 0, basp.HeaderSize+len(payload)), hdr)
	return append(out, payload...)
}

func main() {
	nodeA, nodeB := basp.NewNodeID(), basp.NewNodeID()
	replyCh := make(chan basp.Header, 1)

	// --- Transport A: print any responses it receives ---
	tA := basp.NewTCPTransport()
	tA.Start(newFrameSink("host-a", func(h basp.ConnHandle, hdr basp.Header, msg basp.Message) {
		id := basp.MessageID(hdr.OpData)
		fmt.Printf("[host-a] received %s  id=%s  body=%v\n", hdr.Op, id, msg)
		if id.IsResponse() {
			replyCh <- hdr
		}
	}))
	defer tA.Stop()

	// --- Transport B: answer every request with a response frame ---
	tB := basp.NewTCPTransport()
	tB.Start(newFrameSink("host-b", func(h basp.ConnHandle, hdr basp.Header, msg basp.Message) {
		id := basp.MessageID(hdr.OpData)
		fmt.Printf("[host-b] received %s  from=%s/%d  id=%s  body=%v\n",
			hdr.Op, hdr.SourceNode, hdr.SourceActor, id, msg)
		if !id.IsRequest() {
			return
		}
		reply := frame(basp.Header{
			Op:          basp.OpDispatchMessage,
			SourceNode:  nodeB,
			SourceActor: hdr.DestActor,
			DestNode:    hdr.SourceNode,
			DestActor:   hdr.SourceActor,
			OpData:      uint64(id.Response()),
		}, basp.NewMessage(fmt.Sprintf("hello back, you said %q", msg.At(0))))
		if err := tB.Write(h, reply); err != nil {
			log.Printf("[host-b] reply error: %v", err)
		}
	}))
	defer tB.Stop()

	_, addrB, err := tB.Listen("127.0.0.1:0")
	if err != nil {
		log.Fatalf("listen B: %v", err)
	}
	fmt.Printf("host-b listening on %s\n", addrB)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	h, err := tA.Connect(ctx, addrB)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	if err := tA.Read(h); err != nil {
		log.Fatalf("read: %v", err)
	}

	// --- Send a request frame from A to B ---
	fmt.Println("\n--- Sending dispatch_message from host-a to host-b ---")
	req := frame(basp.Header{
		Op:          basp.OpDispatchMessage,
		SourceNode:  nodeA,
		SourceActor: 7,
		DestNode:    nodeB,
		DestActor:   3,
		OpData:      uint64(basp.NewRequestID(42)),
	}, basp.NewMessage("hello from host-a"))
	if err := tA.Write(h, req); err != nil {
		log.Fatalf("write: %v", err)
	}

	// --- Wait for the correlated response ---
	select {
	case hdr := <-replyCh:
		fmt.Println("\n--- Correlation check ---")
		if id := basp.MessageID(hdr.OpData).RequestID(); id == 42 {
			fmt.Println("OK: request id matches (42). Request correlation verified.")
		} else {
			fmt.Printf("FAIL: request id mismatch: got %d, want 42\n", id)
		}
	case <-ctx.Done():
		log.Fatal("timeout waiting for reply")
	}

	fmt.Println("\nDemo complete.")
}
