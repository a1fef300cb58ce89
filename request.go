package basp

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrRequestTimeout = fmt.Errorf("request timeout")
)

// Request is a pending Ask waiting for its response.
type Request struct {
	ID       uint64
	To       ActorAddr
	Response chan *Response
	sentAt   int64 // Unix seconds from coarse clock
}

// Response completes a Request with either a body or an error.
type Response struct {
	Body  Message
	Error error
}

const requestShards = 64

type requestShard struct {
	mu sync.Mutex
	m  map[uint64]*Request
}

// RequestManager correlates responses with outstanding requests. Each
// request is completed at most once: whoever removes it from its shard
// delivers the response.
type RequestManager struct {
	shards [requestShards]requestShard
	reqID  atomic.Uint64
}

func NewRequestManager() *RequestManager {
	rm := &RequestManager{}
	for i := range rm.shards {
		rm.shards[i].m = make(map[uint64]*Request)
	}
	return rm
}

func (rm *RequestManager) shard(id uint64) *requestShard {
	return &rm.shards[id&(requestShards-1)]
}

func (rm *RequestManager) Create(to ActorAddr) *Request {
	id := rm.reqID.Add(1) & uint64(requestIDMask)
	if id == 0 {
		id = rm.reqID.Add(1) & uint64(requestIDMask)
	}
	r := &Request{
		ID:       id,
		To:       to,
		Response: make(chan *Response, 1),
		sentAt:   coarseNow.Load(),
	}
	s := rm.shard(id)
	s.mu.Lock()
	s.m[id] = r
	s.mu.Unlock()
	return r
}

func (rm *RequestManager) Get(id uint64) *Request {
	s := rm.shard(id)
	s.mu.Lock()
	r := s.m[id]
	s.mu.Unlock()
	return r
}

// take removes and returns the request, nil if already gone.
func (rm *RequestManager) take(id uint64) *Request {
	s := rm.shard(id)
	s.mu.Lock()
	r, ok := s.m[id]
	if ok {
		delete(s.m, id)
	}
	s.mu.Unlock()
	return r
}

// Complete delivers body to the request. It reports false for unknown or
// already completed requests.
func (rm *RequestManager) Complete(id uint64, body Message) bool {
	r := rm.take(id)
	if r == nil {
		return false
	}
	r.Response <- &Response{Body: body}
	return true
}

// Fail completes the request with err.
func (rm *RequestManager) Fail(id uint64, err error) bool {
	r := rm.take(id)
	if r == nil {
		return false
	}
	r.Response <- &Response{Error: err}
	return true
}

func (rm *RequestManager) Remove(id uint64) {
	rm.take(id)
}

// RemoveExpired fails requests older than requestTimeout and returns how
// many it failed.
func (rm *RequestManager) RemoveExpired(requestTimeout time.Duration) int {
	expired := 0
	cutoff := coarseNow.Load() - int64(requestTimeout.Seconds())
	for i := range rm.shards {
		s := &rm.shards[i]
		s.mu.Lock()
		for id, req := range s.m {
			if req.sentAt < cutoff {
				delete(s.m, id)
				req.Response <- &Response{Error: ErrRequestTimeout}
				expired++
			}
		}
		s.mu.Unlock()
	}
	return expired
}

// FailAll sends err to all pending requests and removes them. Used on
// shutdown to unblock waiting callers.
func (rm *RequestManager) FailAll(err error) {
	for i := range rm.shards {
		s := &rm.shards[i]
		s.mu.Lock()
		for id, req := range s.m {
			req.Response <- &Response{Error: err}
			delete(s.m, id)
		}
		s.mu.Unlock()
	}
}

func (rm *RequestManager) Len() int {
	n := 0
	for i := range rm.shards {
		s := &rm.shards[i]
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}
