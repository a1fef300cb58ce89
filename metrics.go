package basp

import (
	"expvar"
	"strconv"
	"sync/atomic"
)

// metricsSeq generates unique IDs for expvar namespacing across brokers.
var metricsSeq atomic.Int64

// Metrics tracks operational counters for a Broker. All counters are
// lock-free and published to expvar under the "basp." prefix for inspection
// via /debug/vars. Gauges are written by the broker goroutine only.
type Metrics struct {
	FramesSent     atomic.Int64
	FramesReceived atomic.Int64
	BytesSent      atomic.Int64
	BytesReceived  atomic.Int64

	MessagesSent         atomic.Int64
	MessagesDelivered    atomic.Int64
	MessagesForwarded    atomic.Int64
	MessagesDeadLettered atomic.Int64
	RoutingFailures      atomic.Int64
	ForwardFailures      atomic.Int64

	HandshakesCompleted atomic.Int64
	HandshakesRejected  atomic.Int64
	ConnectionsOpened   atomic.Int64
	ConnectionsClosed   atomic.Int64

	ProxiesCreated    atomic.Int64
	ProxiesErased     atomic.Int64
	KillProxySent     atomic.Int64
	KillProxyReceived atomic.Int64
	DownSent          atomic.Int64
	DownReceived      atomic.Int64

	RequestsTotal    atomic.Int64
	RequestsTimedOut atomic.Int64
	RequestsFailed   atomic.Int64

	// Gauges.
	ConnectionsActive atomic.Int64
	ProxiesActive     atomic.Int64
	PendingRequests   atomic.Int64

	// queueLenFn returns the broker event backlog. Set by the broker.
	queueLenFn func() int
}

// newMetrics creates a Metrics instance and publishes all counters to
// expvar. Each call gets a unique prefix so several brokers can share a
// process (common in tests).
func newMetrics() *Metrics {
	m := &Metrics{}

	seq := metricsSeq.Add(1)
	prefix := "basp." + strconv.FormatInt(seq, 10) + "."

	publish := func(name string, v expvar.Var) {
		expvar.Publish(prefix+name, v)
	}

	for name, v := range m.counters() {
		publish(name, atomicVar(v))
	}
	publish("event_queue_len", expvar.Func(func() any {
		if m.queueLenFn != nil {
			return m.queueLenFn()
		}
		return 0
	}))

	return m
}

func (m *Metrics) counters() map[string]*atomic.Int64 {
	return map[string]*atomic.Int64{
		"frames_sent":            &m.FramesSent,
		"frames_received":        &m.FramesReceived,
		"bytes_sent":             &m.BytesSent,
		"bytes_received":         &m.BytesReceived,
		"messages_sent":          &m.MessagesSent,
		"messages_delivered":     &m.MessagesDelivered,
		"messages_forwarded":     &m.MessagesForwarded,
		"messages_dead_lettered": &m.MessagesDeadLettered,
		"routing_failures":       &m.RoutingFailures,
		"forward_failures":       &m.ForwardFailures,
		"handshakes_completed":   &m.HandshakesCompleted,
		"handshakes_rejected":    &m.HandshakesRejected,
		"connections_opened":     &m.ConnectionsOpened,
		"connections_closed":     &m.ConnectionsClosed,
		"proxies_created":        &m.ProxiesCreated,
		"proxies_erased":         &m.ProxiesErased,
		"kill_proxy_sent":        &m.KillProxySent,
		"kill_proxy_received":    &m.KillProxyReceived,
		"down_sent":              &m.DownSent,
		"down_received":          &m.DownReceived,
		"requests_total":         &m.RequestsTotal,
		"requests_timed_out":     &m.RequestsTimedOut,
		"requests_failed":        &m.RequestsFailed,
		"connections_active":     &m.ConnectionsActive,
		"proxies_active":         &m.ProxiesActive,
		"pending_requests":       &m.PendingRequests,
	}
}

// atomicVar wraps an *atomic.Int64 as an expvar.Var.
func atomicVar(v *atomic.Int64) expvar.Var {
	return expvar.Func(func() any {
		return v.Load()
	})
}

// Snapshot returns a point-in-time copy of all metrics as a map.
func (m *Metrics) Snapshot() map[string]int64 {
	counters := m.counters()
	out := make(map[string]int64, len(counters)+1)
	for name, v := range counters {
		out[name] = v.Load()
	}
	if m.queueLenFn != nil {
		out["event_queue_len"] = int64(m.queueLenFn())
	}
	return out
}
