package basp

import (
	"context"
	"expvar"
	"strings"
	"testing"
)

func TestMetrics_RequestIncrements(t *testing.T) {
	n := startTestNode(t)
	echo := n.System().Spawn(echoReceiver())

	resp, err := n.System().Request(context.Background(), echo.Addr(), NewMessage("ping"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.At(0) != "ping" {
		t.Errorf("Response = %v, want (ping)", resp)
	}

	// The reply is counted after it completes the request.
	if _, err := n.Broker().Snapshot(context.Background()); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	m := n.Broker().Metrics()
	if got := m.RequestsTotal.Load(); got != 1 {
		t.Errorf("RequestsTotal = %d, want 1", got)
	}
	// Request and reply both go through the broker.
	if got := m.MessagesDelivered.Load(); got != 2 {
		t.Errorf("MessagesDelivered = %d, want 2", got)
	}
}

func TestMetrics_DeadLetterIncrements(t *testing.T) {
	n := startTestNode(t)

	err := n.System().Send(context.Background(), ActorAddr{}, ActorAddr{Node: n.ID(), ID: 99}, NewMessage("hello"))
	if err == nil {
		t.Fatal("Send to missing actor succeeded")
	}
	if got := n.Broker().Metrics().MessagesDeadLettered.Load(); got != 1 {
		t.Errorf("MessagesDeadLettered = %d, want 1", got)
	}
}

func TestMetrics_Snapshot(t *testing.T) {
	h := newBrokerHarness(t, 5)
	hdl := h.acceptPeer(h.publish(5), testNode(2))
	h.sync()

	snap := h.b.Metrics().Snapshot()

	if snap["handshakes_completed"] != 1 {
		t.Errorf("handshakes_completed = %d, want 1", snap["handshakes_completed"])
	}
	if snap["connections_active"] != 1 {
		t.Errorf("connections_active = %d, want 1", snap["connections_active"])
	}
	if _, ok := snap["event_queue_len"]; !ok {
		t.Error("event_queue_len missing from snapshot")
	}

	h.tr.drop(hdl, nil)
	h.sync()
	snap = h.b.Metrics().Snapshot()
	if snap["connections_closed"] != 1 || snap["connections_active"] != 0 {
		t.Errorf("after close: closed = %d, active = %d", snap["connections_closed"], snap["connections_active"])
	}
}

func TestMetrics_PublishedToExpvar(t *testing.T) {
	newMetrics()

	found := false
	expvar.Do(func(kv expvar.KeyValue) {
		if strings.HasPrefix(kv.Key, "basp.") && strings.HasSuffix(kv.Key, ".frames_sent") {
			found = true
		}
	})
	if !found {
		t.Error("no basp.*.frames_sent expvar published")
	}
}
