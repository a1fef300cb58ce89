// playground spins up 3 BASP nodes on localhost, connects them in a line
// (node-1 <-> node-2 <-> node-3), exchanges messages and requests across
// the line, then blocks so you can explore the admin endpoints.
//
// Run:
//
//	go run ./cmd/playground
//
// Admin endpoints (per node):
//
//	GET /broker/status         broker state and metrics
//	GET /broker/routes         routing table
//	GET /broker/connections    open connections
//	GET /broker/proxies        live proxies
//	GET /broker/published      published actors
//	GET /actors                local actors
//	GET /debug/vars            expvar metrics
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	basp "github.com/ironfang-ltd/go-basp"
)

// echoReceiver prints what it receives and answers requests.
func echoReceiver(name string) basp.Receiver {
	return basp.ReceiverFunc(func(ctx *basp.Context) error {
		fmt.Printf("  [%s %s] received %v from %s\n", name, ctx.Self, ctx.Message, ctx.Sender)
		if ctx.ID.IsRequest() {
			return ctx.Reply(basp.NewMessage(fmt.Sprintf("echo from %s", name), ctx.Message.At(0)))
		}
		return nil
	})
}

// tickReceiver forwards a tick to target every time it is poked.
func tickReceiver(name string, target *basp.Proxy) basp.Receiver {
	return basp.ReceiverFunc(func(ctx *basp.Context) error {
		now := time.Now().Format("15:04:05.000")
		fmt.Printf("  [%s %s] tick at %s\n", name, ctx.Self, now)
		return ctx.Send(target.Addr(), basp.NewMessage("tick", now))
	})
}

func main() {
	const numNodes = 3

	basp.InitLogger(slog.LevelInfo, "text")

	type node struct {
		node      *basp.Node
		name      string
		adminAddr string
		echo      *basp.Actor
		port      uint16
	}

	nodes := make([]*node, numNodes)
	ctx := context.Background()

	// Phase 1: start nodes and publish one echo actor each.
	for i := range nodes {
		adminAddr := fmt.Sprintf("127.0.0.1:%d", 9090+i)
		name := fmt.Sprintf("node-%d", i+1)

		n, err := basp.NewNode(
			basp.WithAdminAddr(adminAddr),
			basp.WithRequestTimeout(5*time.Second),
		)
		if err != nil {
			log.Fatalf("%s: %v", name, err)
		}
		if err := n.Start(); err != nil {
			log.Fatalf("%s: %v", name, err)
		}

		echo := n.System().Spawn(echoReceiver(name))
		port, err := n.Broker().Publish(ctx, echo.Addr(), []string{"echo"}, "127.0.0.1:0")
		if err != nil {
			log.Fatalf("%s publish: %v", name, err)
		}
		nodes[i] = &node{node: n, name: name, adminAddr: adminAddr, echo: echo, port: port}
		fmt.Printf("%s started  id=%s  admin=http://%s  basp=127.0.0.1:%d\n",
			name, n.ID(), adminAddr, port)
	}
	fmt.Println()

	// Phase 2: each node connects to its right-hand neighbour.
	fmt.Println("--- Connecting nodes ---")
	neighbours := make([]*basp.Proxy, numNodes-1)
	for i := range neighbours {
		from, to := nodes[i], nodes[i+1]
		p, err := from.node.Broker().Connect(ctx, fmt.Sprintf("127.0.0.1:%d", to.port), []string{"echo"})
		if err != nil {
			log.Fatalf("%s connect %s: %v", from.name, to.name, err)
		}
		neighbours[i] = p
		fmt.Printf("  %s -> %s  echo=%s\n", from.name, to.name, p.Addr())
	}
	fmt.Println()

	// node-3 learns node-1's echo through node-2: the address travels in a
	// message payload, so node-3 routes to node-1 via node-2.
	fmt.Println("--- Sharing node-1's echo with node-3 ---")
	first := nodes[0].echo.Addr()
	if _, err := nodes[0].node.System().Request(ctx, neighbours[0].Addr(), basp.NewMessage("share", first)); err != nil {
		log.Printf("share: %v", err)
	}
	if err := nodes[1].node.System().Send(ctx, nodes[1].echo.Addr(), neighbours[1].Addr(), basp.NewMessage("share", first)); err != nil {
		log.Printf("share: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	far, err := nodes[2].node.Broker().MakeProxy(ctx, first)
	if err != nil {
		log.Fatalf("node-3 proxy for node-1 echo: %v", err)
	}
	fmt.Printf("  node-3 holds proxy %s\n\n", far.Addr())

	// Send some fire-and-forget messages.
	fmt.Println("--- Sending messages ---")
	for i, p := range neighbours {
		if err := p.Send(ctx, nodes[i].echo.Addr(), basp.NewMessage(fmt.Sprintf("hello from %s", nodes[i].name))); err != nil {
			log.Printf("send error: %v", err)
		}
	}
	time.Sleep(200 * time.Millisecond)
	fmt.Println()

	// Recurring tick from node-3 to node-1, forwarded by node-2.
	fmt.Println("--- Scheduling ticks ---")
	ticker := nodes[2].node.System().Spawn(tickReceiver(nodes[2].name, far))
	stopTicks := make(chan struct{})
	go func() {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-stopTicks:
				return
			case <-t.C:
				_ = nodes[2].node.System().Send(ctx, basp.ActorAddr{}, ticker.Addr(), basp.NewMessage("poke"))
			}
		}
	}()
	fmt.Printf("  node-3: tick to node-1 every 5s (actor %s)\n\n", ticker.Addr())

	// Cross-node requests: every node asks node-1's echo.
	fmt.Println("--- Sending cross-node requests ---")
	targets := []*basp.Proxy{nil, neighbours[1], far}
	var wg sync.WaitGroup
	for i, n := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := basp.NewMessage(fmt.Sprintf("request from %s", n.name))
			var resp basp.Message
			var err error
			if targets[i] == nil {
				resp, err = n.node.System().Request(ctx, n.echo.Addr(), msg)
			} else {
				resp, err = targets[i].Request(ctx, msg)
			}
			if err != nil {
				fmt.Printf("  %s request error: %v\n", n.name, err)
				return
			}
			fmt.Printf("  %s got reply: %v\n", n.name, resp)
		}()
	}
	wg.Wait()

	fmt.Println()
	fmt.Println("--- Nodes running. Try these endpoints: ---")
	for _, n := range nodes {
		fmt.Printf("  %s:\n", n.name)
		fmt.Printf("    curl http://%s/broker/status\n", n.adminAddr)
		fmt.Printf("    curl http://%s/broker/routes\n", n.adminAddr)
		fmt.Printf("    curl http://%s/broker/proxies\n", n.adminAddr)
		fmt.Printf("    curl http://%s/actors\n", n.adminAddr)
		fmt.Printf("    curl http://%s/debug/vars\n", n.adminAddr)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")

	// Block until interrupt.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig

	fmt.Println("\nShutting down...")
	close(stopTicks)
	far.Release()
	for _, p := range neighbours {
		p.Release()
	}
	for i := len(nodes) - 1; i >= 0; i-- {
		nodes[i].node.Stop()
		fmt.Printf("%s stopped\n", nodes[i].name)
	}
}
