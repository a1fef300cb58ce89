// basp-demo starts three nodes on localhost chained a <-> b <-> c and shows
// a request from a reaching an actor on c through b, with the route to c
// learned from a message payload.
//
// Run:  go run ./cmd/basp-demo
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	basp "github.com/ironfang-ltd/go-basp"
)

func main() {
	basp.InitLogger(slog.LevelWarn, "text")

	a := mustNode("a")
	b := mustNode("b")
	c := mustNode("c")
	defer a.Stop()
	defer b.Stop()
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// --- c: an echo actor published for interface "echo" ---
	echo := c.System().Spawn(basp.ReceiverFunc(func(ctx *basp.Context) error {
		fmt.Printf("[c] %s received %v from %s\n", ctx.Self, ctx.Message, ctx.Sender)
		return ctx.Reply(basp.NewMessage("echo", ctx.Message.At(0)))
	}))
	cPort, err := c.Broker().Publish(ctx, echo.Addr(), []string{"echo"}, "127.0.0.1:0")
	if err != nil {
		log.Fatalf("publish echo: %v", err)
	}

	// --- b: connects to c and hands out the echo address on request ---
	echoProxy, err := b.Broker().Connect(ctx, fmt.Sprintf("127.0.0.1:%d", cPort), []string{"echo"})
	if err != nil {
		log.Fatalf("b connect c: %v", err)
	}
	defer echoProxy.Release()

	directory := b.System().Spawn(basp.ReceiverFunc(func(ctx *basp.Context) error {
		return ctx.Reply(basp.NewMessage(echoProxy.Addr()))
	}))
	bPort, err := b.Broker().Publish(ctx, directory.Addr(), []string{"directory"}, "127.0.0.1:0")
	if err != nil {
		log.Fatalf("publish directory: %v", err)
	}

	// --- a: only knows b ---
	dirProxy, err := a.Broker().Connect(ctx, fmt.Sprintf("127.0.0.1:%d", bPort), []string{"directory"})
	if err != nil {
		log.Fatalf("a connect b: %v", err)
	}
	defer dirProxy.Release()

	fmt.Println("\n--- asking b's directory for the echo actor ---")
	resp, err := dirProxy.Request(ctx, basp.NewMessage("lookup", "echo"))
	if err != nil {
		log.Fatalf("directory request: %v", err)
	}
	echoAddr, ok := resp.At(0).(basp.ActorAddr)
	if !ok {
		log.Fatalf("unexpected directory response %v", resp)
	}
	fmt.Printf("[a] echo actor is %s\n", echoAddr)

	// The directory response carried c's address over the a-b connection,
	// so a now routes to c through b.
	remoteEcho, err := a.Broker().MakeProxy(ctx, echoAddr)
	if err != nil {
		log.Fatalf("make proxy: %v", err)
	}
	defer remoteEcho.Release()

	fmt.Println("\n--- request from a to c, forwarded by b ---")
	resp, err = remoteEcho.Request(ctx, basp.NewMessage("hello"))
	if err != nil {
		log.Fatalf("echo request: %v", err)
	}
	fmt.Printf("[a] response %v\n", resp)

	snap, err := a.Broker().Snapshot(ctx)
	if err != nil {
		log.Fatalf("snapshot: %v", err)
	}
	for _, r := range snap.Routes {
		fmt.Printf("[a] route %s direct=%t via conn %d\n", r.Node, r.Direct != 0, r.Selected)
	}

	fmt.Printf("\n[b] forwarded %d messages\n", b.Broker().Metrics().MessagesForwarded.Load())
	fmt.Println("\nDemo complete.")
}

func mustNode(name string) *basp.Node {
	n, err := basp.NewNode()
	if err != nil {
		log.Fatalf("node %s: %v", name, err)
	}
	if err := n.Start(); err != nil {
		log.Fatalf("node %s: %v", name, err)
	}
	fmt.Printf("node %s is %s\n", name, n.ID())
	return n
}
