package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	basp "github.com/ironfang-ltd/go-basp"
)

type profile struct {
	name        string
	actors      int
	workers     int
	mailbox     int
	eventQueue  int
	memLimitGiB int64
}

var profiles = map[string]profile{
	"small": {
		name:        "small",
		actors:      100,
		workers:     10,
		mailbox:     256,
		eventQueue:  4096,
		memLimitGiB: 2,
	},
	"medium": {
		name:        "medium",
		actors:      1_000,
		workers:     20,
		mailbox:     256,
		eventQueue:  8192,
		memLimitGiB: 2,
	},
	"large": {
		name:        "large",
		actors:      10_000,
		workers:     50,
		mailbox:     128,
		eventQueue:  16384,
		memLimitGiB: 4,
	},
}

type nodeEntry struct {
	node *basp.Node
	name string
}

func nodeOptions(p profile, index int) []basp.Option {
	return []basp.Option{
		basp.WithRequestTimeout(3 * time.Second),
		basp.WithCleanupInterval(500 * time.Millisecond),
		basp.WithMailboxSize(p.mailbox),
		basp.WithEventQueueSize(p.eventQueue),
		basp.WithAdminAddr("127.0.0.1:" + strconv.Itoa(8081+index)),
	}
}

func main() {
	profileName := flag.String("profile", "small", "preset profile: small, medium, large")
	topology := flag.String("topology", "direct", "direct (a -> b) or chain (a -> b -> c, forwarded by b)")
	transport := flag.String("transport", "tcp", "tcp or quic")
	actorsFlag := flag.Int("actors", 0, "remote actor pool size (overrides profile)")
	workersFlag := flag.Int("workers", 0, "sending workers (overrides profile)")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	memlimit := flag.Int64("memlimit", -1, "GOMEMLIMIT in GiB (0=disabled, -1=from profile)")
	sendpct := flag.Int("sendpct", 70, "percentage of Send vs Request (0-100)")
	flag.Parse()

	p, ok := profiles[*profileName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown profile %q (valid: small, medium, large)\n", *profileName)
		os.Exit(1)
	}

	// Apply overrides.
	if *actorsFlag > 0 {
		p.actors = *actorsFlag
	}
	if *workersFlag > 0 {
		p.workers = *workersFlag
	}
	if *memlimit >= 0 {
		p.memLimitGiB = *memlimit
	}
	if *sendpct < 0 || *sendpct > 100 {
		fmt.Fprintf(os.Stderr, "sendpct must be 0-100\n")
		os.Exit(1)
	}
	if *topology != "direct" && *topology != "chain" {
		fmt.Fprintf(os.Stderr, "unknown topology %q (valid: direct, chain)\n", *topology)
		os.Exit(1)
	}

	// GC tuning.
	gcInfo := "GOGC=default"
	if p.memLimitGiB > 0 {
		debug.SetMemoryLimit(p.memLimitGiB * 1024 * 1024 * 1024)
		debug.SetGCPercent(-1)
		gcInfo = fmt.Sprintf("GOGC=off  GOMEMLIMIT=%dGiB", p.memLimitGiB)
	}

	basp.InitLogger(slog.LevelWarn, "text")

	// Startup banner.
	fmt.Printf("go-basp load test\n")
	fmt.Printf("  profile:   %s\n", p.name)
	fmt.Printf("  topology:  %s over %s\n", *topology, *transport)
	fmt.Printf("  actors:    %d\n", p.actors)
	fmt.Printf("  workers:   %d\n", p.workers)
	fmt.Printf("  mix:       %d%% send / %d%% request\n", *sendpct, 100-*sendpct)
	fmt.Printf("  duration:  %s\n", *duration)
	fmt.Printf("  GC:        %s\n", gcInfo)
	fmt.Printf("  queues:    mailbox=%d  events=%d\n", p.mailbox, p.eventQueue)
	fmt.Println()

	var received atomic.Int64
	nodes, proxies, err := setup(p, *topology, *transport, &received)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	lastPort := 8080 + len(nodes)
	fmt.Printf("nodes started (admin ports 8081-%d), %d proxies ready\n\n", lastPort, len(proxies))

	// Shared stop signal for all workers.
	stop := make(chan struct{})
	start := time.Now()
	cpuStart := processCPUTime()

	var wg sync.WaitGroup
	var totalSends, totalRequests, totalErrors atomic.Int64

	sendThreshold := float64(*sendpct) / 100.0
	client := nodes[0].node

	for range p.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			for {
				select {
				case <-stop:
					return
				default:
				}

				proxy := proxies[rand.IntN(len(proxies))]
				if rand.Float64() < sendThreshold {
					if err := proxy.Send(ctx, basp.ActorAddr{}, basp.NewMessage("ping")); err != nil {
						totalErrors.Add(1)
						continue
					}
					totalSends.Add(1)
				} else {
					if _, err := client.System().Request(ctx, proxy.Addr(), basp.NewMessage("echo")); err != nil {
						totalErrors.Add(1)
					}
					totalRequests.Add(1)
				}
			}
		}()
	}

	// Progress reporting.
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			elapsed := time.Since(start).Truncate(time.Second)
			printProgress(nodes, elapsed, &received)
		}
	}()

	// Wait for duration, then signal all workers to stop.
	time.Sleep(*duration)
	close(stop)
	wg.Wait()
	ticker.Stop()
	cpu := processCPUTime() - cpuStart

	fmt.Printf("\n--- stopping nodes ---\n")
	for _, px := range proxies {
		px.Release()
	}
	var stopWg sync.WaitGroup
	for _, ne := range nodes {
		stopWg.Add(1)
		go func(n *basp.Node) {
			defer stopWg.Done()
			n.Stop()
		}(ne.node)
	}
	stopWg.Wait()

	// Final summary.
	elapsed := time.Since(start)
	fmt.Printf("\n=== FINAL SUMMARY ===\n")
	fmt.Printf("  Duration:        %s\n", elapsed.Truncate(time.Millisecond))
	fmt.Printf("  Total sends:     %d\n", totalSends.Load())
	fmt.Printf("  Total requests:  %d\n", totalRequests.Load())
	fmt.Printf("  Errors:          %d\n", totalErrors.Load())
	fmt.Printf("  Received:        %d\n", received.Load())
	fmt.Printf("  CPU time:        %s (%.1f cores)\n", cpu.Truncate(time.Millisecond), cpu.Seconds()/elapsed.Seconds())
	totalOps := totalSends.Load() + totalRequests.Load()
	fmt.Printf("  Aggregate RPS:   %.0f\n\n", float64(totalOps)/elapsed.Seconds())

	printProgress(nodes, elapsed.Truncate(time.Second), &received)

	os.Exit(0)
}

// setup starts the nodes, spawns the actor pool on the last node and
// returns proxies for every pool actor held by the first node. In the chain
// topology the first node only knows the middle node; routes to the pool
// are learned from the directory response.
func setup(p profile, topology, transport string, received *atomic.Int64) ([]*nodeEntry, []*basp.Proxy, error) {
	count := 2
	if topology == "chain" {
		count = 3
	}
	nodes := make([]*nodeEntry, count)
	for i := range count {
		opts := append(nodeOptions(p, i), basp.WithTransport(transport))
		n, err := basp.NewNode(opts...)
		if err != nil {
			return nil, nil, err
		}
		if err := n.Start(); err != nil {
			return nil, nil, err
		}
		nodes[i] = &nodeEntry{node: n, name: fmt.Sprintf("node-%d", i+1)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// The pool lives on the last node.
	pool := nodes[count-1].node
	addrs := make([]any, 0, p.actors)
	for range p.actors {
		a := pool.System().Spawn(basp.ReceiverFunc(func(ctx *basp.Context) error {
			received.Add(1)
			if ctx.ID.IsRequest() {
				return ctx.Reply(ctx.Message)
			}
			return nil
		}))
		addrs = append(addrs, a.Addr())
	}
	directory := pool.System().Spawn(basp.ReceiverFunc(func(ctx *basp.Context) error {
		return ctx.Reply(basp.NewMessage(addrs...))
	}))
	port, err := pool.Broker().Publish(ctx, directory.Addr(), []string{"directory"}, "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	entry := fmt.Sprintf("127.0.0.1:%d", port)

	if topology == "chain" {
		// The middle node connects to the pool and republishes the directory.
		middle := nodes[1].node
		dir, err := middle.Broker().Connect(ctx, entry, []string{"directory"})
		if err != nil {
			return nil, nil, err
		}
		relay := middle.System().Spawn(basp.ReceiverFunc(func(ctx *basp.Context) error {
			resp, err := dir.Request(ctx.Ctx, ctx.Message)
			if err != nil {
				return err
			}
			return ctx.Reply(resp)
		}))
		port, err := middle.Broker().Publish(ctx, relay.Addr(), []string{"directory"}, "127.0.0.1:0")
		if err != nil {
			return nil, nil, err
		}
		entry = fmt.Sprintf("127.0.0.1:%d", port)
	}

	client := nodes[0].node
	dir, err := client.Broker().Connect(ctx, entry, []string{"directory"})
	if err != nil {
		return nil, nil, err
	}
	defer dir.Release()
	resp, err := dir.Request(ctx, basp.NewMessage("list"))
	if err != nil {
		return nil, nil, err
	}

	proxies := make([]*basp.Proxy, 0, resp.Size())
	for _, v := range resp.Values() {
		addr, ok := v.(basp.ActorAddr)
		if !ok {
			return nil, nil, fmt.Errorf("directory returned %T", v)
		}
		proxy, err := client.Broker().MakeProxy(ctx, addr)
		if err != nil {
			return nil, nil, err
		}
		proxies = append(proxies, proxy)
	}
	return nodes, proxies, nil
}

func printProgress(nodes []*nodeEntry, elapsed time.Duration, received *atomic.Int64) {
	secs := elapsed.Seconds()
	fmt.Printf("[%s] received=%d\n", elapsed, received.Load())
	fmt.Printf("  %-8s %10s %10s %10s %10s %10s %10s %8s %10s\n",
		"NODE", "SENT", "DELIV", "FWD", "DEAD", "REQ", "TIMEOUT", "PROXIES", "FPS")
	for _, ne := range nodes {
		s := ne.node.Broker().Metrics().Snapshot()
		fps := float64(0)
		if secs > 0 {
			fps = float64(s["frames_sent"]) / secs
		}
		fmt.Printf("  %-8s %10d %10d %10d %10d %10d %10d %8d %10.0f\n",
			ne.name,
			s["messages_sent"],
			s["messages_delivered"],
			s["messages_forwarded"],
			s["messages_dead_lettered"],
			s["requests_total"],
			s["requests_timed_out"],
			s["proxies_active"],
			fps,
		)
	}
	fmt.Println()
}
