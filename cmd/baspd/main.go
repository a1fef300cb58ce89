// baspd runs one BASP node from a YAML config file. It publishes an echo
// actor on the configured listen address, connects to the configured
// peers, and reloads the log level when the file changes.
//
// Run:  go run ./cmd/baspd -config basp.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	basp "github.com/ironfang-ltd/go-basp"
)

func main() {
	configPath := flag.String("config", "basp.yaml", "path to the YAML config file")
	listen := flag.String("listen", "", "listen address (overrides config)")
	flag.Parse()

	cfg, err := basp.LoadConfig(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = basp.ParseConfig(nil)
	}
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	level, err := basp.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	basp.InitLogger(level, cfg.LogFormat)

	opts, err := cfg.Options()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	node, err := basp.NewNode(opts...)
	if err != nil {
		log.Fatalf("node: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = node.Run(ctx,
		func(ctx context.Context) error { return serve(ctx, node, cfg) },
		func(ctx context.Context) error {
			return basp.WatchConfig(ctx, *configPath, func(next basp.Config) {
				level, err := basp.ParseLogLevel(next.LogLevel)
				if err != nil {
					slog.Warn("ignoring log level", "error", err)
					return
				}
				basp.SetLogLevel(level)
				slog.Info("log level changed", "level", level)
			})
		},
	)
	if err != nil {
		log.Fatalf("baspd: %v", err)
	}
}

// serve publishes the echo actor and connects to peers, then holds the
// peer proxies until ctx is done.
func serve(ctx context.Context, node *basp.Node, cfg basp.Config) error {
	echo := node.System().Spawn(basp.ReceiverFunc(func(ctx *basp.Context) error {
		slog.Debug("echo", "from", ctx.Sender, "message", ctx.Message.String())
		if ctx.ID.IsRequest() {
			return ctx.Reply(ctx.Message)
		}
		return nil
	}))

	ifs := cfg.Interfaces
	if len(ifs) == 0 {
		ifs = []string{"echo"}
	}
	port, err := node.Broker().Publish(ctx, echo.Addr(), ifs, cfg.Listen)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	advertise, err := basp.AdvertiseAddr(cfg.Listen, port)
	if err != nil {
		slog.Warn("no advertise address", "error", err)
	}
	slog.Info("echo actor published", "actor", echo.Addr(), "port", port, "advertise", advertise)

	peers, err := node.ConnectPeers(ctx, cfg.Peers)
	if err != nil {
		return err
	}
	for _, p := range peers {
		slog.Info("peer connected", "actor", p.Addr())
		p.Monitor(func(reason basp.ExitReason) {
			slog.Warn("peer actor down", "actor", p.Addr(), "reason", reason)
		})
	}

	<-ctx.Done()
	for _, p := range peers {
		p.Release()
	}
	return nil
}
