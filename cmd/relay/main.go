// Command relay runs a single protocol listener plus its companion UDP
// forwarder, per the JSON config file given with -config.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/relaynet/tunrelay/internal/config"
	"github.com/relaynet/tunrelay/internal/listener"
	"github.com/relaynet/tunrelay/internal/udpforward"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.json", "path to the relay's JSON config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "relay: logger init:", err)
		return 1
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("relay: config load failed", zap.Error(err))
		return 1
	}

	sv, err := listener.New(cfg, logger)
	if err != nil {
		logger.Error("relay: listener init failed", zap.Error(err))
		return 1
	}

	var fwd *udpforward.Forwarder
	if cfg.UDPTargetHost != "" {
		fwd, err = udpforward.New(cfg.UDPTargetHost, cfg.UDPTargetPort, time.Duration(cfg.UDPIdleMs)*time.Millisecond, logger)
		if err != nil {
			logger.Error("relay: udp forwarder init failed", zap.Error(err))
			return 1
		}
		go func() {
			if err := fwd.Serve(cfg.ListenPort); err != nil {
				logger.Warn("relay: udp forwarder stopped", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- sv.Serve(ctx) }()

	select {
	case err := <-serveErr:
		if fwd != nil {
			fwd.Close()
		}
		if err != nil {
			logger.Error("relay: listener exited", zap.Error(err))
			return 1
		}
		return 0
	case <-ctx.Done():
	}

	// ctx.Done fired: signal received. Serve is already draining on the
	// same context; wait for it to finish within its own grace period.
	err = <-serveErr
	if fwd != nil {
		fwd.Close()
	}
	if err != nil {
		logger.Warn("relay: forced shutdown after grace period", zap.Error(err))
		return 1
	}
	logger.Info("relay: graceful shutdown complete")
	return 0
}
