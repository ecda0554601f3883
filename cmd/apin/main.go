// Command apin is the inbound audio processor (C3): it consumes mu-law
// frames from the telephony process's SHM channel for one call, runs VAD
// chunking, and streams resampled chunks to the STT service over TCP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowpbx/audiofab/internal/config"
	"github.com/flowpbx/audiofab/internal/inbound"
	"github.com/flowpbx/audiofab/internal/metrics"
	"github.com/flowpbx/audiofab/internal/shmchannel"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadProcessor("apin")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)
	logger = logger.With("subsystem", "apin", "call_id", cfg.CallID)

	shm, err := shmchannel.CreateOrOpen(shmchannel.InboundName(cfg.CallID), cfg.CallID,
		shmchannel.DefaultCapacity, shmchannel.DefaultFrameSize, false)
	if err != nil {
		logger.Error("failed to open inbound shm channel", "error", err)
		return 1
	}
	defer shm.Close()
	shm.SetRoleConsumer()

	listenAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Port+cfg.CallID)
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		logger.Error("failed to bind audio listener", "addr", listenAddr, "error", err)
		return 1
	}

	proc := inbound.New(cfg.CallID, shm, logger)
	start := time.Now()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := proc.Run(gctx, ln)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	if cfg.MetricsAddr != "" {
		collector := metrics.NewCollector(nil, shm, nil, proc, nil, start)
		group.Go(func() error { return metrics.Serve(gctx, cfg.MetricsAddr, collector) })
	}

	logger.Info("inbound audio processor starting", "listen_addr", listenAddr)
	if err := group.Wait(); err != nil {
		logger.Error("inbound audio processor exited with error", "error", err)
		return 1
	}
	logger.Info("inbound audio processor stopped")
	return 0
}
