// Command apout is the outbound audio processor (C4): it waits for the
// TTS registration handshake, connects to the TTS server for one call,
// converts incoming float audio to telephony mu-law, and paces 20ms
// frames into the telephony process's SHM channel.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowpbx/audiofab/internal/config"
	"github.com/flowpbx/audiofab/internal/metrics"
	"github.com/flowpbx/audiofab/internal/outbound"
	"github.com/flowpbx/audiofab/internal/shmchannel"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadProcessor("apout")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)
	logger = logger.With("subsystem", "apout", "call_id", cfg.CallID)

	shm, err := shmchannel.CreateOrOpen(shmchannel.OutboundName(cfg.CallID), cfg.CallID,
		shmchannel.DefaultCapacity, shmchannel.DefaultFrameSize, false)
	if err != nil {
		logger.Error("failed to open outbound shm channel", "error", err)
		return 1
	}
	defer shm.Close()
	shm.SetRoleProducer()

	// cfg.Port is accepted for CLI-surface parity with apin/sttd (same
	// ProcessorConfig shape) but unused here: both ports this binary
	// touches (13000+id registration, 9002+id TTS) are fully determined
	// by call id via the deterministic port table in internal/registration.
	proc := outbound.New(cfg.CallID, shm, logger)
	start := time.Now()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)
	// The pacer must emit a frame every 20ms from call activation regardless
	// of whether TTS ever delivers audio, so it starts immediately rather
	// than waiting on the registration handshake below.
	group.Go(func() error {
		err := proc.RunPacer(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		return registerAndReceive(gctx, cfg.CallID, proc, logger)
	})
	if cfg.MetricsAddr != "" {
		collector := metrics.NewCollector(nil, shm, proc, nil, proc, start)
		group.Go(func() error { return metrics.Serve(gctx, cfg.MetricsAddr, collector) })
	}

	logger.Info("outbound audio processor starting")
	if err := group.Wait(); err != nil {
		logger.Error("outbound audio processor exited with error", "error", err)
		return 1
	}
	logger.Info("outbound audio processor stopped")
	return 0
}

// registerAndReceive waits for the TTS-consumer REGISTER handshake, dials
// the TTS server with bounded retries, and pumps chunks into proc until
// the connection ends or ctx is cancelled. A dropped TTS connection is not
// fatal: the pacer keeps emitting silence while this loop is idle.
func registerAndReceive(ctx context.Context, callID int, proc *outbound.Processor, logger *slog.Logger) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := outbound.WaitForRegister(ctx, callID); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("apout: waiting for register: %w", err)
		}

		conn, err := outbound.ConnectTTS(ctx, callID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("connecting to tts failed, awaiting re-register", "error", err)
			continue
		}

		if err := proc.ReceiveLoop(ctx, conn); err != nil {
			logger.Warn("tts receive loop ended", "error", err)
		}
		conn.Close()
	}
}
