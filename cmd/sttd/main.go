// Command sttd is the STT service shell (C5): it hosts one warmed
// inference context, accepts per-call REGISTER/BYE datagrams, connects out
// to each call's inbound audio stream, and forwards transcriptions to the
// downstream LLM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/flowpbx/audiofab/internal/config"
	"github.com/flowpbx/audiofab/internal/inference"
	"github.com/flowpbx/audiofab/internal/inference/mock"
	"github.com/flowpbx/audiofab/internal/inference/whisper"
	"github.com/flowpbx/audiofab/internal/metrics"
	"github.com/flowpbx/audiofab/internal/sttshell"
)

// warmupSamples is 1s of zeros at the whisper.cpp engine's 16kHz input
// rate, the conventional warm-up clip per the shared-inference-context
// contract.
const warmupSamples = 16000

// mockModelScheme selects the deterministic in-memory engine instead of a
// real whisper.cpp model, for developer/test deployments that don't have
// a model file on hand.
const mockModelScheme = "mock://"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadStt()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)
	logger = logger.With("subsystem", "sttd")

	// cfg.Database is accepted per the CLI surface but never opened here:
	// the SQLite configuration store is external, read-only, out-of-core
	// state (spec's external-collaborators list), consumed only by the
	// control plane this module doesn't implement.
	engine, err := loadEngine(cfg.Model, cfg.Threads)
	if err != nil {
		logger.Error("failed to load inference engine", "model", cfg.Model, "error", err)
		return 1
	}
	defer engine.Close()

	warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := inference.Warm(warmCtx, engine, warmupSamples); err != nil {
		warmCancel()
		logger.Error("warm-up inference failed", "error", err)
		return 1
	}
	warmCancel()
	logger.Info("inference engine warmed, entering running state", "model", cfg.Model, "threads", cfg.Threads)

	llmAddr := fmt.Sprintf("%s:%d", cfg.LlamaHost, cfg.LlamaPort)
	svc := sttshell.New(engine, llmAddr, 0, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		start := time.Now()
		collector := metrics.NewCollector(svc, nil, nil, nil, nil, start)
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, collector); err != nil {
				logger.Error("metrics server stopped with error", "error", err)
			}
		}()
	}

	logger.Info("stt service shell starting", "llm_addr", llmAddr)
	if err := svc.Run(ctx); err != nil {
		logger.Error("stt service shell exited with error", "error", err)
		return 1
	}
	logger.Info("stt service shell stopped")
	return 0
}

func loadEngine(model string, threads int) (inference.Engine, error) {
	if strings.HasPrefix(model, mockModelScheme) {
		return &mock.Engine{}, nil
	}
	return whisper.Load(model, whisper.Params{Language: "en", Threads: threads})
}
