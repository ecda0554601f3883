// Package whisper implements inference.Engine backed by the whisper.cpp
// Go bindings. The model is loaded once and shared across all sessions;
// each Process call creates a fresh per-call whisper context (contexts
// are not thread-safe, the model is), so callers still must serialize
// calls with the shared model mutex documented on inference.Engine.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/flowpbx/audiofab/internal/inference"
)

// Params are the fixed decoding parameters required by the session
// contract: greedy sampling, no timestamps, English, multi-threaded.
type Params struct {
	Language string
	Threads  int
}

// DefaultParams returns the decoding parameters every session task uses.
func DefaultParams() Params {
	return Params{Language: "en", Threads: 8}
}

// Engine wraps a loaded whisper.cpp model.
type Engine struct {
	model  whisper.Model
	params Params
}

// Ensure Engine implements inference.Engine at compile time.
var _ inference.Engine = (*Engine)(nil)

// Load reads the model file at modelPath and returns a ready Engine. This
// is the only point in the service where the model is loaded; callers
// warm it once with inference.Warm before serving traffic.
func Load(modelPath string, params Params) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: model path must not be empty")
	}
	model, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	if params.Language == "" {
		params.Language = "en"
	}
	if params.Threads <= 0 {
		params.Threads = 8
	}
	return &Engine{model: model, params: params}, nil
}

// Process runs one greedy, no-timestamp transcription over samples and
// returns the concatenated segment text. GPU offload and flash-attention
// flags are left at the binding's defaults; engines that don't support a
// given flag treat it as a no-op. Temperature fallback is disabled so a
// single greedy decode pass runs instead of whisper.cpp's default
// retry-at-higher-temperature ladder.
func (e *Engine) Process(ctx context.Context, samples []float32) (string, error) {
	wctx, err := e.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	defer wctx.Close()

	if err := wctx.SetLanguage(e.params.Language); err != nil {
		return "", fmt.Errorf("whisper: set language %q: %w", e.params.Language, err)
	}
	wctx.SetThreads(uint(e.params.Threads))
	wctx.SetTemperatureFallback(-1.0)
	wctx.SetSplitOnWord(true)
	wctx.SetTokenTimestamps(false)

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}

// Close releases the underlying model.
func (e *Engine) Close() error {
	return e.model.Close()
}
