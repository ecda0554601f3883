// Package inference defines the narrow, provider-agnostic interface the
// STT service shell uses to run transcription. It intentionally exposes
// nothing about model internals: a single process call taking float32
// mono PCM and returning text. Concrete backends live in subpackages
// (whisper, mock).
package inference

import "context"

// Engine is a single shared, pre-loaded inference context. One Engine
// instance is created per process at startup and shared by every
// session; callers are responsible for serializing concurrent Process
// calls with a single mutex, per the shared-model contract.
type Engine interface {
	// Process transcribes samples (mono float32 PCM at the engine's
	// configured sample rate) and returns the concatenated segment text.
	// Process is not safe to call concurrently with itself; callers must
	// hold the model mutex for the duration of the call.
	Process(ctx context.Context, samples []float32) (string, error)

	// Close releases the underlying model and any per-engine resources.
	Close() error
}

// Warm runs one silent inference to materialize kernels and working
// tensors before the service reports itself as running. durationSamples
// is the number of zero samples to synthesize (1 s at 16 kHz is the
// conventional warm-up clip).
func Warm(ctx context.Context, e Engine, durationSamples int) error {
	silence := make([]float32, durationSamples)
	_, err := e.Process(ctx, silence)
	return err
}
