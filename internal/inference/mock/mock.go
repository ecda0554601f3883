// Package mock provides a deterministic test double for inference.Engine.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowpbx/audiofab/internal/inference"
)

// ProcessCall records a single invocation of Engine.Process.
type ProcessCall struct {
	Samples []float32
}

// Engine is a mock implementation of inference.Engine. By default it
// returns a fixed string derived from the sample count so tests can
// assert something deterministic without wiring real audio content;
// set Text or TextFunc to control the response precisely.
type Engine struct {
	mu sync.Mutex

	// Text, if non-empty, is returned verbatim by every Process call.
	Text string

	// TextFunc, if non-nil, takes priority over Text and computes the
	// response from the samples passed to Process.
	TextFunc func(samples []float32) string

	// ProcessErr, if non-nil, is returned by every Process call.
	ProcessErr error

	// ProcessCalls records every call to Process in order.
	ProcessCalls []ProcessCall

	closed bool
}

// Ensure Engine implements inference.Engine at compile time.
var _ inference.Engine = (*Engine)(nil)

// Process records the call and returns Text/TextFunc output, or
// ProcessErr if set.
func (e *Engine) Process(_ context.Context, samples []float32) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp := make([]float32, len(samples))
	copy(cp, samples)
	e.ProcessCalls = append(e.ProcessCalls, ProcessCall{Samples: cp})

	if e.ProcessErr != nil {
		return "", e.ProcessErr
	}
	if e.TextFunc != nil {
		return e.TextFunc(samples), nil
	}
	if e.Text != "" {
		return e.Text, nil
	}
	return fmt.Sprintf("transcribed %d samples", len(samples)), nil
}

// Close marks the engine closed. Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Closed reports whether Close has been called. Thread-safe.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// CallCount returns the number of Process calls. Thread-safe.
func (e *Engine) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ProcessCalls)
}
