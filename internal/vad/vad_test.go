package vad

import "testing"

func speechWindow(n int, amplitude float32) []float32 {
	w := make([]float32, n)
	for i := range w {
		if i%2 == 0 {
			w[i] = amplitude
		} else {
			w[i] = -amplitude
		}
	}
	return w
}

func silenceWindow(n int) []float32 {
	return make([]float32, n)
}

func TestIdleStaysIdleOnSilence(t *testing.T) {
	s := New(8000, 20)
	for i := 0; i < 50; i++ {
		if chunk := s.Push(silenceWindow(160)); chunk != nil {
			t.Fatalf("unexpected chunk emitted on silence at window %d", i)
		}
	}
}

func TestSpeechOnsetEntersSpeaking(t *testing.T) {
	s := New(8000, 20)
	s.Push(speechWindow(160, 0.5))
	if s.phase != phaseSpeaking {
		t.Fatalf("phase = %v, want phaseSpeaking", s.phase)
	}
	if len(s.current) == 0 {
		t.Fatal("expected current chunk to be non-empty after onset")
	}
}

func TestHangoverEmitsChunk(t *testing.T) {
	s := New(8000, 20)
	// 1s of speech (50 windows) satisfies min_chunk (0.8s).
	var emitted []float32
	for i := 0; i < 50; i++ {
		if c := s.Push(speechWindow(160, 0.5)); c != nil {
			emitted = c
		}
	}
	// Now silence for longer than the hangover window (45 windows @ 20ms).
	for i := 0; i < 50; i++ {
		if c := s.Push(silenceWindow(160)); c != nil {
			emitted = c
			break
		}
	}
	if emitted == nil {
		t.Fatal("expected a chunk to be emitted after hangover")
	}
	minSamples := 8000 * 800 / 1000
	if len(emitted) < minSamples {
		t.Errorf("emitted chunk len %d below min_chunk %d", len(emitted), minSamples)
	}
	if s.phase != phaseIdle {
		t.Errorf("phase after emit = %v, want phaseIdle", s.phase)
	}
}

func TestHardCapEmitsAtMaxChunk(t *testing.T) {
	s := New(8000, 20)
	maxSamples := 8000 * 4000 / 1000
	var emitted []float32
	// Continuous speech with no silence, long enough to hit the hard cap.
	for i := 0; i < 300; i++ {
		if c := s.Push(speechWindow(160, 0.5)); c != nil {
			emitted = c
			break
		}
	}
	if emitted == nil {
		t.Fatal("expected hard cap to emit a chunk")
	}
	if len(emitted) < maxSamples {
		t.Errorf("emitted chunk len %d below max_chunk %d", len(emitted), maxSamples)
	}
}

func TestFlushEmitsPartialChunk(t *testing.T) {
	s := New(8000, 20)
	for i := 0; i < 10; i++ {
		s.Push(speechWindow(160, 0.5))
	}
	chunk := s.Flush()
	if chunk == nil {
		t.Fatal("expected Flush to emit the in-progress chunk")
	}
	if s.phase != phaseIdle {
		t.Errorf("phase after flush = %v, want phaseIdle", s.phase)
	}
}

func TestFlushNoopWhenIdle(t *testing.T) {
	s := New(8000, 20)
	if chunk := s.Flush(); chunk != nil {
		t.Fatal("expected no chunk from Flush while idle")
	}
}

func TestTailOverlapCarriedIntoNextChunk(t *testing.T) {
	s := New(8000, 20)
	// Long enough speech to clear min_chunk, then silence to trigger the
	// hangover emit.
	for i := 0; i < 50; i++ {
		s.Push(speechWindow(160, 0.5))
	}
	var emitted []float32
	for i := 0; i < 50; i++ {
		if c := s.Push(silenceWindow(160)); c != nil {
			emitted = c
			break
		}
	}
	if emitted == nil {
		t.Fatal("expected first chunk to be emitted by hangover")
	}

	overlap := s.tailOverlapSamples
	if overlap > len(emitted) {
		overlap = len(emitted)
	}
	wantSeed := append([]float32(nil), emitted[len(emitted)-overlap:]...)

	// Trigger a fresh onset. The pre-roll ring was reset by emit(), so its
	// only content is the onset window itself.
	onset := speechWindow(160, 0.9)
	s.Push(onset)

	wantLen := len(onset) + len(wantSeed) + len(onset)
	if len(s.current) != wantLen {
		t.Fatalf("current len = %d, want %d (preroll %d + seed %d + window %d)",
			len(s.current), wantLen, len(onset), len(wantSeed), len(onset))
	}
	gotSeed := s.current[len(onset) : len(onset)+len(wantSeed)]
	for i := range wantSeed {
		if gotSeed[i] != wantSeed[i] {
			t.Fatalf("tail-overlap seed not carried into next chunk at sample %d: got %v, want %v", i, gotSeed[i], wantSeed[i])
		}
	}
}

func TestPrerollPrependedAtOnset(t *testing.T) {
	s := New(8000, 20)
	// Feed silence to fill the pre-roll ring, then trigger onset.
	prerollWindows := s.preRollSamples / 160
	for i := 0; i < prerollWindows; i++ {
		s.Push(silenceWindow(160))
	}
	s.Push(speechWindow(160, 0.5))
	if len(s.current) <= 160 {
		t.Errorf("expected pre-roll to be prepended, got chunk len %d", len(s.current))
	}
}
