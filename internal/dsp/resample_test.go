package dsp

import "testing"

func TestResampleLinearSameRate(t *testing.T) {
	src := []float32{0.1, 0.2, 0.3}
	out := ResampleLinear(src, 8000, 8000)
	if len(out) != len(src) {
		t.Fatalf("len = %d, want %d", len(out), len(src))
	}
	for i := range src {
		if out[i] != src[i] {
			t.Errorf("index %d: got %v, want %v", i, out[i], src[i])
		}
	}
}

func TestResampleLinearUpsample(t *testing.T) {
	src := make([]float32, 160) // 20ms @ 8kHz
	out := ResampleLinear(src, 8000, 16000)
	want := 320 // 20ms @ 16kHz
	if len(out) != want {
		t.Fatalf("len = %d, want %d", len(out), want)
	}
}

func TestResampleLinearRoundTrip(t *testing.T) {
	// resample_linear(resample_linear(x, 8k, 16k), 16k, 8k) preserves len
	// within +/-1 sample.
	src := make([]float32, 800) // 100ms @ 8kHz
	for i := range src {
		src[i] = float32(i%100) / 100.0
	}
	up := ResampleLinear(src, 8000, 16000)
	down := ResampleLinear(up, 16000, 8000)

	diff := len(down) - len(src)
	if diff < 0 {
		diff = -diff
	}
	if diff > 1 {
		t.Fatalf("round-trip length = %d, want within 1 of %d", len(down), len(src))
	}
}

func TestResampleLinearEmpty(t *testing.T) {
	out := ResampleLinear(nil, 8000, 16000)
	if out != nil {
		t.Fatalf("got %v, want nil for empty input", out)
	}
}

func TestLowpassTelephonyPreservesLength(t *testing.T) {
	in := make([]float32, 160)
	for i := range in {
		in[i] = float32(i) / 160.0
	}
	out := LowpassTelephony(in)
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
}

func TestLowpassTelephonyConstantSignal(t *testing.T) {
	// A DC signal should pass through unchanged since the coefficients sum to 1.0.
	in := make([]float32, 20)
	for i := range in {
		in[i] = 0.5
	}
	out := LowpassTelephony(in)
	for i, v := range out {
		if v < 0.499 || v > 0.501 {
			t.Errorf("index %d: got %v, want ~0.5", i, v)
		}
	}
}
