package inbound

import (
	"testing"

	"github.com/flowpbx/audiofab/internal/dsp"
)

func speechFrame() []byte {
	frame := make([]byte, 160)
	for i := range frame {
		var f float32 = 0.5
		if i%2 == 1 {
			f = -0.5
		}
		frame[i] = dsp.LinearToUlaw(dsp.FloatToLinear(f))
	}
	return frame
}

func silenceFrame() []byte {
	frame := make([]byte, 160)
	for i := range frame {
		frame[i] = dsp.UlawSilence
	}
	return frame
}

func TestFeedFrameNoChunkOnSilence(t *testing.T) {
	p := New(1, nil, nil)
	for i := 0; i < 20; i++ {
		if out := p.feedFrame(silenceFrame()); out != nil {
			t.Fatalf("unexpected chunk on silence at frame %d", i)
		}
	}
}

func TestFeedFrameEmitsResampledChunk(t *testing.T) {
	p := New(1, nil, nil)
	var emitted []float32
	// Sustained speech, then silence long enough to trigger hangover emission.
	for i := 0; i < 50; i++ {
		p.feedFrame(speechFrame())
	}
	for i := 0; i < 50; i++ {
		if out := p.feedFrame(silenceFrame()); out != nil {
			emitted = out
			break
		}
	}
	if emitted == nil {
		t.Fatal("expected a chunk to be emitted")
	}
	if p.TotalChunksEmitted() != 1 {
		t.Fatalf("TotalChunksEmitted() = %d, want 1", p.TotalChunksEmitted())
	}
	// Chunk was produced at 8kHz and resampled to 16kHz: length should
	// roughly double relative to the 8kHz equivalent.
	if len(emitted) == 0 {
		t.Fatal("expected non-empty resampled chunk")
	}
}
