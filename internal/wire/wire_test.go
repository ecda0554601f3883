package wire

import (
	"bytes"
	"testing"
)

func TestHelloRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHello(&buf, "42"); err != nil {
		t.Fatalf("WriteHello: %v", err)
	}
	got, err := ReadHello(&buf)
	if err != nil {
		t.Fatalf("ReadHello: %v", err)
	}
	if got != "42" {
		t.Errorf("got %q, want %q", got, "42")
	}
}

func TestSTTChunkRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	samples := []float32{0.1, -0.2, 0.3, 0.0}
	if err := WriteSTTChunk(&buf, samples); err != nil {
		t.Fatalf("WriteSTTChunk: %v", err)
	}
	got, isBye, err := ReadSTTChunk(&buf)
	if err != nil {
		t.Fatalf("ReadSTTChunk: %v", err)
	}
	if isBye {
		t.Fatal("unexpected BYE")
	}
	if len(got) != len(samples) {
		t.Fatalf("len = %d, want %d", len(got), len(samples))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], samples[i])
		}
	}
}

func TestSTTChunkBye(t *testing.T) {
	for _, sentinel := range []uint32{byeZero, byeSentinel} {
		var buf bytes.Buffer
		buf.Write([]byte{byte(sentinel >> 24), byte(sentinel >> 16), byte(sentinel >> 8), byte(sentinel)})
		_, isBye, err := ReadSTTChunk(&buf)
		if err != nil {
			t.Fatalf("ReadSTTChunk: %v", err)
		}
		if !isBye {
			t.Errorf("sentinel %#x: expected BYE", sentinel)
		}
	}
}

func TestSTTChunkShortReadIsFatal(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 8}) // declares 8 bytes, provides none
	_, _, err := ReadSTTChunk(&buf)
	if err == nil {
		t.Fatal("expected error on short read")
	}
}

func TestTTSChunkRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	chunk := TTSChunk{SampleRate: 22050, ChunkID: 7, Payload: []byte("hello world")}
	if err := WriteTTSChunk(&buf, chunk); err != nil {
		t.Fatalf("WriteTTSChunk: %v", err)
	}
	got, isBye, err := ReadTTSChunk(&buf)
	if err != nil {
		t.Fatalf("ReadTTSChunk: %v", err)
	}
	if isBye {
		t.Fatal("unexpected BYE")
	}
	if got.SampleRate != chunk.SampleRate || got.ChunkID != chunk.ChunkID || !bytes.Equal(got.Payload, chunk.Payload) {
		t.Errorf("got %+v, want %+v", got, chunk)
	}
}

func TestTTSChunkBye(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteTTSBye(&buf); err != nil {
		t.Fatalf("WriteTTSBye: %v", err)
	}
	_, isBye, err := ReadTTSChunk(&buf)
	if err != nil {
		t.Fatalf("ReadTTSChunk: %v", err)
	}
	if !isBye {
		t.Fatal("expected BYE")
	}
}

func TestTTSChunkTooLarge(t *testing.T) {
	var buf bytes.Buffer
	tooBig := uint32(MaxChunkBytes + 1)
	buf.Write([]byte{byte(tooBig >> 24), byte(tooBig >> 16), byte(tooBig >> 8), byte(tooBig)})
	_, _, err := ReadTTSChunk(&buf)
	if err != ErrFrameTooLarge {
		t.Fatalf("got %v, want ErrFrameTooLarge", err)
	}
}

func TestTTSChunkDuplicateStillConsumesPayload(t *testing.T) {
	// Simulate two chunks back to back; reading the first (a "duplicate" in
	// caller logic) must fully consume its payload so the second is framed
	// correctly regardless of what the caller does with the first.
	var buf bytes.Buffer
	_ = WriteTTSChunk(&buf, TTSChunk{SampleRate: 8000, ChunkID: 2, Payload: []byte("dup")})
	_ = WriteTTSChunk(&buf, TTSChunk{SampleRate: 8000, ChunkID: 3, Payload: []byte("next")})

	first, _, err := ReadTTSChunk(&buf)
	if err != nil {
		t.Fatalf("ReadTTSChunk (1): %v", err)
	}
	if first.ChunkID != 2 {
		t.Fatalf("first.ChunkID = %d, want 2", first.ChunkID)
	}

	second, _, err := ReadTTSChunk(&buf)
	if err != nil {
		t.Fatalf("ReadTTSChunk (2): %v", err)
	}
	if second.ChunkID != 3 || string(second.Payload) != "next" {
		t.Fatalf("second = %+v, want ChunkID=3 Payload=next", second)
	}
}

func TestTextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteText(&buf, "Hello there"); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	got, isBye, err := ReadText(&buf)
	if err != nil {
		t.Fatalf("ReadText: %v", err)
	}
	if isBye {
		t.Fatal("unexpected BYE")
	}
	if got != "Hello there" {
		t.Errorf("got %q, want %q", got, "Hello there")
	}
}

func TestTextBye(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteTextBye(&buf); err != nil {
		t.Fatalf("WriteTextBye: %v", err)
	}
	_, isBye, err := ReadText(&buf)
	if err != nil {
		t.Fatalf("ReadText: %v", err)
	}
	if !isBye {
		t.Fatal("expected BYE")
	}
}
