// Package wire implements the three length-prefixed TCP framing formats
// used by the audio-plane fabric: the STT-inbound audio stream, the
// TTS-outbound audio stream, and the STT-to-LLM text stream. All three
// share a HELLO preamble and a big-endian length prefix; only the payload
// shape differs.
//
// Every Read function treats a short read of the payload as a fatal
// framing error (wrapping io.ErrUnexpectedEOF, or io.EOF when no payload
// byte arrives at all), matching the "receiver MUST read
// exactly byte_length bytes; partial reads are a fatal connection error"
// contract. Callers close the connection on any error from this package.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxChunkBytes is the largest payload this package will read before
// declaring a fatal framing error. Guards against a corrupt or malicious
// length prefix causing an unbounded allocation.
const MaxChunkBytes = 10 * 1024 * 1024

// ErrFrameTooLarge is returned when a declared payload length exceeds
// MaxChunkBytes.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// byeZero and byeSentinel are the two BYE length values. The STT-inbound
// audio stream accepts either (WriteSTTBye sends byeSentinel); the
// STT->LLM text stream uses only byeSentinel, and the TTS-outbound stream
// only byeZero (see ReadTTSChunk).
const (
	byeZero     uint32 = 0x00000000
	byeSentinel uint32 = 0xFFFFFFFF
)

// WriteHello sends the HELLO preamble: a big-endian u32 length followed by
// the ASCII/UTF-8 call_id.
func WriteHello(w io.Writer, callID string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(callID))); err != nil {
		return fmt.Errorf("wire: writing hello length: %w", err)
	}
	if _, err := io.WriteString(w, callID); err != nil {
		return fmt.Errorf("wire: writing hello payload: %w", err)
	}
	return nil
}

// ReadHello reads the HELLO preamble and returns the call_id it carries.
func ReadHello(r io.Reader) (string, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", fmt.Errorf("wire: reading hello length: %w", err)
	}
	if length > MaxChunkBytes {
		return "", ErrFrameTooLarge
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("wire: reading hello payload: %w", err)
	}
	return string(buf), nil
}

// WriteSTTChunk sends one chunk of float32 little-endian audio samples to
// the STT, framed as a big-endian u32 byte length followed by the samples.
func WriteSTTChunk(w io.Writer, samples []float32) error {
	byteLen := uint32(len(samples) * 4)
	if err := binary.Write(w, binary.BigEndian, byteLen); err != nil {
		return fmt.Errorf("wire: writing stt chunk length: %w", err)
	}
	buf := make([]byte, byteLen)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], float32bits(s))
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("wire: writing stt chunk payload: %w", err)
	}
	return nil
}

// WriteSTTBye sends the BYE sentinel that terminates an STT-inbound stream.
func WriteSTTBye(w io.Writer) error {
	return binary.Write(w, binary.BigEndian, byeSentinel)
}

// ReadSTTChunk reads one frame of the STT-inbound stream. If the frame is a
// BYE sentinel (length 0 or 0xFFFFFFFF), isBye is true and samples is nil.
func ReadSTTChunk(r io.Reader) (samples []float32, isBye bool, err error) {
	var byteLen uint32
	if err := binary.Read(r, binary.BigEndian, &byteLen); err != nil {
		return nil, false, fmt.Errorf("wire: reading stt chunk length: %w", err)
	}
	if byteLen == byeZero || byteLen == byeSentinel {
		return nil, true, nil
	}
	if byteLen > MaxChunkBytes {
		return nil, false, ErrFrameTooLarge
	}
	if byteLen%4 != 0 {
		return nil, false, fmt.Errorf("wire: stt chunk length %d not a multiple of 4", byteLen)
	}
	buf := make([]byte, byteLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, false, fmt.Errorf("wire: reading stt chunk payload: %w", err)
	}
	samples = make([]float32, byteLen/4)
	for i := range samples {
		samples[i] = float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return samples, false, nil
}

// TTSChunk is one frame of the TTS-outbound stream: a fixed sample rate,
// codec-agnostic payload, and a monotonic chunk id used to detect and
// discard duplicates.
type TTSChunk struct {
	SampleRate uint32
	ChunkID    uint32
	Payload    []byte
}

// WriteTTSChunk sends one TTS-outbound frame: byte_length || sample_rate ||
// chunk_id || payload, all big-endian.
func WriteTTSChunk(w io.Writer, c TTSChunk) error {
	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(c.Payload)))
	binary.BigEndian.PutUint32(hdr[4:8], c.SampleRate)
	binary.BigEndian.PutUint32(hdr[8:12], c.ChunkID)
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("wire: writing tts chunk header: %w", err)
	}
	if _, err := w.Write(c.Payload); err != nil {
		return fmt.Errorf("wire: writing tts chunk payload: %w", err)
	}
	return nil
}

// WriteTTSBye sends the BYE frame that terminates a TTS-outbound stream: a
// literal zero chunk_length with no further header fields.
func WriteTTSBye(w io.Writer) error {
	return binary.Write(w, binary.BigEndian, byeZero)
}

// ReadTTSChunk reads one frame of the TTS-outbound stream. If the frame is
// the BYE sentinel (chunk_length == 0), isBye is true. The payload is
// always fully read and returned even when the caller will discard it as a
// duplicate, preserving wire framing per the duplicate-chunk contract.
func ReadTTSChunk(r io.Reader) (chunk TTSChunk, isBye bool, err error) {
	var chunkLen uint32
	if err := binary.Read(r, binary.BigEndian, &chunkLen); err != nil {
		return TTSChunk{}, false, fmt.Errorf("wire: reading tts chunk length: %w", err)
	}
	if chunkLen == byeZero {
		return TTSChunk{}, true, nil
	}
	if chunkLen > MaxChunkBytes {
		return TTSChunk{}, false, ErrFrameTooLarge
	}

	var rateAndID [8]byte
	if _, err := io.ReadFull(r, rateAndID[:]); err != nil {
		return TTSChunk{}, false, fmt.Errorf("wire: reading tts chunk header: %w", err)
	}
	sampleRate := binary.BigEndian.Uint32(rateAndID[0:4])
	chunkID := binary.BigEndian.Uint32(rateAndID[4:8])

	payload := make([]byte, chunkLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return TTSChunk{}, false, fmt.Errorf("wire: reading tts chunk payload: %w", err)
	}

	return TTSChunk{SampleRate: sampleRate, ChunkID: chunkID, Payload: payload}, false, nil
}

// WriteText sends one STT->LLM text message: u32 length || utf8 text.
func WriteText(w io.Writer, text string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(text))); err != nil {
		return fmt.Errorf("wire: writing text length: %w", err)
	}
	if _, err := io.WriteString(w, text); err != nil {
		return fmt.Errorf("wire: writing text payload: %w", err)
	}
	return nil
}

// WriteTextBye sends the sentinel that terminates an STT->LLM text stream.
func WriteTextBye(w io.Writer) error {
	return binary.Write(w, binary.BigEndian, byeSentinel)
}

// ReadText reads one STT->LLM text message. isBye is true when the length
// prefix is the 0xFFFFFFFF sentinel.
func ReadText(r io.Reader) (text string, isBye bool, err error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", false, fmt.Errorf("wire: reading text length: %w", err)
	}
	if length == byeSentinel {
		return "", true, nil
	}
	if length > MaxChunkBytes {
		return "", false, ErrFrameTooLarge
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", false, fmt.Errorf("wire: reading text payload: %w", err)
	}
	return string(buf), false, nil
}
