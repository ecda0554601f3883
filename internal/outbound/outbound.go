// Package outbound implements the outbound audio processor (C4): it
// waits for a REGISTER handshake, connects to the TTS server, converts
// incoming float audio to telephony mu-law, and paces fixed 160-byte
// frames into a SHM channel every 20ms regardless of whether TTS has
// delivered anything yet.
package outbound

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/audiofab/internal/dsp"
	"github.com/flowpbx/audiofab/internal/registration"
	"github.com/flowpbx/audiofab/internal/shmchannel"
	"github.com/flowpbx/audiofab/internal/wire"
)

const (
	frameSize        = 160
	tickInterval     = 20 * time.Millisecond
	telephonyRate    = 8000
	queueCapBytes    = 600 * frameSize // ~12s soft cap
	ttsConnectTries  = 10
	registerUDPTimeo = 30 * time.Second
)

// backoff returns a jittered 50-200ms retry delay for the TTS TCP
// connect, per the bounded-retry contract.
func backoff(attempt int) time.Duration {
	return 50*time.Millisecond + time.Duration(rand.IntN(150))*time.Millisecond
}

// Processor is the per-call outbound audio pipeline.
type Processor struct {
	callID int
	shm    *shmchannel.Channel
	logger *slog.Logger

	mu          sync.Mutex
	queue       []byte
	haveChunkID bool
	lastChunkID uint32

	queueTrims   atomic.Uint64
	ticksEmitted atomic.Uint64
	missedTicks  atomic.Uint64

	// testTone is an optional pre-loaded mu-law clip cycled as fill,
	// instead of plain silence, on every tick where fewer than frameSize
	// bytes are queued; whether a TTS connection is established is not
	// consulted. Nil by default; callers may set it for diagnostics. It is
	// not a contract the production deployment is known to rely on.
	testTone []byte
	tonePos  int
}

// New creates an outbound processor for callID, writing paced frames
// into shm.
func New(callID int, shm *shmchannel.Channel, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		callID: callID,
		shm:    shm,
		logger: logger.With("subsystem", "outbound", "call_id", callID),
	}
}

// TotalQueueTrims implements metrics.OutboundQueueStats.
func (p *Processor) TotalQueueTrims() uint64 { return p.queueTrims.Load() }

// QueuedFrames implements metrics.OutboundQueueStats.
func (p *Processor) QueuedFrames() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) / frameSize
}

// TicksEmitted implements metrics.PacerStats.
func (p *Processor) TicksEmitted() uint64 { return p.ticksEmitted.Load() }

// MissedTicks implements metrics.PacerStats.
func (p *Processor) MissedTicks() uint64 { return p.missedTicks.Load() }

// SetTestTone installs a mu-law clip cycled as fill instead of silence
// whenever the queue holds less than one frame, connected to TTS or not.
func (p *Processor) SetTestTone(tone []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.testTone = tone
	p.tonePos = 0
}

// WaitForRegister blocks (up to registerUDPTimeo) on a UDP listener for
// this call's REGISTER datagram. It returns once REGISTER:<id> arrives.
func WaitForRegister(ctx context.Context, callID int) error {
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: registration.OutboundRegistrationPort(callID)}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("outbound: listening for register: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(registerUDPTimeo)
	buf := make([]byte, 256)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		if time.Now().After(deadline) {
			return fmt.Errorf("outbound: timed out waiting for register:%d", callID)
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("outbound: reading register datagram: %w", err)
		}
		dg, err := registration.Parse(buf[:n])
		if err != nil {
			continue
		}
		if dg.Verb == registration.VerbRegister && dg.CallID == callID {
			return nil
		}
	}
}

// ConnectTTS dials the TTS server for this call with bounded retries and
// 50-200ms backoff, then sends the HELLO preamble.
func ConnectTTS(ctx context.Context, callID int) (net.Conn, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", registration.OutboundAudioPort(callID))
	var lastErr error
	for attempt := 0; attempt < ttsConnectTries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err == nil {
			if err := wire.WriteHello(conn, fmt.Sprintf("%d", callID)); err != nil {
				conn.Close()
				return nil, fmt.Errorf("outbound: sending hello: %w", err)
			}
			adv := registration.NewAdvertisement(callID, registration.OutboundAudioPort(callID), "tts-outbound", telephonyRate, 1)
			slog.Default().Info("tts connected", "advertisement_id", adv.ID, "call_id", callID, "stream_type", adv.StreamType)
			return conn, nil
		}
		lastErr = err
		select {
		case <-time.After(backoff(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("outbound: connecting to tts after %d attempts: %w", ttsConnectTries, lastErr)
}

// ReceiveLoop reads TTS chunks from conn until BYE, EOF, or ctx
// cancellation, converting and enqueueing each into the pacer's queue.
func (p *Processor) ReceiveLoop(ctx context.Context, conn net.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		chunk, isBye, err := wire.ReadTTSChunk(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("outbound: reading tts chunk: %w", err)
		}
		if isBye {
			return nil
		}
		p.handleChunk(chunk)
	}
}

func (p *Processor) handleChunk(chunk wire.TTSChunk) {
	p.mu.Lock()
	duplicate := p.haveChunkID && chunk.ChunkID <= p.lastChunkID
	if !duplicate {
		p.haveChunkID = true
		p.lastChunkID = chunk.ChunkID
	}
	p.mu.Unlock()

	if duplicate {
		p.logger.Debug("discarding duplicate tts chunk", "chunk_id", chunk.ChunkID)
		return
	}

	mulaw := p.convert(chunk)
	p.enqueue(mulaw)
}

// convert runs the float-audio conversion pipeline: low-pass (if above
// telephony rate), resample to 8kHz, mu-law encode. Payloads whose byte
// length isn't a multiple of 4 are treated as pre-encoded mu-law and
// passed through verbatim.
func (p *Processor) convert(chunk wire.TTSChunk) []byte {
	if len(chunk.Payload)%4 != 0 {
		return chunk.Payload
	}

	samples := decodeFloat32LE(chunk.Payload)
	if chunk.SampleRate > telephonyRate {
		samples = dsp.LowpassTelephony(samples)
	}
	samples = dsp.ResampleLinear(samples, int(chunk.SampleRate), telephonyRate)

	out := make([]byte, len(samples))
	dsp.FloatFrameToUlaw(out, samples)
	return out
}

func decodeFloat32LE(payload []byte) []float32 {
	out := make([]float32, len(payload)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(payload[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func (p *Processor) enqueue(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, data...)
	if over := len(p.queue) - queueCapBytes; over > 0 {
		p.queue = p.queue[over:]
		p.queueTrims.Add(1)
		p.logger.Warn("outbound queue overflow, trimmed oldest bytes", "trimmed", over)
	}
}

// nextFillFrame returns the next frame to emit when the queue has fewer
// than frameSize bytes available: the test tone if installed, otherwise
// mu-law silence.
func (p *Processor) nextFillFrame() []byte {
	if len(p.testTone) == 0 {
		frame := make([]byte, frameSize)
		for i := range frame {
			frame[i] = dsp.UlawSilence
		}
		return frame
	}
	frame := make([]byte, frameSize)
	for i := range frame {
		frame[i] = p.testTone[p.tonePos]
		p.tonePos = (p.tonePos + 1) % len(p.testTone)
	}
	return frame
}

// nextFrame drains frameSize bytes from the queue, or produces a fill
// frame if fewer than frameSize bytes are queued.
func (p *Processor) nextFrame() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) >= frameSize {
		frame := append([]byte(nil), p.queue[:frameSize]...)
		p.queue = p.queue[frameSize:]
		return frame
	}
	return p.nextFillFrame()
}

// RunPacer emits exactly one 160-byte frame into the SHM channel every
// 20ms, using absolute-time scheduling so per-tick processing overhead
// does not accumulate drift. It runs until ctx is cancelled.
func (p *Processor) RunPacer(ctx context.Context) error {
	start := time.Now()
	var tick uint64

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		frame := p.nextFrame()
		if err := p.shm.WriteFrame(frame); err != nil {
			p.logger.Error("writing frame to shm failed", "error", err)
		}
		tick++
		p.ticksEmitted.Add(1)

		expected := start.Add(time.Duration(tick) * tickInterval)
		sleep := time.Until(expected)
		if sleep <= 0 {
			p.missedTicks.Add(1)
			continue
		}
		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
