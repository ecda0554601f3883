// Package inbound implements the inbound audio processor (C3): it
// consumes mu-law frames from a SHM channel, runs them through VAD
// chunking, resamples completed chunks to the STT sample rate, and
// streams them to the STT over a length-prefixed TCP connection.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/audiofab/internal/dsp"
	"github.com/flowpbx/audiofab/internal/registration"
	"github.com/flowpbx/audiofab/internal/shmchannel"
	"github.com/flowpbx/audiofab/internal/vad"
	"github.com/flowpbx/audiofab/internal/wire"
)

const (
	shmPollInterval = 2 * time.Millisecond
	sttSampleRate   = 16000
	telephonyRate   = 8000
	vadWindowMs     = 20
)

// Processor is the per-call inbound audio pipeline. One Processor is
// created per active call and discarded at deactivation.
type Processor struct {
	callID int
	shm    *shmchannel.Channel
	vad    *vad.State
	logger *slog.Logger

	chunksEmitted atomic.Uint64
}

// New creates an inbound processor for callID, consuming frames from shm.
func New(callID int, shm *shmchannel.Channel, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		callID: callID,
		shm:    shm,
		vad:    vad.New(telephonyRate, vadWindowMs),
		logger: logger.With("subsystem", "inbound", "call_id", callID),
	}
}

// TotalChunksEmitted implements metrics.VadStats for this Processor's
// call: one apin process serves exactly one call.
func (p *Processor) TotalChunksEmitted() uint64 { return p.chunksEmitted.Load() }

// feedFrame decodes one mu-law SHM frame and pushes it through the VAD,
// returning a 16kHz float chunk whenever one is emitted. It contains no
// I/O and is the unit of this package's business logic.
func (p *Processor) feedFrame(frame []byte) []float32 {
	samples := make([]float32, len(frame))
	dsp.UlawFrameToFloat(samples, frame)

	chunk := p.vad.Push(samples)
	if chunk == nil {
		return nil
	}
	p.chunksEmitted.Add(1)
	return dsp.ResampleLinear(chunk, telephonyRate, sttSampleRate)
}

// Run accepts one inbound TCP connection per call from ln (the STT
// connects to us), sends HELLO, and pumps VAD chunks to it until ctx is
// cancelled. An empty SHM ring is simply polled again on the next tick;
// Run does not detect that the SHM channel has closed. If the connection drops, chunks
// are dropped and logged until a new connection arrives; VAD state is
// not reset by a connection drop.
func (p *Processor) Run(ctx context.Context, ln net.Listener) error {
	var mu sync.Mutex
	var conn net.Conn
	defer func() {
		mu.Lock()
		if conn != nil {
			conn.Close()
		}
		mu.Unlock()
	}()

	connCh := make(chan net.Conn)
	go p.acceptLoop(ctx, ln, connCh)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-connCh:
				if !ok {
					return
				}
				mu.Lock()
				if conn != nil {
					conn.Close()
				}
				conn = c
				mu.Unlock()
				adv := registration.NewAdvertisement(p.callID, sttListenPort(c), "stt-inbound", sttSampleRate, 1)
				p.logger.Info("stt client connected", "advertisement_id", adv.ID, "stream_type", adv.StreamType)
				if err := wire.WriteHello(c, fmt.Sprintf("%d", p.callID)); err != nil {
					p.logger.Warn("failed to send hello", "error", err)
				}
			}
		}
	}()

	ticker := time.NewTicker(shmPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.flushAndBye(&mu, &conn)
			return ctx.Err()
		case <-ticker.C:
			frame := p.shm.ReadFrame()
			if frame == nil {
				continue
			}
			out := p.feedFrame(frame)
			if out == nil {
				continue
			}
			p.sendChunk(&mu, &conn, out)
		}
	}
}

// sttListenPort extracts the local TCP port of an accepted connection, for
// the advisory advertisement record only; it is never consulted for
// routing.
func sttListenPort(c net.Conn) int {
	if addr, ok := c.LocalAddr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

func (p *Processor) acceptLoop(ctx context.Context, ln net.Listener, connCh chan<- net.Conn) {
	defer close(connCh)
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			p.logger.Warn("accept failed", "error", err)
			continue
		}
		select {
		case connCh <- c:
		case <-ctx.Done():
			c.Close()
			return
		}
	}
}

func (p *Processor) sendChunk(mu *sync.Mutex, conn *net.Conn, samples []float32) {
	mu.Lock()
	c := *conn
	mu.Unlock()

	if c == nil {
		p.logger.Warn("no client connected, dropping chunk", "samples", len(samples))
		return
	}
	if err := wire.WriteSTTChunk(c, samples); err != nil {
		p.logger.Warn("write failed, dropping connection until reconnect", "error", err)
		mu.Lock()
		if *conn == c {
			*conn = nil
		}
		mu.Unlock()
		c.Close()
	}
}

func (p *Processor) flushAndBye(mu *sync.Mutex, conn *net.Conn) {
	if final := p.vad.Flush(); final != nil {
		p.chunksEmitted.Add(1)
		resampled := dsp.ResampleLinear(final, telephonyRate, sttSampleRate)
		p.sendChunk(mu, conn, resampled)
	}
	mu.Lock()
	c := *conn
	mu.Unlock()
	if c != nil {
		if err := wire.WriteSTTBye(c); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			p.logger.Warn("failed to send bye", "error", err)
		}
	}
}
