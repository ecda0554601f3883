// Package sttshell implements the STT service shell (C5): a single
// process hosting one warmed inference context and an unbounded number
// of concurrent per-call sessions. It listens for REGISTER/BYE
// datagrams, connects out to each call's inbound audio stream, runs
// transcription serialized behind one model mutex, and forwards text
// downstream to the LLM over a reused TCP connection per call.
package sttshell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"

	"github.com/flowpbx/audiofab/internal/inference"
	"github.com/flowpbx/audiofab/internal/postproc"
	"github.com/flowpbx/audiofab/internal/registration"
	"github.com/flowpbx/audiofab/internal/wire"
)

const (
	registrationRecvBufferBytes = 256 * 1024
	registrationReadTimeout     = 1 * time.Second
	audioConnectTimeout         = 2 * time.Second
	llmConnectTimeout           = 2 * time.Second
	llmConnectRetries           = 10
	llmFastRetries              = 5
	llmFastBackoff              = 200 * time.Millisecond
	llmSlowBackoff              = 1 * time.Second
	idleSweepInterval           = 30 * time.Second
	defaultIdleTimeout          = 5 * time.Minute
)

// callState tracks one call_id's lifecycle from REGISTER through an
// active session to closure. A single map entry plays the role of both
// the "reservation" and the "session" in the state diagram: it exists
// from the moment REGISTER is accepted until the call is torn down,
// which is also what lets a duplicate REGISTER be rejected by a single
// LoadOrStore instead of juggling two separate maps.
type callState struct {
	callID int

	mu        sync.Mutex
	audioConn net.Conn // nil until the outbound connect task succeeds
	cancel    context.CancelFunc

	lastActivity atomic.Int64 // unix nanos, zero until the session is active

	transMu       sync.Mutex
	transcription string
}

func (st *callState) touch() {
	st.lastActivity.Store(time.Now().UnixNano())
}

func (st *callState) setAudioConn(conn net.Conn) {
	st.mu.Lock()
	st.audioConn = conn
	st.mu.Unlock()
}

func (st *callState) closeAudioConn() {
	st.mu.Lock()
	conn := st.audioConn
	st.audioConn = nil
	st.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Service is the STT service shell: one warmed engine shared by every
// call, serialized behind modelMu.
type Service struct {
	engine      inference.Engine
	modelMu     sync.Mutex
	llmAddr     string
	idleTimeout time.Duration
	logger      *slog.Logger

	calls    *xsync.Map[int, *callState]
	llmConns *xsync.Map[int, net.Conn]

	activeSessions atomic.Int64
}

// New creates a service shell around a pre-warmed engine, forwarding
// transcriptions to llmAddr (host:port). idleTimeout of zero uses the
// 5-minute default from the cleanup contract.
func New(engine inference.Engine, llmAddr string, idleTimeout time.Duration, logger *slog.Logger) *Service {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:      engine,
		llmAddr:     llmAddr,
		idleTimeout: idleTimeout,
		logger:      logger.With("subsystem", "sttshell"),
		calls:       xsync.NewMap[int, *callState](),
		llmConns:    xsync.NewMap[int, net.Conn](),
	}
}

// ActiveSessionCount implements metrics.SessionCounter.
func (s *Service) ActiveSessionCount() int { return int(s.activeSessions.Load()) }

// Run starts the registration listener and the idle-session sweep and
// blocks until ctx is cancelled or either loop fails fatally. On return
// it closes every outstanding connection.
func (s *Service) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.registrationLoop(gctx) })
	group.Go(func() error { return s.idleSweepLoop(gctx) })

	err := group.Wait()
	s.closeAll()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) closeAll() {
	s.calls.Range(func(callID int, st *callState) bool {
		st.closeAudioConn()
		if st.cancel != nil {
			st.cancel()
		}
		return true
	})
	s.llmConns.Range(func(callID int, conn net.Conn) bool {
		conn.Close()
		return true
	})
}

// registrationLoop owns the UDP REGISTER/BYE listener on 13000. It
// never blocks on downstream I/O: REGISTER spawns a detached connect
// task and returns to the recv loop immediately.
func (s *Service) registrationLoop(ctx context.Context) error {
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: registration.SttRegistrationPort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("sttshell: opening registration listener: %w", err)
	}
	defer conn.Close()

	if err := conn.SetReadBuffer(registrationRecvBufferBytes); err != nil {
		s.logger.Warn("failed to enlarge registration socket receive buffer", "error", err)
	}

	buf := make([]byte, 512)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(registrationReadTimeout))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("sttshell: reading registration datagram: %w", err)
		}

		dg, err := registration.Parse(buf[:n])
		if err != nil {
			s.logger.Warn("discarding malformed registration datagram", "error", err)
			continue
		}
		switch dg.Verb {
		case registration.VerbRegister:
			s.handleRegister(ctx, dg.CallID)
		case registration.VerbBye:
			s.handleBye(dg.CallID)
		}
	}
}

func (s *Service) handleRegister(ctx context.Context, callID int) {
	st := &callState{callID: callID}
	_, loaded := s.calls.LoadOrStore(callID, st)
	if loaded {
		s.logger.Debug("ignoring register for already-known call", "call_id", callID)
		return
	}
	go s.connectAndRun(ctx, st)
}

func (s *Service) handleBye(callID int) {
	st, ok := s.calls.Load(callID)
	if !ok {
		return
	}
	st.closeAudioConn()
	if st.cancel != nil {
		st.cancel()
	}
}

// connectAndRun is the per-call connection task: it dials the inbound
// audio processor, reads its HELLO, runs the session loop, and on any
// exit path erases the reservation/session entry. This is the only
// place that deletes from s.calls, so a BYE racing a slow connect
// cannot orphan or double-free the map entry.
func (s *Service) connectAndRun(parentCtx context.Context, st *callState) {
	ctx, cancel := context.WithCancel(parentCtx)
	st.cancel = cancel
	defer s.cleanupCall(st)
	defer cancel()

	addr := fmt.Sprintf("127.0.0.1:%d", registration.InboundAudioPort(st.callID))
	dialCtx, dialCancel := context.WithTimeout(ctx, audioConnectTimeout)
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
	dialCancel()
	if err != nil {
		s.logger.Warn("connecting to inbound audio stream failed", "call_id", st.callID, "error", err)
		return
	}
	st.setAudioConn(conn)
	st.touch()

	if peerID, err := wire.ReadHello(conn); err != nil {
		s.logger.Warn("reading hello from audio stream failed", "call_id", st.callID, "error", err)
		return
	} else if peerID != strconv.Itoa(st.callID) {
		s.logger.Warn("hello call_id mismatch, continuing anyway", "call_id", st.callID, "hello", peerID)
	}

	s.activeSessions.Add(1)
	defer s.activeSessions.Add(-1)

	s.sessionLoop(ctx, st, conn)
}

// cleanupCall removes st from the sessions map (only if it is still the
// current occupant, so a fresh REGISTER that raced in after a BYE is
// never clobbered) and closes its audio connection.
func (s *Service) cleanupCall(st *callState) {
	if cur, ok := s.calls.Load(st.callID); ok && cur == st {
		s.calls.Delete(st.callID)
	}
	st.closeAudioConn()
}

// sessionLoop reads STT chunks until BYE, EOF, or cancellation,
// transcribing each and forwarding new text to the LLM.
func (s *Service) sessionLoop(ctx context.Context, st *callState, conn net.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		samples, isBye, err := wire.ReadSTTChunk(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("reading stt chunk failed", "call_id", st.callID, "error", err)
			}
			return
		}
		if isBye {
			return
		}

		text, err := s.processAudio(ctx, st, samples)
		if err != nil {
			s.logger.Warn("inference failed", "call_id", st.callID, "error", err)
			continue
		}
		if text == "" {
			continue
		}
		s.forwardToLLM(ctx, st.callID, text)
	}
}

// processAudio implements Session.process_audio: it updates
// last_activity, serializes the call into the engine under the shared
// model mutex, and post-processes the result before storing and
// returning it.
func (s *Service) processAudio(ctx context.Context, st *callState, samples []float32) (string, error) {
	st.touch()

	s.modelMu.Lock()
	text, err := s.engine.Process(ctx, samples)
	s.modelMu.Unlock()
	if err != nil {
		return "", err
	}

	processed := postproc.Process(text)
	st.transMu.Lock()
	st.transcription = processed
	st.transMu.Unlock()
	return processed, nil
}

func (s *Service) forwardToLLM(ctx context.Context, callID int, text string) {
	conn, err := s.llmConn(ctx, callID)
	if err != nil {
		s.logger.Warn("no llm connection available, dropping transcription", "call_id", callID, "error", err)
		return
	}
	if err := wire.WriteText(conn, text); err != nil {
		s.logger.Warn("writing to llm failed, closing connection for reconnect", "call_id", callID, "error", err)
		s.llmConns.Delete(callID)
		conn.Close()
	}
}

// llmConn returns the persistent LLM connection for callID, dialing
// and HELLO-ing a new one if none exists yet. The connection outlives
// any single session and is only replaced on write failure.
func (s *Service) llmConn(ctx context.Context, callID int) (net.Conn, error) {
	if conn, ok := s.llmConns.Load(callID); ok {
		return conn, nil
	}

	conn, err := dialWithBackoff(ctx, s.llmAddr)
	if err != nil {
		return nil, err
	}
	if err := wire.WriteHello(conn, strconv.Itoa(callID)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sttshell: sending llm hello: %w", err)
	}

	if actual, loaded := s.llmConns.LoadOrStore(callID, conn); loaded {
		conn.Close()
		return actual, nil
	}
	return conn, nil
}

func dialWithBackoff(ctx context.Context, addr string) (net.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < llmConnectRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		conn, err := net.DialTimeout("tcp", addr, llmConnectTimeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		wait := llmFastBackoff
		if attempt >= llmFastRetries {
			wait = llmSlowBackoff
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("sttshell: connecting to llm after %d attempts: %w", llmConnectRetries, lastErr)
}

// idleSweepLoop closes any call whose last activity is older than the
// configured idle timeout, erasing both its audio socket and its map
// entry via the same path BYE uses.
func (s *Service) idleSweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweepIdleCalls()
		}
	}
}

func (s *Service) sweepIdleCalls() {
	now := time.Now()
	var idle []int
	s.calls.Range(func(callID int, st *callState) bool {
		last := st.lastActivity.Load()
		if last != 0 && now.Sub(time.Unix(0, last)) > s.idleTimeout {
			idle = append(idle, callID)
		}
		return true
	})
	for _, callID := range idle {
		s.logger.Info("closing idle session", "call_id", callID)
		s.handleBye(callID)
	}
}
