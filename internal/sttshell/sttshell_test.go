package sttshell

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/flowpbx/audiofab/internal/inference/mock"
	"github.com/flowpbx/audiofab/internal/wire"
)

func newTestService(engine *mock.Engine) *Service {
	return New(engine, "127.0.0.1:0", time.Minute, nil)
}

func TestHandleRegisterSuppressesDuplicate(t *testing.T) {
	s := newTestService(&mock.Engine{})
	original := &callState{callID: 5}
	s.calls.Store(5, original)

	s.handleRegister(context.Background(), 5)

	cur, ok := s.calls.Load(5)
	if !ok || cur != original {
		t.Fatal("duplicate register replaced or removed the existing call state")
	}
}

func TestProcessAudioAppliesPostProcessing(t *testing.T) {
	engine := &mock.Engine{Text: "Okay. hello hello world"}
	s := newTestService(engine)
	st := &callState{callID: 1}

	got, err := s.processAudio(context.Background(), st, make([]float32, 160))
	if err != nil {
		t.Fatalf("processAudio returned error: %v", err)
	}
	want := "Hello world"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if st.lastActivity.Load() == 0 {
		t.Fatal("processAudio did not update last_activity")
	}

	st.transMu.Lock()
	stored := st.transcription
	st.transMu.Unlock()
	if stored != want {
		t.Fatalf("stored transcription = %q, want %q", stored, want)
	}
}

func TestProcessAudioPropagatesEngineError(t *testing.T) {
	engine := &mock.Engine{ProcessErr: context.DeadlineExceeded}
	s := newTestService(engine)
	st := &callState{callID: 1}

	if _, err := s.processAudio(context.Background(), st, nil); err == nil {
		t.Fatal("expected engine error to propagate")
	}
}

func TestForwardToLLMWritesTextOverPersistentConnection(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	s := newTestService(&mock.Engine{})
	s.llmConns.Store(42, client)

	done := make(chan struct{})
	var gotText string
	go func() {
		defer close(done)
		gotText, _, _ = wire.ReadText(server)
	}()

	s.forwardToLLM(context.Background(), 42, "hello world")
	<-done

	if gotText != "hello world" {
		t.Fatalf("got %q, want %q", gotText, "hello world")
	}
}

func TestForwardToLLMDropsConnectionOnWriteFailure(t *testing.T) {
	server, client := net.Pipe()
	server.Close() // force the next write on client to fail
	defer client.Close()

	s := newTestService(&mock.Engine{})
	s.llmConns.Store(7, client)

	s.forwardToLLM(context.Background(), 7, "hi")

	if _, ok := s.llmConns.Load(7); ok {
		t.Fatal("expected llm connection to be evicted after write failure")
	}
}

func TestSweepIdleCallsClosesStaleSessions(t *testing.T) {
	s := newTestService(&mock.Engine{})
	s.idleTimeout = 10 * time.Millisecond

	server, client := net.Pipe()
	defer server.Close()

	st := &callState{callID: 9}
	st.setAudioConn(client)
	st.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())
	s.calls.Store(9, st)

	s.sweepIdleCalls()

	st.mu.Lock()
	conn := st.audioConn
	st.mu.Unlock()
	if conn != nil {
		t.Fatal("expected idle session's audio connection to be closed")
	}
}

func TestSweepIdleCallsIgnoresStillConnectingReservations(t *testing.T) {
	s := newTestService(&mock.Engine{})
	s.idleTimeout = 10 * time.Millisecond

	st := &callState{callID: 3} // lastActivity never touched: still connecting
	s.calls.Store(3, st)

	s.sweepIdleCalls()

	if _, ok := s.calls.Load(3); !ok {
		t.Fatal("sweep must not remove a reservation that never became active")
	}
}

func TestCleanupCallOnlyDeletesMatchingOccupant(t *testing.T) {
	s := newTestService(&mock.Engine{})
	stale := &callState{callID: 2}
	fresh := &callState{callID: 2}

	s.calls.Store(2, fresh)
	s.cleanupCall(stale) // a slow connect task's cleanup racing a fresher re-register

	cur, ok := s.calls.Load(2)
	if !ok || cur != fresh {
		t.Fatal("cleanupCall removed a newer call state it did not own")
	}
}
