package mock

import (
	"context"
	"errors"
	"testing"
)

func TestEngineDefaultResponse(t *testing.T) {
	e := &Engine{}
	text, err := e.Process(context.Background(), make([]float32, 160))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if text == "" {
		t.Fatal("expected non-empty default response")
	}
	if e.CallCount() != 1 {
		t.Fatalf("CallCount = %d, want 1", e.CallCount())
	}
}

func TestEngineFixedText(t *testing.T) {
	e := &Engine{Text: "hello"}
	text, err := e.Process(context.Background(), nil)
	if err != nil || text != "hello" {
		t.Fatalf("got %q, %v; want \"hello\", nil", text, err)
	}
}

func TestEngineError(t *testing.T) {
	wantErr := errors.New("boom")
	e := &Engine{ProcessErr: wantErr}
	if _, err := e.Process(context.Background(), nil); err != wantErr {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
}

func TestEngineClose(t *testing.T) {
	e := &Engine{}
	if e.Closed() {
		t.Fatal("expected engine to start unclosed")
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !e.Closed() {
		t.Fatal("expected engine to be closed")
	}
}
