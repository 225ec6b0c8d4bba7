package resp

import (
	"errors"
	"testing"
)

func TestParse_NextString(t *testing.T) {
	frame := ArrayFrame(Simple("SET"), BulkString("key"))
	p, err := NewParse(frame)
	if err != nil {
		t.Fatalf("NewParse: %v", err)
	}
	got, err := p.NextString()
	if err != nil || got != "SET" {
		t.Fatalf("got %q, %v", got, err)
	}
	got, err = p.NextString()
	if err != nil || got != "key" {
		t.Fatalf("got %q, %v", got, err)
	}
	if err := p.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func TestParse_NextInt(t *testing.T) {
	frame := ArrayFrame(Integer(42), BulkString("7"))
	p, _ := NewParse(frame)
	n, err := p.NextInt()
	if err != nil || n != 42 {
		t.Fatalf("got %d, %v", n, err)
	}
	n, err = p.NextInt()
	if err != nil || n != 7 {
		t.Fatalf("got %d, %v", n, err)
	}
}

func TestParse_EndOfStream(t *testing.T) {
	frame := ArrayFrame(BulkString("PING"))
	p, _ := NewParse(frame)
	if _, err := p.NextString(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := p.NextString()
	if !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("expected ErrEndOfStream, got %v", err)
	}
}

func TestParse_FinishRejectsTrailingTokens(t *testing.T) {
	frame := ArrayFrame(BulkString("GET"), BulkString("a"), BulkString("b"))
	p, _ := NewParse(frame)
	if _, err := p.NextString(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := p.NextString(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Finish(); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestNewParse_RejectsNonArray(t *testing.T) {
	_, err := NewParse(Simple("OK"))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}
