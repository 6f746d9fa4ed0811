package event

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func isOpen(b *Breaker) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == stateOpen
}

func TestBreakerStateTransitions(t *testing.T) {
	failErr := errors.New("fail")
	var next error
	calls := 0
	sink := SinkFunc(func(context.Context, Event) error {
		calls++
		return next
	})
	timeout := 50 * time.Millisecond
	b := NewBreaker(sink, 2, timeout)
	ctx := context.Background()
	e := Withering(0)

	if isOpen(b) {
		t.Fatal("expected closed initially")
	}

	next = failErr
	if err := b.Emit(ctx, e); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if isOpen(b) {
		t.Fatal("expected closed after 1 failure (threshold 2)")
	}
	if err := b.Emit(ctx, e); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if !isOpen(b) {
		t.Fatal("expected open after threshold reached")
	}
	if err := b.Emit(ctx, e); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("open circuit must not reach the sink, calls %d", calls)
	}

	time.Sleep(timeout + 10*time.Millisecond)

	// a failed probe reopens the circuit at once
	if err := b.Emit(ctx, e); err != failErr {
		t.Fatalf("expected probe failure, got %v", err)
	}
	if err := b.Emit(ctx, e); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen after failed probe, got %v", err)
	}

	time.Sleep(timeout + 10*time.Millisecond)

	next = nil
	if err := b.Emit(ctx, e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if isOpen(b) || b.failures != 0 {
		t.Fatalf("expected closed circuit, failures %d", b.failures)
	}
}

func TestBreakerLogsOpenAndRecovery(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	var next error = errors.New("broker down")
	sink := SinkFunc(func(context.Context, Event) error { return next })
	timeout := 20 * time.Millisecond
	b := NewBreaker(sink, 1, timeout, WithBreakerLogger(logger, "nats"))
	ctx := context.Background()

	_ = b.Emit(ctx, Withering(0))
	if out := buf.String(); !strings.Contains(out, "event sink unavailable") || !strings.Contains(out, "sink=nats") {
		t.Fatalf("open not logged: %q", out)
	}
	buf.Reset()
	_ = b.Emit(ctx, Withering(0))
	if buf.Len() != 0 {
		t.Fatalf("rejected events must not log again: %q", buf.String())
	}

	time.Sleep(timeout + 10*time.Millisecond)
	next = nil
	if err := b.Emit(ctx, Withering(0)); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !strings.Contains(buf.String(), "event sink recovered") {
		t.Fatalf("recovery not logged: %q", buf.String())
	}
}
