package spawn

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	garderrors "github.com/mirkobrombin/go-garden/v1/errors"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func shell(script string) func(int) []string {
	return func(i int) []string {
		return []string{"-c", script, "worker", strconv.Itoa(i)}
	}
}

func TestProcessStartFailure(t *testing.T) {
	p := NewProcesses("/nonexistent/garden", shell("true"))
	err := p.Start(3)
	var wse *garderrors.WorkerStartError
	if !errors.As(err, &wse) || wse.Index != 3 || wse.Kind != "decay" {
		t.Fatalf("expected worker start error, got %v", err)
	}
	if !errors.Is(err, garderrors.ErrWorkerStart) {
		t.Fatal("expected sentinel match")
	}
}

func TestProcessArgsAndEnv(t *testing.T) {
	var out syncBuffer
	p := NewProcesses("/bin/sh", shell(`echo "flower $1 $GARDEN_TEST_VALUE"`),
		WithEnv("GARDEN_TEST_VALUE=ok"), WithOutput(&out, io.Discard))
	if err := p.Start(2); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for p.Running() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := strings.TrimSpace(out.String()); got != "flower 2 ok" {
		t.Fatalf("unexpected output %q", got)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestProcessStopTerminates(t *testing.T) {
	p := NewProcesses("/bin/sh", shell("exec sleep 30"), WithOutput(io.Discard, io.Discard))
	for i := 0; i < 3; i++ {
		if err := p.Start(i); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	if p.Running() != 3 {
		t.Fatalf("expected 3 running, got %d", p.Running())
	}
	start := time.Now()
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if p.Running() != 0 {
		t.Fatal("children still running after stop")
	}
	if time.Since(start) > time.Second {
		t.Fatal("SIGTERM did not stop children promptly")
	}
	if err := p.Start(0); !errors.Is(err, garderrors.ErrWorkerStart) {
		t.Fatalf("start after stop must fail, got %v", err)
	}
}

func TestProcessStopKillsAfterGrace(t *testing.T) {
	p := NewProcesses("/bin/sh", shell(`trap '' TERM; while :; do sleep 0.05; done`),
		WithOutput(io.Discard, io.Discard), WithGrace(100*time.Millisecond))
	if err := p.Start(0); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if p.Running() != 0 {
		t.Fatal("child survived SIGKILL")
	}
}

func TestProcessDuplicateIndex(t *testing.T) {
	p := NewProcesses("/bin/sh", shell("exec sleep 30"), WithOutput(io.Discard, io.Discard))
	defer p.Stop()
	if err := p.Start(0); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Start(0); !errors.Is(err, garderrors.ErrWorkerStart) {
		t.Fatalf("expected duplicate start to fail, got %v", err)
	}
}

func TestGoroutinesRunUntilStop(t *testing.T) {
	var mu sync.Mutex
	seen := map[int]bool{}
	r := NewGoroutines(context.Background(), func(ctx context.Context, i int) error {
		mu.Lock()
		seen[i] = true
		mu.Unlock()
		<-ctx.Done()
		return nil
	})
	for i := 0; i < 4; i++ {
		if err := r.Start(i); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	time.Sleep(20 * time.Millisecond)
	if err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(seen) != 4 {
		t.Fatalf("workers seen %v", seen)
	}
	if err := r.Start(9); !errors.Is(err, garderrors.ErrWorkerStart) {
		t.Fatalf("start after stop must fail, got %v", err)
	}
}

func TestGoroutineFailureIsolated(t *testing.T) {
	boom := errors.New("boom")
	survivor := make(chan struct{})
	r := NewGoroutines(context.Background(), func(ctx context.Context, i int) error {
		if i == 0 {
			return boom
		}
		<-ctx.Done()
		close(survivor)
		return nil
	})
	_ = r.Start(0)
	_ = r.Start(1)
	select {
	case <-survivor:
		t.Fatal("a failing worker must not stop the others")
	case <-time.After(30 * time.Millisecond):
	}
	if err := r.Stop(); !errors.Is(err, boom) {
		t.Fatalf("expected worker error, got %v", err)
	}
	<-survivor
}

func TestProcessExitWarnings(t *testing.T) {
	cases := []struct {
		script string
		warn   bool
	}{
		{"kill -TERM $$", false},
		{"true", false},
		{"exit 3", true},
	}
	for _, tc := range cases {
		var logs syncBuffer
		logger := slog.New(slog.NewTextHandler(&logs, nil))
		p := NewProcesses("/bin/sh", shell(tc.script), WithOutput(io.Discard, io.Discard), WithLogger(logger))
		if err := p.Start(0); err != nil {
			t.Fatalf("%q: start: %v", tc.script, err)
		}
		deadline := time.Now().Add(2 * time.Second)
		for p.Running() > 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if got := strings.Contains(logs.String(), "decay worker exited"); got != tc.warn {
			t.Fatalf("%q: warning logged %v, want %v: %q", tc.script, got, tc.warn, logs.String())
		}
		if err := p.Stop(); err != nil {
			t.Fatalf("%q: stop: %v", tc.script, err)
		}
	}
}
