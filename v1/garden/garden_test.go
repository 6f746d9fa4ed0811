package garden

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/mirkobrombin/go-garden/v1/config"
	"github.com/mirkobrombin/go-garden/v1/event"
	"github.com/mirkobrombin/go-garden/v1/lifecycle"
	"github.com/mirkobrombin/go-garden/v1/lock"
	"github.com/mirkobrombin/go-garden/v1/shm"
	"github.com/mirkobrombin/go-garden/v1/table"
)

// The test binary doubles as the decay child when re-executed by the
// process-mode test.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == "decay" {
		os.Exit(runChild(os.Args[2:]))
	}
	os.Exit(m.Run())
}

func runChild(args []string) int {
	cfg := config.Default()
	fs := pflag.NewFlagSet("decay", pflag.ContinueOnError)
	config.BindFlags(fs, cfg)
	index := fs.Int("index", -1, "flower index")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ctx, stop := signal.NotifyContext(context.Background(), lifecycle.ShutdownSignals...)
	defer stop()
	if err := New(cfg).RunDecay(ctx, *index); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

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

func fastConfig(t *testing.T, placement lock.Placement, mode config.DecayMode) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Dir = t.TempDir()
	cfg.Flowers = 3
	cfg.Gardeners = 2
	cfg.Placement = placement
	cfg.DecayMode = mode
	cfg.DecayMin = time.Millisecond
	cfg.DecayMax = 5 * time.Millisecond
	cfg.Step = time.Millisecond
	cfg.SweepPause = 0
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func assertTornDown(t *testing.T, cfg *config.Config) {
	t.Helper()
	if shm.Exists(cfg.Dir, cfg.Segment) {
		t.Fatal("segment left behind")
	}
	for i := 0; i < cfg.Flowers; i++ {
		if _, err := os.Stat(lock.NamedPath(cfg.Dir, cfg.LockPrefix, i)); !os.IsNotExist(err) {
			t.Fatalf("lock %d left behind", i)
		}
	}
}

func TestRunGoroutineMode(t *testing.T) {
	cfg := fastConfig(t, lock.PlacementEmbedded, config.DecayGoroutine)
	var out syncBuffer
	bus := event.NewInMemoryBus(4096)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := bus.Subscribe(ctx)

	var peeked []table.State
	g := New(cfg,
		WithOutput(&out),
		WithSink(bus),
		WithLogger(quietLogger()),
		WithReady(func(*table.Table) {
			peeked, _ = Snapshot(cfg)
		}),
	)
	done := make(chan error, 1)
	go func() {
		sig, err := g.Run(ctx)
		if sig != nil {
			err = fmt.Errorf("unexpected signal %v", sig)
		}
		done <- err
	}()

	watered := map[int]bool{}
	timeout := time.After(5 * time.Second)
	for len(watered) < cfg.Flowers {
		select {
		case e := <-events:
			if e.Kind == event.KindWatered {
				if e.Worker < 1 || e.Worker > cfg.Gardeners {
					t.Fatalf("unexpected gardener %d", e.Worker)
				}
				watered[e.Index] = true
			}
		case <-timeout:
			t.Fatalf("not every flower was watered: %v", watered)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	assertTornDown(t, cfg)

	if len(peeked) != cfg.Flowers {
		t.Fatalf("snapshot returned %d states", len(peeked))
	}
	trace := out.String()
	if !strings.Contains(trace, "started withering") || !strings.Contains(trace, "watered flower") {
		t.Fatalf("unexpected trace %q", trace)
	}
}

func TestRunProcessMode(t *testing.T) {
	if _, err := os.Stat("/proc/self/exe"); err != nil {
		t.Skip("re-exec needs /proc")
	}
	cfg := fastConfig(t, lock.PlacementNamed, config.DecayProcess)
	var out syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g := New(cfg,
		WithOutput(&out),
		WithLogger(quietLogger()),
		WithExecutable(os.Args[0]),
		WithGrace(time.Second),
	)
	done := make(chan error, 1)
	go func() {
		_, err := g.Run(ctx)
		done <- err
	}()

	waitFor(t, 10*time.Second, func() bool {
		trace := out.String()
		for i := 0; i < cfg.Flowers; i++ {
			if !strings.Contains(trace, fmt.Sprintf("flower %d started withering", i)) {
				return false
			}
		}
		return strings.Contains(trace, "watered flower")
	})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	assertTornDown(t, cfg)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := fastConfig(t, lock.PlacementEmbedded, config.DecayGoroutine)
	cfg.Flowers = 0
	if _, err := New(cfg, WithLogger(quietLogger())).Run(context.Background()); err == nil {
		t.Fatal("expected validation error")
	}
	assertTornDown(t, cfg)
}

func TestRunStartFailureTearsDown(t *testing.T) {
	cfg := fastConfig(t, lock.PlacementNamed, config.DecayProcess)
	g := New(cfg, WithLogger(quietLogger()), WithExecutable("/nonexistent/garden"))
	if _, err := g.Run(context.Background()); err == nil {
		t.Fatal("expected worker start error")
	}
	assertTornDown(t, cfg)
}

func TestRunDecayRequiresGarden(t *testing.T) {
	cfg := fastConfig(t, lock.PlacementNamed, config.DecayProcess)
	if err := New(cfg, WithLogger(quietLogger())).RunDecay(context.Background(), 0); err == nil {
		t.Fatal("expected attach error without a running garden")
	}
	if err := New(cfg).RunDecay(context.Background(), cfg.Flowers); err == nil {
		t.Fatal("expected index error")
	}
}

func TestSnapshotMissingSegment(t *testing.T) {
	cfg := config.Default()
	cfg.Dir = t.TempDir()
	if _, err := Snapshot(cfg); err == nil {
		t.Fatal("expected error without a segment")
	}
}

func TestRunStopsOnEveryShutdownSignal(t *testing.T) {
	for _, sig := range []syscall.Signal{syscall.SIGTSTP, syscall.SIGQUIT} {
		t.Run(sig.String(), func(t *testing.T) {
			cfg := fastConfig(t, lock.PlacementNamed, config.DecayGoroutine)
			ready := make(chan struct{})
			g := New(cfg,
				WithOutput(io.Discard),
				WithLogger(quietLogger()),
				WithReady(func(*table.Table) { close(ready) }),
			)
			type result struct {
				sig os.Signal
				err error
			}
			done := make(chan result, 1)
			go func() {
				got, err := g.Run(context.Background())
				done <- result{got, err}
			}()

			select {
			case <-ready:
			case r := <-done:
				t.Fatalf("run ended early: %v", r.err)
			case <-time.After(5 * time.Second):
				t.Fatal("garden never became ready")
			}
			if err := syscall.Kill(os.Getpid(), sig); err != nil {
				t.Fatalf("kill: %v", err)
			}
			select {
			case r := <-done:
				if r.err != nil {
					t.Fatalf("run: %v", r.err)
				}
				if r.sig != sig {
					t.Fatalf("expected %v, got %v", sig, r.sig)
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("run still blocked after %v", sig)
			}
			assertTornDown(t, cfg)
		})
	}
}
