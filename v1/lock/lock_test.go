package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// stress hammers every lock of l from several goroutines and fails if two of
// them are ever inside the same critical section.
func stress(t *testing.T, l Locker, workers, rounds int) {
	t.Helper()
	ctx := context.Background()
	inside := make([]int32, l.Len())
	var violations atomic.Int32
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				i := (w + r) % l.Len()
				err := With(ctx, l, i, func() error {
					if atomic.AddInt32(&inside[i], 1) != 1 {
						violations.Add(1)
					}
					time.Sleep(50 * time.Microsecond)
					atomic.AddInt32(&inside[i], -1)
					return nil
				})
				if err != nil {
					t.Errorf("with %d: %v", i, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	if v := violations.Load(); v != 0 {
		t.Fatalf("mutual exclusion violated %d times", v)
	}
}

func TestParsePlacement(t *testing.T) {
	for _, s := range []string{"named", "embedded", "redis"} {
		if p, err := ParsePlacement(s); err != nil || string(p) != s {
			t.Fatalf("parse %q: %v %v", s, p, err)
		}
	}
	if _, err := ParsePlacement("sysv"); !errors.Is(err, ErrUnknownPlacement) {
		t.Fatalf("expected unknown placement, got %v", err)
	}
}

func TestWithReleasesOnError(t *testing.T) {
	l := newTestEmbedded(t, 1)
	boom := errors.New("boom")
	if err := With(context.Background(), l, 0, func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if ok, _ := l.TryLock(context.Background(), 0); !ok {
		t.Fatal("lock not released after fn error")
	}
}
