package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Locker guards the records of a resource table, one lock per index.
type Locker interface {
	// Acquire blocks until lock i is held or ctx is done.
	Acquire(ctx context.Context, i int) error
	// TryLock attempts to take lock i without waiting.
	TryLock(ctx context.Context, i int) (bool, error)
	// Release frees lock i. Only the holder may release it.
	Release(ctx context.Context, i int) error
	// Len returns the number of locks.
	Len() int
	// Close drops this process's handles. Shared objects are left in place.
	Close() error
	// Destroy removes the shared lock objects. It is safe to call more than
	// once and is only called by the process that created the set.
	Destroy() error
}

// Placement selects where lock primitives live.
type Placement string

const (
	PlacementNamed    Placement = "named"
	PlacementEmbedded Placement = "embedded"
	PlacementRedis    Placement = "redis"
)

// ErrUnknownPlacement is returned for unsupported placement names.
var ErrUnknownPlacement = errors.New("lock: unknown placement")

// ErrIndex is returned for an index outside the lock set.
var ErrIndex = errors.New("lock: index out of range")

// ParsePlacement validates a placement name.
func ParsePlacement(s string) (Placement, error) {
	switch p := Placement(s); p {
	case PlacementNamed, PlacementEmbedded, PlacementRedis:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPlacement, s)
}

// With runs fn while holding lock i.
func With(ctx context.Context, l Locker, i int, fn func() error) error {
	if err := l.Acquire(ctx, i); err != nil {
		return err
	}
	ferr := fn()
	// release must not be skipped because the caller's ctx ended mid-section
	if err := l.Release(context.Background(), i); err != nil && ferr == nil {
		ferr = err
	}
	return ferr
}

func checkIndex(i, n int) error {
	if i < 0 || i >= n {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrIndex, i, n)
	}
	return nil
}

// backoff grows a polling interval up to max.
type backoff struct {
	cur, max time.Duration
}

func newBackoff(max time.Duration) *backoff {
	return &backoff{cur: 200 * time.Microsecond, max: max}
}

// wait sleeps for the current interval or until ctx is done.
func (b *backoff) wait(ctx context.Context) error {
	t := time.NewTimer(b.cur)
	defer t.Stop()
	if b.cur *= 2; b.cur > b.max {
		b.cur = b.max
	}
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
