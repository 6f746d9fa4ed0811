package lock

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-garden/v1/table"
)

// lock word values
const (
	unlocked  uint32 = 0
	locked    uint32 = 1
	contended uint32 = 2
)

// Embedded implements Locker with a futex word inside each shared record.
// The words live in the mapped segment, so every process mapping it shares
// the same locks.
//
// A holder that dies inside its critical section leaves the word locked and
// later acquirers wait until their context ends.
type Embedded struct {
	tbl  *table.Table
	wait time.Duration
}

// NewEmbedded initializes every lock word of tbl to unlocked.
func NewEmbedded(tbl *table.Table) *Embedded {
	for i := 0; i < tbl.Len(); i++ {
		atomic.StoreUint32(tbl.LockWord(i), unlocked)
	}
	return AttachEmbedded(tbl)
}

// AttachEmbedded uses the lock words of a table initialized elsewhere.
func AttachEmbedded(tbl *table.Table) *Embedded {
	return &Embedded{tbl: tbl, wait: 50 * time.Millisecond}
}

// Len implements Locker.Len.
func (e *Embedded) Len() int { return e.tbl.Len() }

// TryLock implements Locker.TryLock.
func (e *Embedded) TryLock(ctx context.Context, i int) (bool, error) {
	if err := checkIndex(i, e.Len()); err != nil {
		return false, err
	}
	return atomic.CompareAndSwapUint32(e.tbl.LockWord(i), unlocked, locked), nil
}

// Acquire implements Locker.Acquire. Waiters sleep in the kernel for at most
// one wait interval at a time so a cancelled ctx is noticed.
func (e *Embedded) Acquire(ctx context.Context, i int) error {
	if err := checkIndex(i, e.Len()); err != nil {
		return err
	}
	w := e.tbl.LockWord(i)
	if atomic.CompareAndSwapUint32(w, unlocked, locked) {
		return nil
	}
	for {
		if atomic.SwapUint32(w, contended) == unlocked {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := futexWait(w, contended, e.wait); err != nil {
			return fmt.Errorf("lock: futex wait %d: %w", i, err)
		}
	}
}

// Release implements Locker.Release.
func (e *Embedded) Release(ctx context.Context, i int) error {
	if err := checkIndex(i, e.Len()); err != nil {
		return err
	}
	w := e.tbl.LockWord(i)
	switch atomic.SwapUint32(w, unlocked) {
	case unlocked:
		return fmt.Errorf("lock: release of unheld lock %d", i)
	case contended:
		return futexWake(w, 1)
	}
	return nil
}

// Close implements Locker.Close. The words belong to the mapping.
func (e *Embedded) Close() error { return nil }

// Destroy implements Locker.Destroy by resetting every word. Nothing is
// named outside the segment.
func (e *Embedded) Destroy() error {
	for i := 0; i < e.tbl.Len(); i++ {
		atomic.StoreUint32(e.tbl.LockWord(i), unlocked)
	}
	return nil
}
