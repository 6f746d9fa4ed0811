//go:build !linux

package lock

import (
	"sync/atomic"
	"time"
)

// Without futexes, waiters poll the word.
func futexWait(addr *uint32, val uint32, d time.Duration) error {
	if d > time.Millisecond {
		d = time.Millisecond
	}
	if atomic.LoadUint32(addr) == val {
		time.Sleep(d)
	}
	return nil
}

func futexWake(addr *uint32, n int) error { return nil }
