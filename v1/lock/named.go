package lock

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	garderrors "github.com/mirkobrombin/go-garden/v1/errors"
)

// DefaultNamedPrefix derives lock names such as /flower_sem_3.
const DefaultNamedPrefix = "/flower_sem_"

// Named implements Locker with one lock file per record, locked with
// flock(2). flock is tied to the open file description, so goroutines of the
// same process are serialized by a local slot before touching the file.
//
// The kernel drops a flock when its holder dies, so a crashed holder never
// orphans the lock.
type Named struct {
	dir    string
	prefix string
	slots  []chan struct{}
	poll   time.Duration

	mu     sync.RWMutex
	fds    []int
	owned  []bool
	closed bool
}

// NamedPath returns the file backing lock i.
func NamedPath(dir, prefix string, i int) string {
	if dir == "" {
		dir = "/dev/shm"
	}
	return filepath.Join(dir, strings.TrimPrefix(fmt.Sprintf("%s%d", prefix, i), "/"))
}

// CreateNamed creates n lock files exclusively. If any of them cannot be
// created, the ones already created are removed.
func CreateNamed(dir, prefix string, n int) (*Named, error) {
	l := newNamed(dir, prefix, n)
	for i := 0; i < n; i++ {
		path := NamedPath(l.dir, l.prefix, i)
		fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR|unix.O_CLOEXEC, 0o666)
		if err != nil {
			if errors.Is(err, unix.EEXIST) {
				err = fmt.Errorf("%w: %w", garderrors.ErrExists, err)
			}
			_ = l.Destroy()
			return nil, &garderrors.ResourceInitError{Op: "lock_create", Name: path, Err: err}
		}
		l.fds[i] = fd
		l.owned[i] = true
	}
	return l, nil
}

// OpenNamed opens n lock files created by another process.
func OpenNamed(dir, prefix string, n int) (*Named, error) {
	l := newNamed(dir, prefix, n)
	for i := 0; i < n; i++ {
		path := NamedPath(l.dir, l.prefix, i)
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err != nil {
			_ = l.Close()
			return nil, &garderrors.ResourceInitError{Op: "lock_open", Name: path, Err: err}
		}
		l.fds[i] = fd
	}
	return l, nil
}

func newNamed(dir, prefix string, n int) *Named {
	if prefix == "" {
		prefix = DefaultNamedPrefix
	}
	l := &Named{
		dir:    dir,
		prefix: prefix,
		slots:  make([]chan struct{}, n),
		fds:    make([]int, n),
		owned:  make([]bool, n),
		poll:   20 * time.Millisecond,
	}
	for i := range l.fds {
		l.fds[i] = -1
		l.slots[i] = make(chan struct{}, 1)
	}
	return l
}

// Len implements Locker.Len.
func (l *Named) Len() int { return len(l.fds) }

func (l *Named) fd(i int) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed || l.fds[i] < 0 {
		return -1, garderrors.ErrReleased
	}
	return l.fds[i], nil
}

// TryLock implements Locker.TryLock.
func (l *Named) TryLock(ctx context.Context, i int) (bool, error) {
	if err := checkIndex(i, l.Len()); err != nil {
		return false, err
	}
	select {
	case l.slots[i] <- struct{}{}:
	default:
		return false, nil
	}
	ok, err := l.flock(i, unix.LOCK_EX|unix.LOCK_NB)
	if err != nil || !ok {
		<-l.slots[i]
	}
	return ok, err
}

// Acquire implements Locker.Acquire. Contention inside the process waits on
// the local slot; contention with other processes polls the file lock.
func (l *Named) Acquire(ctx context.Context, i int) error {
	if err := checkIndex(i, l.Len()); err != nil {
		return err
	}
	select {
	case l.slots[i] <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	b := newBackoff(l.poll)
	for {
		ok, err := l.flock(i, unix.LOCK_EX|unix.LOCK_NB)
		if err != nil {
			<-l.slots[i]
			return err
		}
		if ok {
			return nil
		}
		if err := b.wait(ctx); err != nil {
			<-l.slots[i]
			return err
		}
	}
}

// Release implements Locker.Release.
func (l *Named) Release(ctx context.Context, i int) error {
	if err := checkIndex(i, l.Len()); err != nil {
		return err
	}
	_, err := l.flock(i, unix.LOCK_UN)
	select {
	case <-l.slots[i]:
	default:
		if err == nil {
			err = fmt.Errorf("lock: release of unheld lock %d", i)
		}
	}
	return err
}

func (l *Named) flock(i, how int) (bool, error) {
	fd, err := l.fd(i)
	if err != nil {
		return false, err
	}
	for {
		err := unix.Flock(fd, how)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EWOULDBLOCK):
			return false, nil
		default:
			return false, err
		}
	}
}

// Close implements Locker.Close.
func (l *Named) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	var err error
	for i, fd := range l.fds {
		if fd >= 0 {
			err = multierr.Append(err, unix.Close(fd))
			l.fds[i] = -1
		}
	}
	return err
}

// Destroy implements Locker.Destroy by closing and unlinking every lock file
// this set created. Files it only opened are left alone.
func (l *Named) Destroy() error {
	err := l.Close()
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, owned := range l.owned {
		if !owned {
			continue
		}
		if uerr := unlink(NamedPath(l.dir, l.prefix, i)); uerr != nil {
			err = multierr.Append(err, uerr)
		}
		l.owned[i] = false
	}
	return err
}

// RemoveNamed unlinks lock files left behind by a previous run.
func RemoveNamed(dir, prefix string, n int) error {
	if prefix == "" {
		prefix = DefaultNamedPrefix
	}
	var err error
	for i := 0; i < n; i++ {
		err = multierr.Append(err, unlink(NamedPath(dir, prefix, i)))
	}
	return err
}

func unlink(path string) error {
	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		return err
	}
	return nil
}
