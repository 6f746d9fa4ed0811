// Package shm manages named shared-memory segments. A segment is a file in a
// tmpfs directory (/dev/shm on Linux, matching shm_open) mapped MAP_SHARED
// into every process that opens it, so writes by one process are visible to
// all others.
package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	garderrors "github.com/mirkobrombin/go-garden/v1/errors"
)

// DefaultDir is where segment names are resolved.
const DefaultDir = "/dev/shm"

// Segment is a mapped shared-memory region.
type Segment struct {
	name string
	path string
	size int

	mu  sync.Mutex
	fd  int
	mem []byte
}

// Path resolves a segment name such as "/flower_shm" inside dir.
func Path(dir, name string) string {
	if dir == "" {
		dir = DefaultDir
	}
	return filepath.Join(dir, strings.TrimPrefix(name, "/"))
}

// Create creates the named segment exclusively, sizes it and maps it
// read-write. Any partially created state is removed before the error is
// returned.
func Create(dir, name string, size int, perm os.FileMode) (*Segment, error) {
	if size <= 0 {
		return nil, &garderrors.ResourceInitError{Op: "ftruncate", Name: name, Err: fmt.Errorf("invalid size %d", size)}
	}
	path := Path(dir, name)
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR|unix.O_CLOEXEC, uint32(perm.Perm()))
	if err != nil {
		if errors.Is(err, unix.EEXIST) {
			err = fmt.Errorf("%w: %w", garderrors.ErrExists, err)
		}
		return nil, &garderrors.ResourceInitError{Op: "shm_open", Name: name, Err: err}
	}
	fail := func(op string, err error) (*Segment, error) {
		_ = unix.Close(fd)
		_ = unix.Unlink(path)
		return nil, &garderrors.ResourceInitError{Op: op, Name: name, Err: err}
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return fail("ftruncate", err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fail("mmap", err)
	}
	return &Segment{name: name, path: path, size: size, fd: fd, mem: mem}, nil
}

// Open maps an existing segment created by another process.
func Open(dir, name string) (*Segment, error) {
	path := Path(dir, name)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &garderrors.ResourceInitError{Op: "shm_open", Name: name, Err: err}
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, &garderrors.ResourceInitError{Op: "fstat", Name: name, Err: err}
	}
	size := int(st.Size)
	if size <= 0 {
		_ = unix.Close(fd)
		return nil, &garderrors.ResourceInitError{Op: "mmap", Name: name, Err: fmt.Errorf("segment is empty")}
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, &garderrors.ResourceInitError{Op: "mmap", Name: name, Err: err}
	}
	return &Segment{name: name, path: path, size: size, fd: fd, mem: mem}, nil
}

// Name returns the segment name.
func (s *Segment) Name() string { return s.name }

// Path returns the backing file path.
func (s *Segment) Path() string { return s.path }

// Size returns the mapped size in bytes.
func (s *Segment) Size() int { return s.size }

// Bytes returns the mapping, or nil once unmapped.
func (s *Segment) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem
}

// Unmap releases the mapping. It is safe to call more than once.
func (s *Segment) Unmap() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mem == nil {
		return nil
	}
	err := unix.Munmap(s.mem)
	s.mem = nil
	return err
}

// Close unmaps the segment and closes its descriptor. The name stays in the
// namespace; see Unlink.
func (s *Segment) Close() error {
	err := s.Unmap()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd >= 0 {
		if cerr := unix.Close(s.fd); err == nil {
			err = cerr
		}
		s.fd = -1
	}
	return err
}

// Unlink removes the segment name. The mapping stays valid until closed.
func (s *Segment) Unlink() error {
	return Unlink(filepath.Dir(s.path), s.name)
}

// Unlink removes a segment name. A name that is already gone is not an error.
func Unlink(dir, name string) error {
	err := unix.Unlink(Path(dir, name))
	if err != nil && !errors.Is(err, unix.ENOENT) {
		return err
	}
	return nil
}

// Exists reports whether the named segment is present.
func Exists(dir, name string) bool {
	_, err := os.Stat(Path(dir, name))
	return err == nil
}
