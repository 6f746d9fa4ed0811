// Package table lays the resource table over a shared mapping. The layout is
// an 8-byte header followed by one 8-byte record per resource:
//
//	header: [0:4] magic "GRD1"  [4:8] record count
//	record: [0:4] state         [4:8] lock word (embedded placement only)
//
// State words are read and written atomically so an observer that does not
// hold the record's lock never sees a torn value. Mutating a record still
// requires holding its lock.
package table

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// State is the condition of a single resource.
type State uint32

const (
	Healthy State = iota
	Withering
	// Withered and Overflowed are never produced by the decay and restoration
	// workers; they are kept so the on-segment encoding stays stable.
	Withered
	Overflowed
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Withering:
		return "withering"
	case Withered:
		return "withered"
	case Overflowed:
		return "overflowed"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

const (
	// Magic marks a formatted segment ("GRD1").
	Magic uint32 = 0x47524431
	// HeaderSize is the size of the segment header in bytes.
	HeaderSize = 8
	// RecordSize is the size of one resource record in bytes.
	RecordSize = 8
)

var (
	ErrTooSmall  = errors.New("table: mapping too small")
	ErrBadMagic  = errors.New("table: segment is not a resource table")
	ErrBadCount  = errors.New("table: invalid record count")
	ErrUnaligned = errors.New("table: mapping is not 4-byte aligned")
)

// Size returns the number of bytes needed for n records.
func Size(n int) int { return HeaderSize + n*RecordSize }

// Table is a fixed-length sequence of records over shared memory.
type Table struct {
	mem []byte
	n   int
}

// New formats mem as a table of n records, all Healthy with zeroed lock
// words.
func New(mem []byte, n int) (*Table, error) {
	if n <= 0 {
		return nil, ErrBadCount
	}
	if len(mem) < Size(n) {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrTooSmall, Size(n), len(mem))
	}
	if uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		return nil, ErrUnaligned
	}
	t := &Table{mem: mem, n: n}
	atomic.StoreUint32(t.word(4), uint32(n))
	for i := 0; i < n; i++ {
		atomic.StoreUint32(t.LockWord(i), 0)
	}
	t.Reset()
	atomic.StoreUint32(t.word(0), Magic)
	return t, nil
}

// Attach validates a table formatted by another process.
func Attach(mem []byte) (*Table, error) {
	if len(mem) < HeaderSize {
		return nil, ErrTooSmall
	}
	if uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		return nil, ErrUnaligned
	}
	t := &Table{mem: mem}
	if atomic.LoadUint32(t.word(0)) != Magic {
		return nil, ErrBadMagic
	}
	n := int(atomic.LoadUint32(t.word(4)))
	if n <= 0 || len(mem) < Size(n) {
		return nil, fmt.Errorf("%w: %d records in %d bytes", ErrBadCount, n, len(mem))
	}
	t.n = n
	return t, nil
}

func (t *Table) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&t.mem[off]))
}

func (t *Table) offset(i int) int {
	if i < 0 || i >= t.n {
		panic(fmt.Sprintf("table: index %d out of range [0,%d)", i, t.n))
	}
	return HeaderSize + i*RecordSize
}

// Len returns the number of records.
func (t *Table) Len() int { return t.n }

// State returns the state of record i.
func (t *Table) State(i int) State {
	return State(atomic.LoadUint32(t.word(t.offset(i))))
}

// SetState stores the state of record i. Callers must hold lock i.
func (t *Table) SetState(i int, s State) {
	atomic.StoreUint32(t.word(t.offset(i)), uint32(s))
}

// LockWord returns the address of record i's inline lock word.
func (t *Table) LockWord(i int) *uint32 {
	return t.word(t.offset(i) + 4)
}

// Reset marks every record Healthy.
func (t *Table) Reset() {
	for i := 0; i < t.n; i++ {
		t.SetState(i, Healthy)
	}
}

// Snapshot returns the states of all records. Records are read one at a
// time, so the snapshot is not consistent across records.
func (t *Table) Snapshot() []State {
	out := make([]State, t.n)
	for i := range out {
		out[i] = t.State(i)
	}
	return out
}
