package event

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// WriterSink prints one line per event. Lines are written with a single
// write call so processes sharing a terminal or pipe do not interleave them.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink returns a sink printing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Emit implements Sink.Emit.
func (s *WriterSink) Emit(ctx context.Context, e Event) error {
	line := fmt.Sprintf("%s\n", e)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, line)
	return err
}
