// Package event carries the observable trace of a garden: one Event per
// state transition, delivered to one or more sinks. Sinks may be local (a
// writer, an in-memory bus) or remote (NATS, Kafka) so that transitions made
// by worker processes can be observed from anywhere.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
)

// Kind identifies a transition.
type Kind string

const (
	// KindWithering is emitted when a decay worker moves a flower from
	// healthy to withering.
	KindWithering Kind = "withering"
	// KindWatered is emitted when a gardener restores a withering flower.
	KindWatered Kind = "watered"
)

// Event is a single state transition.
type Event struct {
	Kind   Kind      `json:"kind"`
	Worker int       `json:"worker"`
	Index  int       `json:"index"`
	PID    int       `json:"pid"`
	At     time.Time `json:"at"`
}

// Withering returns the event for flower i starting to wither.
func Withering(i int) Event {
	return Event{Kind: KindWithering, Worker: i, Index: i, PID: os.Getpid(), At: time.Now()}
}

// Watered returns the event for gardener g watering flower i.
func Watered(g, i int) Event {
	return Event{Kind: KindWatered, Worker: g, Index: i, PID: os.Getpid(), At: time.Now()}
}

func (e Event) String() string {
	switch e.Kind {
	case KindWithering:
		return fmt.Sprintf("flower %d started withering", e.Index)
	case KindWatered:
		return fmt.Sprintf("gardener %d watered flower %d", e.Worker, e.Index)
	default:
		return fmt.Sprintf("worker %d %s flower %d", e.Worker, e.Kind, e.Index)
	}
}

// Encode returns the wire form used by remote sinks.
func (e Event) Encode() ([]byte, error) { return json.Marshal(e) }

// Decode parses the wire form produced by Encode.
func Decode(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}

// Sink receives events.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

// Emit implements Sink.Emit.
func (f SinkFunc) Emit(ctx context.Context, e Event) error { return f(ctx, e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })

type multi []Sink

// Multi fans an event out to every sink. All sinks are tried even if some
// fail.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

func (m multi) Emit(ctx context.Context, e Event) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Emit(ctx, e))
	}
	return err
}
