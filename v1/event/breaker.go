package event

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while a Breaker is rejecting events.
var ErrCircuitOpen = errors.New("event: circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// Breaker decorates a Sink with circuit breaker logic. Workers emit while
// holding a flower's lock, so a remote sink that keeps failing is skipped
// until timeout has passed instead of being retried on every transition.
type Breaker struct {
	sink      Sink
	mu        sync.RWMutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time

	name   string
	logger *slog.Logger
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerLogger logs every time the circuit in front of the sink called
// name opens or closes again.
func WithBreakerLogger(l *slog.Logger, name string) BreakerOption {
	return func(b *Breaker) {
		b.logger = l
		b.name = name
	}
}

// NewBreaker opens after threshold consecutive failures and lets one probe
// through once timeout has elapsed.
func NewBreaker(sink Sink, threshold int, timeout time.Duration, opts ...BreakerOption) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	b := &Breaker{
		sink:      sink,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// allow moves an open circuit to half-open once the timeout has passed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(b.lastFail) > b.timeout {
			b.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return false // one probe at a time
	}
	return false
}

// onSuccess closes the circuit and reports whether it was open before.
func (b *Breaker) onSuccess() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	reopened := b.state != stateClosed
	b.state = stateClosed
	b.failures = 0
	return reopened
}

// onFailure reports whether this failure opened a closed circuit.
func (b *Breaker) onFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFail = time.Now()
	b.failures++
	if b.state == stateClosed && b.failures >= b.threshold {
		b.state = stateOpen
		return true
	} else if b.state == stateHalfOpen {
		b.state = stateOpen
	}
	return false
}

// Emit implements Sink.Emit.
func (b *Breaker) Emit(ctx context.Context, e Event) error {
	if !b.allow() {
		return ErrCircuitOpen
	}
	if err := b.sink.Emit(ctx, e); err != nil {
		if b.onFailure() && b.logger != nil {
			b.logger.Warn("garden: event sink unavailable, skipping it",
				"sink", b.name, "failures", b.threshold, "retry_after", b.timeout, "error", err)
		}
		return err
	}
	if b.onSuccess() && b.logger != nil {
		b.logger.Info("garden: event sink recovered", "sink", b.name)
	}
	return nil
}
