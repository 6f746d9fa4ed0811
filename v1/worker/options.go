package worker

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mirkobrombin/go-garden/v1/event"
)

// Delay yields the wait before a decay attempt.
type Delay interface {
	Next() time.Duration
}

// Fixed is a constant Delay.
type Fixed time.Duration

// Next implements Delay.
func (f Fixed) Next() time.Duration { return time.Duration(f) }

// Uniform draws delays uniformly from [min, max).
type Uniform struct {
	min  time.Duration
	span int64

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewUniform returns a Uniform delay seeded with seed.
func NewUniform(min, max time.Duration, seed int64) *Uniform {
	span := int64(max - min)
	if span < 0 {
		span = 0
	}
	return &Uniform{min: min, span: span, rnd: rand.New(rand.NewSource(seed))}
}

// Next implements Delay.
func (u *Uniform) Next() time.Duration {
	if u.span == 0 {
		return u.min
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.min + time.Duration(u.rnd.Int63n(u.span))
}

const (
	defaultDecayMin   = time.Second
	defaultDecayMax   = 6 * time.Second
	defaultStep       = 100 * time.Millisecond
	defaultSweepPause = 500 * time.Millisecond
)

type options struct {
	sink   event.Sink
	logger *slog.Logger
	delay  Delay
	step   time.Duration
	pause  time.Duration
}

// Option configures a worker.
type Option func(*options)

// WithSink sets where transition events go. The default discards them.
func WithSink(s event.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithLogger sets the logger used for sink and lock failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDelay sets the decay delay distribution.
func WithDelay(d Delay) Option {
	return func(o *options) { o.delay = d }
}

// WithStep sets the pause after each record a gardener visits.
func WithStep(d time.Duration) Option {
	return func(o *options) { o.step = d }
}

// WithSweepPause sets the pause after a full sweep. Zero sweeps continuously.
func WithSweepPause(d time.Duration) Option {
	return func(o *options) { o.pause = d }
}

func newOptions(seed int64, opts []Option) options {
	o := options{
		sink:  event.Discard,
		step:  defaultStep,
		pause: defaultSweepPause,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.delay == nil {
		o.delay = NewUniform(defaultDecayMin, defaultDecayMax, seed)
	}
	return o
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
