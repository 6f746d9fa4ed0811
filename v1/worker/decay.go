package worker

import (
	"context"
	"time"

	"github.com/mirkobrombin/go-garden/v1/event"
	"github.com/mirkobrombin/go-garden/v1/lock"
	"github.com/mirkobrombin/go-garden/v1/table"
)

// Decay ages a single flower.
type Decay struct {
	index int
	tbl   *table.Table
	locks lock.Locker
	opts  options
}

// NewDecay returns the decay worker for flower index.
func NewDecay(index int, tbl *table.Table, locks lock.Locker, opts ...Option) *Decay {
	return &Decay{
		index: index,
		tbl:   tbl,
		locks: locks,
		opts:  newOptions(time.Now().UnixNano()+int64(index), opts),
	}
}

// Index returns the flower this worker ages.
func (d *Decay) Index() int { return d.index }

// Step moves the flower from healthy to withering. It reports whether the
// state changed; a flower in any other state is left alone.
func (d *Decay) Step(ctx context.Context) (bool, error) {
	changed := false
	err := lock.With(ctx, d.locks, d.index, func() error {
		if d.tbl.State(d.index) != table.Healthy {
			return nil
		}
		d.tbl.SetState(d.index, table.Withering)
		changed = true
		emit(ctx, d.opts, event.Withering(d.index))
		return nil
	})
	return changed, err
}

// Run sleeps a random delay and steps, until ctx is done. A lock failure
// stops this worker only.
func (d *Decay) Run(ctx context.Context) error {
	for {
		if err := sleep(ctx, d.opts.delay.Next()); err != nil {
			return nil
		}
		if _, err := d.Step(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.opts.logger.Error("garden: decay worker stopped", "flower", d.index, "error", err)
			return err
		}
	}
}

func emit(ctx context.Context, o options, e event.Event) {
	if err := o.sink.Emit(ctx, e); err != nil {
		o.logger.Warn("garden: event not delivered", "event", e.String(), "error", err)
	}
}
