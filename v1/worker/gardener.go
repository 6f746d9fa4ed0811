package worker

import (
	"context"
	"time"

	"github.com/mirkobrombin/go-garden/v1/event"
	"github.com/mirkobrombin/go-garden/v1/lock"
	"github.com/mirkobrombin/go-garden/v1/table"
)

// Gardener restores withering flowers. Several gardeners may sweep the same
// table; the record lock decides which one restores a given flower.
type Gardener struct {
	id    int
	tbl   *table.Table
	locks lock.Locker
	opts  options
}

// NewGardener returns gardener id working on tbl.
func NewGardener(id int, tbl *table.Table, locks lock.Locker, opts ...Option) *Gardener {
	return &Gardener{
		id:    id,
		tbl:   tbl,
		locks: locks,
		opts:  newOptions(time.Now().UnixNano()+int64(id), opts),
	}
}

// ID returns the gardener's identity.
func (g *Gardener) ID() int { return g.id }

// Visit waters flower i if it is withering and reports whether it did.
func (g *Gardener) Visit(ctx context.Context, i int) (bool, error) {
	watered := false
	err := lock.With(ctx, g.locks, i, func() error {
		if g.tbl.State(i) != table.Withering {
			return nil
		}
		g.tbl.SetState(i, table.Healthy)
		watered = true
		emit(ctx, g.opts, event.Watered(g.id, i))
		return nil
	})
	return watered, err
}

// Sweep visits every flower in index order, pausing one step after each,
// and returns how many it watered.
func (g *Gardener) Sweep(ctx context.Context) (int, error) {
	n := 0
	for i := 0; i < g.tbl.Len(); i++ {
		ok, err := g.Visit(ctx, i)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
		if err := sleep(ctx, g.opts.step); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Run sweeps until ctx is done, pausing between sweeps when a sweep pause is
// configured.
func (g *Gardener) Run(ctx context.Context) error {
	for {
		if _, err := g.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			g.opts.logger.Error("garden: gardener stopped", "gardener", g.id, "error", err)
			return err
		}
		if err := sleep(ctx, g.opts.pause); err != nil {
			return nil
		}
	}
}
