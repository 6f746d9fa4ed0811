// Package garden wires the pieces of a run together: it creates the shared
// resources, starts one decay worker per flower and a pool of gardeners,
// prints every transition and tears everything down when a signal arrives.
package garden

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	sarama "github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-garden/v1/config"
	"github.com/mirkobrombin/go-garden/v1/event"
	"github.com/mirkobrombin/go-garden/v1/lifecycle"
	"github.com/mirkobrombin/go-garden/v1/lock"
	"github.com/mirkobrombin/go-garden/v1/shm"
	"github.com/mirkobrombin/go-garden/v1/spawn"
	"github.com/mirkobrombin/go-garden/v1/table"
	"github.com/mirkobrombin/go-garden/v1/worker"
)

// Garden runs one simulation described by a Config.
type Garden struct {
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer
	extra  []event.Sink
	redis  *redis.Client
	exe    string
	grace  time.Duration
	ready  func(*table.Table)
}

// Option configures a Garden.
type Option func(*Garden)

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Garden) { g.logger = l }
}

// WithOutput sets where the trace is printed. The default is stdout.
func WithOutput(w io.Writer) Option {
	return func(g *Garden) { g.out = w }
}

// WithSink adds a sink receiving every event of this process.
func WithSink(s event.Sink) Option {
	return func(g *Garden) { g.extra = append(g.extra, s) }
}

// WithRedisClient supplies the client for the redis placement.
func WithRedisClient(c *redis.Client) Option {
	return func(g *Garden) { g.redis = c }
}

// WithExecutable sets the binary re-executed for decay processes. The
// default is the running binary.
func WithExecutable(path string) Option {
	return func(g *Garden) { g.exe = path }
}

// WithGrace sets how long decay processes get to exit after SIGTERM.
func WithGrace(d time.Duration) Option {
	return func(g *Garden) { g.grace = d }
}

// WithReady registers fn to be called once all workers have started.
func WithReady(fn func(*table.Table)) Option {
	return func(g *Garden) { g.ready = fn }
}

// New returns a Garden for cfg.
func New(cfg *config.Config, opts ...Option) *Garden {
	g := &Garden{cfg: cfg, out: os.Stdout}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Run creates the shared resources, starts every worker and blocks until
// one of lifecycle.ShutdownSignals arrives or ctx ends. Resources are released before Run
// returns. The returned signal is nil when ctx ended first.
func (g *Garden) Run(ctx context.Context) (os.Signal, error) {
	if err := g.cfg.Validate(); err != nil {
		return nil, err
	}
	sink, closeSinks, err := g.sinks()
	if err != nil {
		return nil, err
	}

	m := lifecycle.New(g.cfg, lifecycle.WithLogger(g.logger), lifecycle.WithRedisClient(g.redis))
	m.CatchSignals()
	tbl, locks, err := m.Initialize(ctx)
	if err != nil {
		_ = closeSinks()
		return nil, err
	}
	m.RegisterExitHook()
	m.OnTeardown(closeSinks)

	wctx, cancel := context.WithCancel(context.Background())
	runner, err := g.decayRunner(wctx, tbl, locks, sink)
	if err != nil {
		cancel()
		_ = m.Teardown()
		return nil, err
	}
	var gardeners errgroup.Group
	m.OnTeardown(func() error {
		cancel()
		return multierr.Append(runner.Stop(), gardeners.Wait())
	})

	for i := 0; i < tbl.Len(); i++ {
		if err := runner.Start(i); err != nil {
			g.logger.Error("garden: cannot start decay worker", "flower", i, "error", err)
			_ = m.Teardown()
			return nil, err
		}
	}
	for id := 1; id <= g.cfg.Gardeners; id++ {
		gw := worker.NewGardener(id, tbl, locks,
			worker.WithSink(sink),
			worker.WithLogger(g.logger),
			worker.WithStep(g.cfg.Step),
			worker.WithSweepPause(g.cfg.SweepPause),
		)
		gardeners.Go(func() error { return gw.Run(wctx) })
	}
	g.logger.Info("garden: running",
		"flowers", tbl.Len(),
		"gardeners", g.cfg.Gardeners,
		"placement", string(g.cfg.Placement),
		"decay_mode", string(g.cfg.DecayMode),
	)
	if g.ready != nil {
		g.ready(tbl)
	}
	return m.HandleSignals(ctx)
}

func (g *Garden) decayRunner(ctx context.Context, tbl *table.Table, locks lock.Locker, sink event.Sink) (spawn.Runner, error) {
	if g.cfg.DecayMode == config.DecayGoroutine {
		return spawn.NewGoroutines(ctx, func(ctx context.Context, i int) error {
			return g.decay(i, tbl, locks, sink).Run(ctx)
		}), nil
	}
	exe := g.exe
	if exe == "" {
		self, err := spawn.Self()
		if err != nil {
			return nil, fmt.Errorf("garden: locate executable: %w", err)
		}
		exe = self
	}
	base := g.cfg.Args()
	opts := []spawn.ProcessOption{
		spawn.WithEnv(g.cfg.Env()...),
		spawn.WithOutput(g.out, os.Stderr),
		spawn.WithLogger(g.logger),
	}
	if g.grace > 0 {
		opts = append(opts, spawn.WithGrace(g.grace))
	}
	return spawn.NewProcesses(exe, func(i int) []string {
		return append([]string{"decay", "--index", strconv.Itoa(i)}, base...)
	}, opts...), nil
}

func (g *Garden) decay(i int, tbl *table.Table, locks lock.Locker, sink event.Sink) *worker.Decay {
	seed := g.cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return worker.NewDecay(i, tbl, locks,
		worker.WithSink(sink),
		worker.WithLogger(g.logger),
		worker.WithDelay(worker.NewUniform(g.cfg.DecayMin, g.cfg.DecayMax, seed+int64(i))),
	)
}

// RunDecay is the body of a decay process: it attaches to the garden
// created by the parent and ages flower index until ctx ends.
func (g *Garden) RunDecay(ctx context.Context, index int) error {
	if index < 0 || index >= g.cfg.Flowers {
		return fmt.Errorf("garden: flower index %d out of range [0, %d)", index, g.cfg.Flowers)
	}
	sink, closeSinks, err := g.sinks()
	if err != nil {
		return err
	}
	defer closeSinks()

	m := lifecycle.New(g.cfg, lifecycle.WithLogger(g.logger), lifecycle.WithRedisClient(g.redis))
	tbl, locks, err := m.Attach(ctx)
	if err != nil {
		return err
	}
	defer m.Detach()
	return g.decay(index, tbl, locks, sink).Run(ctx)
}

// A remote sink failing this many times in a row is skipped for
// remoteBackoff.
const (
	remoteFailures = 3
	remoteBackoff  = 5 * time.Second
)

// sinks builds the trace sink of this process and a function closing the
// remote connections it opened.
func (g *Garden) sinks() (event.Sink, func() error, error) {
	sinks := []event.Sink{
		event.NewWriterSink(g.out),
		event.NewLogSink(g.logger, slog.LevelDebug),
	}
	var closers []func() error
	closeAll := func() error {
		var err error
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i]())
		}
		return err
	}

	ev := g.cfg.Events
	if ev.NATSURL != "" {
		nc, err := nats.Connect(ev.NATSURL, nats.Name("garden-"+strconv.Itoa(os.Getpid())))
		if err != nil {
			return nil, nil, fmt.Errorf("garden: connect nats %s: %w", ev.NATSURL, err)
		}
		sinks = append(sinks, event.NewBreaker(event.NewNATSSink(nc, ev.Subject), remoteFailures, remoteBackoff,
			event.WithBreakerLogger(g.logger, "nats")))
		closers = append(closers, nc.Drain)
	}
	if len(ev.KafkaBrokers) > 0 {
		kcfg := sarama.NewConfig()
		kcfg.ClientID = "garden"
		kcfg.Producer.Timeout = time.Second
		ks, err := event.NewKafkaSink(ev.KafkaBrokers, kcfg, ev.KafkaTopic)
		if err != nil {
			_ = closeAll()
			return nil, nil, fmt.Errorf("garden: connect kafka: %w", err)
		}
		sinks = append(sinks, event.NewBreaker(ks, remoteFailures, remoteBackoff,
			event.WithBreakerLogger(g.logger, "kafka")))
		closers = append(closers, ks.Close)
	}
	sinks = append(sinks, g.extra...)
	return event.Multi(sinks...), closeAll, nil
}

// Snapshot reads the state of every flower without taking any lock. Each
// value is read atomically; the set as a whole is not a consistent cut.
func Snapshot(cfg *config.Config) ([]table.State, error) {
	seg, err := shm.Open(cfg.Dir, cfg.Segment)
	if err != nil {
		return nil, err
	}
	defer seg.Close()
	tbl, err := table.Attach(seg.Bytes())
	if err != nil {
		return nil, err
	}
	return tbl.Snapshot(), nil
}
