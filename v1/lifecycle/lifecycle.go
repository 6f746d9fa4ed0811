// Package lifecycle owns the shared objects of a garden. The initiating
// process creates the segment, formats the resource table and creates one
// lock per flower; worker processes attach to what already exists. Teardown
// releases exactly what was acquired and may run any number of times, from a
// signal, a failed initialization or a fatal exit.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/dc0d/onexit"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/mirkobrombin/go-garden/v1/config"
	garderrors "github.com/mirkobrombin/go-garden/v1/errors"
	"github.com/mirkobrombin/go-garden/v1/lock"
	"github.com/mirkobrombin/go-garden/v1/shm"
	"github.com/mirkobrombin/go-garden/v1/table"
)

// Manager creates or attaches the shared objects of one garden and releases
// them on Teardown.
type Manager struct {
	cfg    *config.Config
	logger *slog.Logger

	redis     *redis.Client
	ownsRedis bool

	mu     sync.Mutex
	owner  bool
	seg    *shm.Segment
	tbl    *table.Table
	locks  lock.Locker
	hooks  []func() error
	torn   bool
	sigCh  chan os.Signal
	exitOn sync.Once

	// stopping is closed when Teardown starts, done when it has finished.
	stopping chan struct{}
	done     chan struct{}
}

// ShutdownSignals are the signals that end a garden. They match the set
// intercepted by onexit, so none of them can release resources behind the
// back of HandleSignals.
var ShutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGTSTP}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for teardown diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRedisClient supplies the client used by the redis placement. The
// caller keeps ownership of it.
func WithRedisClient(c *redis.Client) Option {
	return func(m *Manager) { m.redis = c }
}

// New returns a Manager for cfg. Nothing is created until Initialize or
// Attach is called.
func New(cfg *config.Config, opts ...Option) *Manager {
	m := &Manager{cfg: cfg, stopping: make(chan struct{}), done: make(chan struct{})}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Table returns the resource table, or nil before Initialize/Attach.
func (m *Manager) Table() *table.Table {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tbl
}

// Locks returns the lock set, or nil before Initialize/Attach.
func (m *Manager) Locks() lock.Locker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locks
}

// Initialize creates the segment, sizes and maps it, formats a table of
// Flowers healthy records and creates the lock set. On failure everything
// already created is released and a *errors.ResourceInitError is returned.
func (m *Manager) Initialize(ctx context.Context) (*table.Table, lock.Locker, error) {
	m.mu.Lock()
	if m.seg != nil || m.torn {
		m.mu.Unlock()
		return nil, nil, &garderrors.ResourceInitError{Op: "shm_open", Name: m.cfg.Segment, Err: garderrors.ErrReleased}
	}
	m.owner = true
	m.mu.Unlock()

	tbl, locks, err := m.setup(ctx, true)
	if err != nil {
		m.logger.Error("garden: initialization failed", "error", err)
		if terr := m.Teardown(); terr != nil {
			m.logger.Warn("garden: rollback incomplete", "error", terr)
		}
		return nil, nil, err
	}
	return tbl, locks, nil
}

// Attach maps the existing segment and opens the existing locks. It never
// creates or removes shared objects.
func (m *Manager) Attach(ctx context.Context) (*table.Table, lock.Locker, error) {
	tbl, locks, err := m.setup(ctx, false)
	if err != nil {
		_ = m.Detach()
		return nil, nil, err
	}
	return tbl, locks, nil
}

func (m *Manager) setup(ctx context.Context, create bool) (*table.Table, lock.Locker, error) {
	n := m.cfg.Flowers
	var (
		seg *shm.Segment
		err error
	)
	if create {
		seg, err = shm.Create(m.cfg.Dir, m.cfg.Segment, table.Size(n), 0o600)
	} else {
		seg, err = shm.Open(m.cfg.Dir, m.cfg.Segment)
	}
	if err != nil {
		return nil, nil, garderrors.InitError("shm_open", m.cfg.Segment, err)
	}
	m.mu.Lock()
	m.seg = seg
	m.mu.Unlock()

	var tbl *table.Table
	if create {
		tbl, err = table.New(seg.Bytes(), n)
	} else {
		tbl, err = table.Attach(seg.Bytes())
	}
	if err != nil {
		return nil, nil, garderrors.InitError("header", m.cfg.Segment, err)
	}
	m.mu.Lock()
	m.tbl = tbl
	m.mu.Unlock()

	locks, err := m.openLocks(ctx, tbl, create)
	if err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	m.locks = locks
	m.mu.Unlock()
	return tbl, locks, nil
}

func (m *Manager) openLocks(ctx context.Context, tbl *table.Table, create bool) (lock.Locker, error) {
	op := "lock_open"
	if create {
		op = "lock_create"
	}
	switch m.cfg.Placement {
	case lock.PlacementNamed:
		if create {
			return lock.CreateNamed(m.cfg.Dir, m.cfg.LockPrefix, tbl.Len())
		}
		return lock.OpenNamed(m.cfg.Dir, m.cfg.LockPrefix, tbl.Len())
	case lock.PlacementEmbedded:
		if create {
			return lock.NewEmbedded(tbl), nil
		}
		return lock.AttachEmbedded(tbl), nil
	case lock.PlacementRedis:
		client := m.redisClient()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, &garderrors.ResourceInitError{Op: op, Name: m.cfg.Redis.Addr, Err: err}
		}
		prefix := RedisPrefix(m.cfg.LockPrefix)
		opts := []lock.RedisOption{lock.WithTTL(m.cfg.Redis.TTL)}
		if create {
			return lock.CreateRedis(ctx, client, prefix, tbl.Len(), opts...)
		}
		return lock.OpenRedis(client, prefix, tbl.Len(), opts...), nil
	default:
		return nil, &garderrors.ResourceInitError{Op: op, Err: fmt.Errorf("%w: %q", lock.ErrUnknownPlacement, m.cfg.Placement)}
	}
}

func (m *Manager) redisClient() *redis.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.redis == nil {
		m.redis = NewRedisClient(m.cfg.Redis)
		m.ownsRedis = true
	}
	return m.redis
}

// NewRedisClient connects to the server described by c.
func NewRedisClient(c config.Redis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})
}

// RedisPrefix derives Redis key names from a lock name prefix such as
// "/flower_sem_".
func RedisPrefix(prefix string) string {
	return strings.TrimPrefix(prefix, "/")
}

// OnTeardown registers fn to run at the start of Teardown, before any shared
// object is released. Hooks run in reverse registration order.
func (m *Manager) OnTeardown(fn func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Teardown runs the registered hooks, then releases every object this
// Manager acquired: the lock set, the mapping, the descriptor and, when this
// Manager created them, the names. Only the first call does any work; later
// calls wait for it to finish and return nil.
func (m *Manager) Teardown() error {
	m.mu.Lock()
	if m.torn {
		m.mu.Unlock()
		<-m.done
		return nil
	}
	m.torn = true
	close(m.stopping)
	hooks := m.hooks
	m.hooks = nil
	m.mu.Unlock()
	defer close(m.done)

	var err error
	for i := len(hooks) - 1; i >= 0; i-- {
		err = multierr.Append(err, hooks[i]())
	}
	err = multierr.Append(err, m.release())
	if err != nil {
		m.logger.Warn("garden: teardown", "error", err)
	}
	return err
}

func (m *Manager) release() error {
	var err error
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sigCh != nil {
		signal.Stop(m.sigCh)
	}
	if m.locks != nil {
		if m.owner {
			err = multierr.Append(err, m.locks.Destroy())
		}
		err = multierr.Append(err, m.locks.Close())
		m.locks = nil
	}
	m.tbl = nil
	if m.seg != nil {
		err = multierr.Append(err, m.seg.Close())
		if m.owner {
			err = multierr.Append(err, m.seg.Unlink())
		}
		m.seg = nil
	}
	if m.ownsRedis && m.redis != nil {
		err = multierr.Append(err, m.redis.Close())
		m.redis = nil
	}
	return err
}

// Detach drops the handles opened by Attach and leaves shared objects alone.
func (m *Manager) Detach() error {
	m.mu.Lock()
	owner := m.owner
	m.mu.Unlock()
	if owner {
		return fmt.Errorf("lifecycle: detach called on the initiating process")
	}
	return m.Teardown()
}

// CatchSignals starts intercepting sigs, ShutdownSignals when none are
// given, so that a signal arriving before HandleSignals is not lost. Only
// the first call has any effect.
func (m *Manager) CatchSignals(sigs ...os.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sigCh != nil {
		return
	}
	if len(sigs) == 0 {
		sigs = ShutdownSignals
	}
	m.sigCh = make(chan os.Signal, 1)
	signal.Notify(m.sigCh, sigs...)
}

// HandleSignals blocks until a caught signal arrives, ctx is done or a
// teardown starts elsewhere, then tears down. It returns the received
// signal, or nil when none was caught.
// sigs are passed to CatchSignals.
func (m *Manager) HandleSignals(ctx context.Context, sigs ...os.Signal) (os.Signal, error) {
	m.CatchSignals(sigs...)
	m.mu.Lock()
	ch := m.sigCh
	m.mu.Unlock()

	var sig os.Signal
	select {
	case sig = <-ch:
		m.logger.Info("garden: shutting down", "signal", sig.String())
	case <-ctx.Done():
	case <-m.stopping:
	}
	err := m.Teardown()
	if sig == nil {
		// a teardown started by the exit hook may race the signal that
		// triggered it; by now that signal has been delivered
		select {
		case sig = <-ch:
		default:
		}
	}
	return sig, err
}

// ExitCode returns the conventional status of a process ended by sig.
func ExitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return 1
}

// RegisterExitHook arranges for Teardown to run when the process leaves
// through onexit.ForceExit or onexit's own signal handler. A running
// HandleSignals wakes up and waits for that teardown.
func (m *Manager) RegisterExitHook() {
	m.exitOn.Do(func() {
		onexit.Register(func() {
			if err := m.Teardown(); err != nil {
				m.logger.Warn("garden: exit teardown", "error", err)
			}
		})
	})
}

// RemoveStale removes names left behind by a run that did not tear down:
// the segment and every per-flower lock of the configured placement.
func RemoveStale(cfg *config.Config, client *redis.Client) error {
	err := shm.Unlink(cfg.Dir, cfg.Segment)
	switch cfg.Placement {
	case lock.PlacementNamed:
		err = multierr.Append(err, lock.RemoveNamed(cfg.Dir, cfg.LockPrefix, cfg.Flowers))
	case lock.PlacementRedis:
		if client == nil {
			client = NewRedisClient(cfg.Redis)
			defer client.Close()
		}
		r := lock.OpenRedis(client, RedisPrefix(cfg.LockPrefix), cfg.Flowers)
		err = multierr.Append(err, r.Destroy())
	}
	return err
}
