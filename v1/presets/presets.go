package presets

import (
	"time"

	"github.com/mirkobrombin/go-garden/v1/config"
	"github.com/mirkobrombin/go-garden/v1/lock"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long a dead holder can keep a flower locked.
	TTL time.Duration
}

// NewNamed returns a garden of n flowers guarded by named locks in /dev/shm,
// one decay process per flower. This is the classic layout.
func NewNamed(n int) *config.Config {
	cfg := config.Default()
	cfg.Flowers = n
	cfg.Placement = lock.PlacementNamed
	return cfg
}

// NewEmbedded returns a garden of n flowers whose locks live inside the
// shared records. Nothing but the segment is created in /dev/shm.
func NewEmbedded(n int) *config.Config {
	cfg := config.Default()
	cfg.Flowers = n
	cfg.Placement = lock.PlacementEmbedded
	return cfg
}

// NewRedis returns a garden of n flowers whose locks are Redis keys. The
// segment stays local; only lock traffic goes to Redis.
func NewRedis(n int, opts RedisOptions) *config.Config {
	cfg := config.Default()
	cfg.Flowers = n
	cfg.Placement = lock.PlacementRedis
	cfg.Redis = config.Redis{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		TTL:      opts.TTL,
	}
	return cfg
}

// NewInMemoryStandalone returns a single-process garden: embedded locks and
// decay workers running as goroutines. Useful for local runs and tests.
func NewInMemoryStandalone(n int) *config.Config {
	cfg := NewEmbedded(n)
	cfg.DecayMode = config.DecayGoroutine
	return cfg
}
