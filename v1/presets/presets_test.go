package presets

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/mirkobrombin/go-garden/v1/config"
	"github.com/mirkobrombin/go-garden/v1/lifecycle"
	"github.com/mirkobrombin/go-garden/v1/lock"
)

func TestPresetsAreValid(t *testing.T) {
	for name, cfg := range map[string]*config.Config{
		"named":      NewNamed(5),
		"embedded":   NewEmbedded(5),
		"redis":      NewRedis(5, RedisOptions{Addr: "localhost:6379"}),
		"standalone": NewInMemoryStandalone(5),
	} {
		if err := cfg.Validate(); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if cfg.Flowers != 5 {
			t.Fatalf("%s: flowers %d", name, cfg.Flowers)
		}
	}
	if NewInMemoryStandalone(1).DecayMode != config.DecayGoroutine {
		t.Fatal("standalone must run decay workers in process")
	}
}

func TestNewInMemoryStandalone(t *testing.T) {
	cfg := NewInMemoryStandalone(3)
	cfg.Dir = t.TempDir()
	m := lifecycle.New(cfg)
	_, locks, err := m.Initialize(context.Background())
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer m.Teardown()
	if _, ok := locks.(*lock.Embedded); !ok {
		t.Fatalf("expected embedded locks, got %T", locks)
	}
}

func TestNewRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	cfg := NewRedis(2, RedisOptions{Addr: mr.Addr(), TTL: time.Minute})
	cfg.Dir = t.TempDir()
	m := lifecycle.New(cfg)
	_, locks, err := m.Initialize(context.Background())
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if ok, _ := locks.TryLock(context.Background(), 0); !ok {
		t.Fatal("trylock")
	}
	if ttl := mr.TTL("flower_sem_0"); ttl != time.Minute {
		t.Fatalf("expected ttl of a minute, got %v", ttl)
	}
	if err := m.Teardown(); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if mr.Exists("flower_sem_0") {
		t.Fatal("lock key left behind")
	}
}
