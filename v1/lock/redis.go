package lock

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	garderrors "github.com/mirkobrombin/go-garden/v1/errors"
)

// DefaultRedisPrefix derives lock keys such as flower_sem_3.
const DefaultRedisPrefix = "flower_sem_"

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    redis.call("DEL", KEYS[1])
    redis.call("PUBLISH", KEYS[1] .. ":unlock", "1")
    return 1
else
    return 0
end
`)

// Redis implements Locker with one Redis key per record. A key holds the
// random token of its holder, so only the holder can release it.
type Redis struct {
	client *redis.Client
	prefix string
	n      int
	ttl    time.Duration
	poll   time.Duration

	mu     sync.Mutex
	tokens map[int]string
}

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithTTL makes every held lock expire after ttl, so a holder that dies
// cannot block the record forever. Zero keeps locks until released.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = ttl }
}

// WithPollInterval bounds how long a waiter sleeps before retrying when it
// misses an unlock notification.
func WithPollInterval(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.poll = d
		}
	}
}

// CreateRedis prepares n unlocked Redis locks. It fails if any key already
// exists, so a lock held by a previous run is never silently reused.
func CreateRedis(ctx context.Context, client *redis.Client, prefix string, n int, opts ...RedisOption) (*Redis, error) {
	r := OpenRedis(client, prefix, n, opts...)
	keys := r.keys()
	exists, err := client.Exists(ctx, keys...).Result()
	if err != nil {
		return nil, &garderrors.ResourceInitError{Op: "lock_create", Name: r.prefix, Err: err}
	}
	if exists > 0 {
		return nil, &garderrors.ResourceInitError{Op: "lock_create", Name: r.prefix, Err: fmt.Errorf("%w: %d keys", garderrors.ErrExists, exists)}
	}
	return r, nil
}

// OpenRedis uses n locks prepared by another process.
func OpenRedis(client *redis.Client, prefix string, n int, opts ...RedisOption) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	r := &Redis{
		client: client,
		prefix: prefix,
		n:      n,
		poll:   100 * time.Millisecond,
		tokens: make(map[int]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) key(i int) string { return r.prefix + strconv.Itoa(i) }

func (r *Redis) keys() []string {
	keys := make([]string, r.n)
	for i := range keys {
		keys[i] = r.key(i)
	}
	return keys
}

// Len implements Locker.Len.
func (r *Redis) Len() int { return r.n }

// TryLock implements Locker.TryLock.
func (r *Redis) TryLock(ctx context.Context, i int) (bool, error) {
	if err := checkIndex(i, r.n); err != nil {
		return false, err
	}
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key(i), token, r.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		r.mu.Lock()
		r.tokens[i] = token
		r.mu.Unlock()
	}
	return ok, nil
}

// Acquire implements Locker.Acquire. Waiters subscribe to the key's unlock
// channel and retry on every notification or poll interval.
func (r *Redis) Acquire(ctx context.Context, i int) error {
	for {
		ok, err := r.TryLock(ctx, i)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		sub := r.client.Subscribe(ctx, r.key(i)+":unlock")
		// the holder may have released before the subscription was active
		if ok, err := r.TryLock(ctx, i); err != nil || ok {
			_ = sub.Close()
			return err
		}
		timer := time.NewTimer(r.poll)
		select {
		case <-sub.Channel():
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			_ = sub.Close()
			return ctx.Err()
		}
		timer.Stop()
		_ = sub.Close()
	}
}

// Release implements Locker.Release.
func (r *Redis) Release(ctx context.Context, i int) error {
	if err := checkIndex(i, r.n); err != nil {
		return err
	}
	// The token leaves the map while the key still exists, so no other
	// goroutine of this process can have stored its own token for i yet.
	r.mu.Lock()
	token, ok := r.tokens[i]
	delete(r.tokens, i)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("lock: release of unheld lock %d", i)
	}
	_, err := delScript.Run(ctx, r.client, []string{r.key(i)}, token).Result()
	if err == redis.Nil {
		err = nil
	}
	if err != nil {
		r.mu.Lock()
		if _, taken := r.tokens[i]; !taken {
			r.tokens[i] = token
		}
		r.mu.Unlock()
	}
	return err
}

// Close implements Locker.Close. The client is owned by the caller.
func (r *Redis) Close() error {
	r.mu.Lock()
	r.tokens = make(map[int]string)
	r.mu.Unlock()
	return nil
}

// Destroy implements Locker.Destroy by deleting every lock key.
func (r *Redis) Destroy() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = r.Close()
	return r.client.Del(ctx, r.keys()...).Err()
}
