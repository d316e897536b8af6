package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"moonvpn/internal/pkg/utils"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a cross-process lock built on SET NX PX. The ttl bounds how long
// a crashed holder can block others; a live holder extends it every ttl/3
// until release.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
	log    *zap.Logger
}

func NewRedis(client redis.UniversalClient, ttl time.Duration, log *zap.Logger) *Redis {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{
		client: client,
		prefix: "moonvpn:lock:",
		ttl:    ttl,
		poll:   50 * time.Millisecond,
		log:    log,
	}
}

func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	full := r.prefix + key
	token := utils.RandomHex(16)

	t := time.NewTicker(r.poll)
	defer t.Stop()
	for {
		ok, err := r.client.SetNX(ctx, full, token, r.ttl).Result()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-t.C:
		}
	}

	every := r.ttl / 3
	if every <= 0 {
		every = time.Millisecond
	}
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		keepAlive(stop, every, func(ctx context.Context) (bool, error) {
			n, err := refreshScript.Run(ctx, r.client, []string{full}, token, r.ttl.Milliseconds()).Int()
			return n == 1, err
		}, r.log.With(zap.String("key", key)))
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-stopped
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{full}, token).Err(); err != nil {
				r.log.Warn("lock release failed", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}

// keepAlive calls refresh every interval until stop is closed. It gives up
// when refresh reports the lock is no longer held by this token.
func keepAlive(stop <-chan struct{}, every time.Duration, refresh func(ctx context.Context) (bool, error), log *zap.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), every)
		held, err := refresh(ctx)
		cancel()
		switch {
		case err != nil:
			log.Warn("lock lease not extended", zap.Error(err))
		case !held:
			log.Error("lock lease lost while held")
			return
		}
	}
}

// New connects to Redis and falls back to an in-process lock when addr is
// empty or unreachable. The returned error reports the fallback reason.
func New(addr, pass string, db int, ttl time.Duration, log *zap.Logger) (Locker, error) {
	if addr == "" {
		return NewMemory(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: pass,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return NewMemory(), err
	}
	return NewRedis(client, ttl, log), nil
}
