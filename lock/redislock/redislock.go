// Package redislock provides an entitle.Locker backed by Redis, for
// deployments where several engine instances share one store.
//
// A lock is a key set with SET NX PX holding a random token. Release deletes
// the key only while it still holds that token, so an expired lock that was
// taken over by another holder is never released by the old one.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/xraph/entitle"
)

var _ entitle.Locker = (*Locker)(nil)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Client is the subset of redis.UniversalClient used by the Locker.
type Client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// Locker implements entitle.Locker on Redis.
type Locker struct {
	client Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

// Option configures a Locker.
type Option func(*Locker)

// WithPrefix namespaces lock keys. Default "entitle:lock:".
func WithPrefix(p string) Option { return func(l *Locker) { l.prefix = p } }

// WithTTL bounds how long a crashed holder can block a key. It must exceed
// the longest critical section, which includes one gateway call. Default 30s.
func WithTTL(d time.Duration) Option { return func(l *Locker) { l.ttl = d } }

// WithRetryInterval sets the polling interval while a key is held.
// Default 25ms.
func WithRetryInterval(d time.Duration) Option { return func(l *Locker) { l.retry = d } }

// WithLogger sets the logger for release failures.
func WithLogger(logger *slog.Logger) Option { return func(l *Locker) { l.logger = logger } }

// New creates a Locker on client.
func New(client Client, opts ...Option) *Locker {
	l := &Locker{
		client: client,
		prefix: "entitle:lock:",
		ttl:    30 * time.Second,
		retry:  25 * time.Millisecond,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock implements entitle.Locker. It polls until the key is acquired or ctx
// is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("redislock: acquire %s: %w", key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(redisKey, token) })
	}, nil
}

// release runs detached from the caller's context so a cancelled request
// still frees the key.
func (l *Locker) release(redisKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := l.client.Eval(ctx, releaseScript, []string{redisKey}, token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		l.logger.Warn("redislock: release failed, key expires on its own",
			"key", redisKey,
			"error", err,
		)
	}
}
