// Package lock serializes stock mutations for one medication at one site.
//
// The database row locks and conditional updates stay authoritative; this
// lock only keeps competing writers from piling up on the same rows.
package lock

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/medflow/pharmanet/pkg/config"
	"github.com/medflow/pharmanet/pkg/errors"
	"github.com/medflow/pharmanet/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// Locker acquires a named lock. The returned release func must be called
// exactly once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// StockKey names the lock guarding a (medication, site) inventory.
func StockKey(medicationID, siteID string) string {
	return fmt.Sprintf("stock:%s:%s", medicationID, siteID)
}

func contended(key string) error {
	return errors.Conflict("stock for " + key + " is being updated by another operation, retry")
}

// RedisLocker holds locks in Redis so several service replicas share them.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	opts   *redislock.Options
	logger *logger.Logger
}

// NewRedisClient connects to Redis and verifies the connection with PING.
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// NewRedis creates a Redis-backed locker. Acquire retries for roughly one
// second before giving up with a CONFLICT error.
func NewRedis(rdb redislock.RedisClient, ttl time.Duration, log *logger.Logger) *RedisLocker {
	return &RedisLocker{
		client: redislock.New(rdb),
		ttl:    ttl,
		opts: &redislock.Options{
			RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 20),
		},
		logger: log,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	lk, err := l.client.Obtain(ctx, key, l.ttl, l.opts)
	if stderrors.Is(err, redislock.ErrNotObtained) {
		l.logger.Warn().Str("lock", key).Msg("could not obtain stock lock")
		return nil, contended(key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}

	return func() {
		// The caller's context may already be cancelled; release regardless.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := lk.Release(ctx); err != nil && !stderrors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.Warn().Err(err).Str("lock", key).Msg("failed to release stock lock")
		}
	}, nil
}

// LocalLocker is an in-process keyed mutex for single-replica deployments
// and tests.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocal creates an in-process locker.
func NewLocal() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, s)
		return nil, contended(key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.drop(key, s)
		})
	}, nil
}

func (l *LocalLocker) drop(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Noop never blocks. It is used when stock writes need no serialization
// beyond the database.
type Noop struct{}

func (Noop) Acquire(context.Context, string) (func(), error) { return func() {}, nil }
