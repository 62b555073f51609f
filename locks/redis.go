package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrNotObtained is returned when the lock stayed busy for the whole wait.
var ErrNotObtained = errors.New("lock not obtained")

// Redis locks keys across processes with bsm/redislock. Each lock expires
// after TTL so a crashed holder cannot wedge a row forever.
type Redis struct {
	client *redislock.Client
	logger logrus.FieldLogger
	prefix string
	ttl    time.Duration
	wait   time.Duration
}

type RedisOptions struct {
	Prefix string        // key namespace, default "jobsheet:lock:"
	TTL    time.Duration // default 30s
	Wait   time.Duration // how long Lock retries, default 10s
}

func NewRedis(rdb redis.UniversalClient, logger logrus.FieldLogger, opts RedisOptions) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = "jobsheet:lock:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.Wait <= 0 {
		opts.Wait = 10 * time.Second
	}
	return &Redis{
		client: redislock.New(rdb),
		logger: logger,
		prefix: opts.Prefix,
		ttl:    opts.TTL,
		wait:   opts.Wait,
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()

	lock, err := r.client.Obtain(waitCtx, r.prefix+key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(25 * time.Millisecond),
	})
	if errors.Is(err, redislock.ErrNotObtained) || (err != nil && waitCtx.Err() != nil && ctx.Err() == nil) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotObtained)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain %s: %w", key, err)
	}

	return func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.logger.WithError(err).WithField("key", key).Warn("release lock")
		}
	}, nil
}
