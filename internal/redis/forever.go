package redis

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/seedchat/seedchat/internal/log"
)

// Forever wraps go-redis with automatic retry using exponential backoff.
// All operations retry until successful or the context is cancelled.
// The op set mirrors what the message store actually needs: sorted-set
// history plus plain key and fanout operations.
type Forever interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	ZAdd(ctx context.Context, key string, members ...redis.Z) error
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error)
	Publish(ctx context.Context, channel string, payload any) error
}

type foreverImpl struct {
	client          redis.UniversalClient
	logger          *log.Logger
	initialInterval time.Duration
	maxInterval     time.Duration
}

// NewForever creates a Redis wrapper with forever backoff retry logic.
func NewForever(
	client redis.UniversalClient,
	initialInterval time.Duration,
	maxInterval time.Duration,
	logger *log.Logger,
) Forever {
	if client == nil {
		panic("redis client is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	if initialInterval <= 0 {
		initialInterval = 100 * time.Millisecond
	}
	if maxInterval <= 0 {
		maxInterval = 10 * time.Second
	}

	return &foreverImpl{
		client:          client,
		logger:          logger,
		initialInterval: initialInterval,
		maxInterval:     maxInterval,
	}
}

func (r *foreverImpl) newForeverBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialInterval
	b.MaxInterval = r.maxInterval
	b.MaxElapsedTime = 0 // 0 means forever
	return b
}

// retryWithBackoff tries the operation once first, only creates a backoff
// object if the first attempt fails. Optimizes for the common case where
// Redis operations succeed on first try.
func (r *foreverImpl) retryWithBackoff(ctx context.Context, operation func() error, operationName string) error {
	err := operation()
	if err == nil {
		return nil
	}

	r.logger.Warn("Redis operation failed, entering retry mode",
		log.String("operation", operationName),
		log.Error(err))

	b := r.newForeverBackoff()
	attempt := 1 // first attempt already done

	return backoff.Retry(func() error {
		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		default:
		}

		attempt++
		err := operation()
		if err != nil {
			r.logger.Warn("Redis operation retry failed",
				log.String("operation", operationName),
				log.Int("attempt", attempt),
				log.Error(err))
			return err
		}

		r.logger.Info("Redis operation recovered",
			log.String("operation", operationName),
			log.Int("total_attempts", attempt))
		return nil
	}, backoff.WithContext(b, ctx))
}

func (r *foreverImpl) Get(ctx context.Context, key string) (string, error) {
	var result string
	err := r.retryWithBackoff(ctx, func() error {
		val, err := r.client.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		result = val
		return nil
	}, "Get")
	return result, err
}

func (r *foreverImpl) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	return r.retryWithBackoff(ctx, func() error {
		return r.client.Set(ctx, key, value, expiration).Err()
	}, "Set")
}

func (r *foreverImpl) Del(ctx context.Context, keys ...string) error {
	return r.retryWithBackoff(ctx, func() error {
		return r.client.Del(ctx, keys...).Err()
	}, "Del")
}

func (r *foreverImpl) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.retryWithBackoff(ctx, func() error {
		return r.client.Expire(ctx, key, ttl).Err()
	}, "Expire")
}

func (r *foreverImpl) ZAdd(ctx context.Context, key string, members ...redis.Z) error {
	return r.retryWithBackoff(ctx, func() error {
		return r.client.ZAdd(ctx, key, members...).Err()
	}, "ZAdd")
}

func (r *foreverImpl) ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) ([]string, error) {
	var result []string
	err := r.retryWithBackoff(ctx, func() error {
		val, err := r.client.ZRangeByScore(ctx, key, opt).Result()
		if err != nil {
			return err
		}
		result = val
		return nil
	}, "ZRangeByScore")
	return result, err
}

func (r *foreverImpl) ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error) {
	var removed int64
	err := r.retryWithBackoff(ctx, func() error {
		val, err := r.client.ZRemRangeByScore(ctx, key, min, max).Result()
		if err != nil {
			return err
		}
		removed = val
		return nil
	}, "ZRemRangeByScore")
	return removed, err
}

func (r *foreverImpl) Publish(ctx context.Context, channel string, payload any) error {
	return r.retryWithBackoff(ctx, func() error {
		return r.client.Publish(ctx, channel, payload).Err()
	}, "Publish")
}
