// Package store wraps the Redis index store behind the small command surface
// the matcher needs. All transport failures are mapped to ErrUnavailable so
// callers never branch on driver error types, and a circuit breaker guards
// the backend so a dead Redis fails fast instead of stacking up timeouts.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

var (
	// ErrNotFound reports a missing key. Callers decide whether that is an
	// error (balance lookups treat it as zero).
	ErrNotFound = errors.New("store: key not found")

	// ErrUnavailable reports a backend transport failure; retryable by the
	// caller.
	ErrUnavailable = errors.New("store: backend unavailable")
)

// Client is a thin, breaker-guarded Redis client.
type Client struct {
	rdb *redis.Client
	brk *gobreaker.CircuitBreaker
	log zerolog.Logger
}

// Open connects to the index store and verifies connectivity before
// returning. Startup must fail loudly when the backend is absent.
func Open(ctx context.Context, redisURL string, logger zerolog.Logger) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger.Info().Str("component", "store").Str("addr", opts.Addr).Msg("index store connected")
	return New(rdb, logger), nil
}

// New wraps an existing client. Tests inject a redismock client here.
func New(rdb *redis.Client, logger zerolog.Logger) *Client {
	settings := gobreaker.Settings{Name: "index-store"}
	settings.Timeout = 10 * time.Second
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Warn().Str("component", "store").
			Str("from", from.String()).Str("to", to.String()).
			Msg("index store breaker state changed")
	}

	return &Client{
		rdb: rdb,
		brk: gobreaker.NewCircuitBreaker(settings),
		log: logger.With().Str("component", "store").Logger(),
	}
}

// guard runs one command through the backend breaker. redis.Nil is a normal
// outcome, not a backend failure.
func (c *Client) guard(fn func() error) error {
	_, err := c.brk.Execute(func() (interface{}, error) {
		if err := fn(); err != nil && err != redis.Nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Get returns the string value at key, or ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	var val string
	var missing bool
	err := c.guard(func() error {
		v, err := c.rdb.Get(ctx, key).Result()
		if err == redis.Nil {
			missing = true
			return err
		}
		val = v
		return err
	})
	if err != nil {
		return "", err
	}
	if missing {
		return "", ErrNotFound
	}
	return val, nil
}

// Set writes a string value. A zero ttl means no expiry.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.guard(func() error {
		return c.rdb.Set(ctx, key, value, ttl).Err()
	})
}

// Del removes keys. Missing keys are not an error.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.guard(func() error {
		return c.rdb.Del(ctx, keys...).Err()
	})
}

// ZAdd inserts or updates member in the sorted set at key.
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.guard(func() error {
		return c.rdb.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err()
	})
}

// ZRem removes member from the sorted set at key.
func (c *Client) ZRem(ctx context.Context, key, member string) error {
	return c.guard(func() error {
		return c.rdb.ZRem(ctx, key, member).Err()
	})
}

// ZRangeByScore returns members in [min, max] score order ascending.
func (c *Client) ZRangeByScore(ctx context.Context, key, min, max string) ([]string, error) {
	var members []string
	err := c.guard(func() error {
		v, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
		members = v
		return err
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

// ScanKeys iterates the keyspace for pattern and returns every matching key.
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := c.guard(func() error {
		var cursor uint64
		for {
			batch, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return err
			}
			keys = append(keys, batch...)
			cursor = next
			if cursor == 0 {
				return nil
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Watch runs fn under optimistic locking on keys, retrying on write
// conflicts. fn sees the raw transaction handle; any non-conflict error it
// returns passes through verbatim so domain sentinels survive the boundary.
// Watch bypasses the breaker: the ledger's debit must not trip on domain
// aborts, and conflicts are expected under contention.
func (c *Client) Watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	const maxRetries = 5
	for i := 0; i < maxRetries; i++ {
		err := c.rdb.Watch(ctx, fn, keys...)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: transaction conflict persisted", ErrUnavailable)
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
