package broker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unitylab/unity-coordinator/internal/metrics"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("broker: key not found")

// Config holds Redis broker configuration.
type Config struct {
	Addr         string        `mapstructure:"addr"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MaxPublishRetries bounds the backoff loop for transient publish
	// failures before the error surfaces to the caller.
	MaxPublishRetries int           `mapstructure:"max_publish_retries"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 3 * time.Second
	}
	if c.MaxPublishRetries == 0 {
		c.MaxPublishRetries = 3
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = 50 * time.Millisecond
	}
}

// Broker wraps a Redis client with the small surface the coordinator
// needs: channel pub/sub, TTL'd key storage, and counters.
type Broker struct {
	client *redis.Client
	cfg    Config
	logger *zap.Logger
}

// New connects to Redis and verifies the connection before returning.
func New(cfg Config, logger *zap.Logger) (*Broker, error) {
	cfg.applyDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Broker{client: client, cfg: cfg, logger: logger}, nil
}

// NewWithClient wraps an existing client; used by tests with miniredis.
func NewWithClient(client *redis.Client, logger *zap.Logger) *Broker {
	cfg := Config{}
	cfg.applyDefaults()
	return &Broker{client: client, cfg: cfg, logger: logger}
}

// Publish sends bytes to a channel, retrying transient failures with
// bounded exponential backoff before surfacing the error.
func (b *Broker) Publish(ctx context.Context, channel string, data []byte) error {
	var err error
	delay := b.cfg.RetryBaseDelay
	for attempt := 0; attempt <= b.cfg.MaxPublishRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = b.client.Publish(ctx, channel, data).Err(); err == nil {
			return nil
		}
		b.logger.Warn("Publish failed, retrying",
			zap.String("channel", channel),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	metrics.BrokerPublishErrors.Inc()
	return fmt.Errorf("publish to %s: %w", channel, err)
}

// Subscribe returns a pub/sub stream for the given channels. The caller
// owns the subscription and must Close it.
func (b *Broker) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return b.client.Subscribe(ctx, channels...)
}

// PSubscribe returns a pub/sub stream matching the given channel
// patterns, e.g. "unity:memory:*". The caller owns the subscription.
func (b *Broker) PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub {
	return b.client.PSubscribe(ctx, patterns...)
}

// Set stores a value under key with the given TTL.
func (b *Broker) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

// Get fetches the value stored at key; ErrNotFound if missing or expired.
func (b *Broker) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

// IncrField increments a counter field in a hash, used for per-office
// sent/received accounting.
func (b *Broker) IncrField(ctx context.Context, key, field string) error {
	return b.client.HIncrBy(ctx, key, field, 1).Err()
}

// CounterField reads a hash counter field; 0 if absent.
func (b *Broker) CounterField(ctx context.Context, key, field string) (int64, error) {
	v, err := b.client.HGet(ctx, key, field).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// Delete removes a key.
func (b *Broker) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

// Close releases the underlying connection pool.
func (b *Broker) Close() error {
	return b.client.Close()
}
