package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/unitylab/unity-coordinator/internal/broker"
)

// Cache stores embedding vectors in the broker keyed by a hash of the
// model and text. Entries expire with the configured TTL; cache failures
// degrade to recomputation, never to errors.
type Cache struct {
	broker *broker.Broker
	ttl    time.Duration
	logger *zap.Logger
}

func NewCache(b *broker.Broker, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{broker: b, ttl: ttl, logger: logger}
}

func (c *Cache) Get(ctx context.Context, model, text string) ([]float32, bool) {
	data, err := c.broker.Get(ctx, cacheKey(model, text))
	if err != nil {
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		c.logger.Debug("Discarding corrupt embedding cache entry", zap.Error(err))
		return nil, false
	}
	return vec, true
}

func (c *Cache) Put(ctx context.Context, model, text string, vec []float32) {
	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.broker.Set(ctx, cacheKey(model, text), data, c.ttl); err != nil {
		c.logger.Debug("Embedding cache write failed", zap.Error(err))
	}
}

func cacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return "unity:embeddings:" + hex.EncodeToString(sum[:])
}
