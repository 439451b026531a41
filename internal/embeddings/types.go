package embeddings

import (
	"context"
	"time"
)

// Provider computes a fixed-length vector for a text. Implementations must
// return vectors of a stable dimension for the lifetime of the process.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Config holds embedding service configuration.
type Config struct {
	BaseURL    string        `mapstructure:"base_url"`
	Model      string        `mapstructure:"model"`
	Timeout    time.Duration `mapstructure:"timeout"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
	Dimensions int           `mapstructure:"dimensions"`
	// RatePerSecond throttles upstream embed calls so bulk memory writes
	// cannot starve the service; 0 disables the limiter.
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	RateBurst     int     `mapstructure:"rate_burst"`
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = "text-embedding-3-small"
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Hour
	}
	if c.Dimensions == 0 {
		c.Dimensions = 384
	}
	if c.RateBurst == 0 {
		c.RateBurst = 4
	}
}
