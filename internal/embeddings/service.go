package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/unitylab/unity-coordinator/internal/circuitbreaker"
	"github.com/unitylab/unity-coordinator/internal/metrics"
)

// Service calls an external embedding HTTP service, with optional caching
// and rate limiting in front of it. A circuit breaker fails fast during
// upstream outages instead of stacking timeouts under bulk memory writes.
type Service struct {
	cfg     Config
	http    *http.Client
	cache   *Cache
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
}

// NewService builds an HTTP-backed Provider. cache may be nil.
func NewService(cfg Config, cache *Cache, logger *zap.Logger) *Service {
	cfg.applyDefaults()
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst)
	}
	return &Service{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		cache:   cache,
		limiter: limiter,
		breaker: circuitbreaker.New("embeddings", circuitbreaker.Config{}, logger),
		logger:  logger,
	}
}

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// Embed returns the vector for text, serving from cache when possible.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.cache != nil {
		if vec, ok := s.cache.Get(ctx, s.cfg.Model, text); ok {
			metrics.EmbeddingCacheHits.Inc()
			return vec, nil
		}
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var vec []float32
	err := s.breaker.Do(func() error {
		var ferr error
		vec, ferr = s.fetch(ctx, text)
		return ferr
	})
	if err != nil {
		metrics.EmbeddingRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.EmbeddingRequests.WithLabelValues("ok").Inc()

	if s.cache != nil {
		s.cache.Put(ctx, s.cfg.Model, text, vec)
	}
	return vec, nil
}

func (s *Service) fetch(ctx context.Context, text string) ([]float32, error) {
	body, _ := json.Marshal(embedRequest{Texts: []string{text}, Model: s.cfg.Model})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed service status %d", resp.StatusCode)
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(er.Embeddings) == 0 {
		return nil, fmt.Errorf("embed service returned no vectors")
	}
	return er.Embeddings[0], nil
}

// Dimensions reports the configured vector size.
func (s *Service) Dimensions() int { return s.cfg.Dimensions }
