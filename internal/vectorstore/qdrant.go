package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// QdrantConfig holds the connection settings for a Qdrant collection.
type QdrantConfig struct {
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	Collection string        `mapstructure:"collection"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

func (c *QdrantConfig) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6333
	}
	if c.Collection == "" {
		c.Collection = "unity_memories"
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
}

// Qdrant is a minimal Qdrant HTTP client implementing Store.
type Qdrant struct {
	cfg    QdrantConfig
	http   *http.Client
	base   string
	logger *zap.Logger
}

func NewQdrant(cfg QdrantConfig, logger *zap.Logger) *Qdrant {
	cfg.applyDefaults()
	return &Qdrant{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		base:   fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		logger: logger,
	}
}

type qdrantPoint struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

type qdrantQueryRequest struct {
	Query       []float32              `json:"query"`
	Limit       int                    `json:"limit"`
	WithPayload bool                   `json:"with_payload"`
	Filter      map[string]interface{} `json:"filter,omitempty"`
}

type qdrantQueryResponse struct {
	Result struct {
		Points []struct {
			ID    string  `json:"id"`
			Score float64 `json:"score"`
		} `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

func (q *Qdrant) Upsert(ctx context.Context, item Item) error {
	payload := map[string]interface{}{"text": item.Text}
	for k, v := range item.Metadata {
		payload[k] = v
	}
	body := map[string]interface{}{
		"points": []qdrantPoint{{ID: item.ID, Vector: item.Vector, Payload: payload}},
	}
	return q.do(ctx, http.MethodPut, fmt.Sprintf("%s/collections/%s/points", q.base, q.cfg.Collection), body, nil)
}

func (q *Qdrant) Query(ctx context.Context, vector []float32, k int, filter map[string]interface{}) ([]Result, error) {
	req := qdrantQueryRequest{Query: vector, Limit: k, WithPayload: false}
	if len(filter) > 0 {
		must := make([]map[string]interface{}, 0, len(filter))
		for key, val := range filter {
			must = append(must, map[string]interface{}{
				"key":   key,
				"match": map[string]interface{}{"value": val},
			})
		}
		req.Filter = map[string]interface{}{"must": must}
	}

	var qr qdrantQueryResponse
	url := fmt.Sprintf("%s/collections/%s/points/query", q.base, q.cfg.Collection)
	if err := q.do(ctx, http.MethodPost, url, req, &qr); err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(qr.Result.Points))
	for _, p := range qr.Result.Points {
		results = append(results, Result{ID: p.ID, Score: p.Score})
	}
	return results, nil
}

func (q *Qdrant) Delete(ctx context.Context, id string) error {
	body := map[string]interface{}{"points": []string{id}}
	url := fmt.Sprintf("%s/collections/%s/points/delete", q.base, q.cfg.Collection)
	return q.do(ctx, http.MethodPost, url, body, nil)
}

func (q *Qdrant) UpdateMetadata(ctx context.Context, id string, partial map[string]interface{}) error {
	body := map[string]interface{}{
		"payload": partial,
		"points":  []string{id},
	}
	url := fmt.Sprintf("%s/collections/%s/points/payload", q.base, q.cfg.Collection)
	return q.do(ctx, http.MethodPost, url, body, nil)
}

func (q *Qdrant) do(ctx context.Context, method, url string, body interface{}, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := q.http.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode qdrant response: %w", err)
		}
	}
	return nil
}
