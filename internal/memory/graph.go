package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unitylab/unity-coordinator/internal/broker"
	"github.com/unitylab/unity-coordinator/internal/embeddings"
	"github.com/unitylab/unity-coordinator/internal/metrics"
	"github.com/unitylab/unity-coordinator/internal/vectorstore"
)

// Graph is a TTL- and consent-gated memory store. Nodes live in an
// in-memory index mirrored to a durable vector store; a background sweep
// purges expired nodes even when nobody reads them.
//
// Access rule: the owner always reads; PUBLIC and SHARED read for anyone;
// RESTRICTED requires an explicit grant; PRIVATE never leaves the owner.
type Graph struct {
	cfg      Config
	store    vectorstore.Store
	embedder embeddings.Provider
	broker   *broker.Broker // optional; nil disables events
	logger   *zap.Logger

	mu    sync.Mutex
	nodes map[string]*Node
	// grants maps receiving office -> set of node IDs it may read.
	grants map[string]map[string]struct{}

	cancel      context.CancelFunc
	wg          sync.WaitGroup
	sweepReload chan struct{}
}

// NewGraph builds a memory graph. b may be nil to disable event publishing.
func NewGraph(cfg Config, store vectorstore.Store, embedder embeddings.Provider, b *broker.Broker, logger *zap.Logger) *Graph {
	cfg.applyDefaults()
	return &Graph{
		cfg:         cfg,
		store:       store,
		embedder:    embedder,
		broker:      b,
		logger:      logger,
		nodes:       make(map[string]*Node),
		grants:      make(map[string]map[string]struct{}),
		sweepReload: make(chan struct{}, 1),
	}
}

// Start launches the background expiry sweep. It runs until Close.
func (g *Graph) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)
	g.wg.Add(1)
	go g.sweepLoop(ctx)
}

// Close stops the sweep loop.
func (g *Graph) Close() {
	if g.cancel != nil {
		g.cancel()
		g.wg.Wait()
	}
}

// CreateMemory embeds the content and writes the node to the durable store
// and the in-memory index. The index insert happens only after the durable
// write succeeds, so a node is never visible in one but not the other.
func (g *Graph) CreateMemory(ctx context.Context, officeID, title, content string, nodeType NodeType, consent ConsentLevel, ttl time.Duration, tags []string, metadata map[string]interface{}) (*Node, error) {
	if nodeType == "" {
		nodeType = TypeKnowledge
	}
	if consent == "" {
		consent = ConsentRestricted
	}
	if ttl == 0 {
		ttl = g.cfg.DefaultTTL
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}

	vec, err := g.embedder.Embed(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}

	now := time.Now()
	node := &Node{
		ID:           uuid.New().String(),
		Type:         nodeType,
		Title:        title,
		Content:      content,
		Embedding:    vec,
		OfficeID:     officeID,
		ConsentLevel: consent,
		TTLSeconds:   int(ttl / time.Second),
		CreatedAt:    now,
		AccessedAt:   now,
		Connections:  make(map[string]struct{}),
		Tags:         tags,
		Metadata:     metadata,
	}

	err = g.store.Upsert(ctx, vectorstore.Item{
		ID:     node.ID,
		Vector: vec,
		Text:   content,
		Metadata: map[string]interface{}{
			"office_id":     officeID,
			"type":          string(nodeType),
			"consent_level": string(consent),
			"created_at":    now.Unix(),
			"ttl_seconds":   node.TTLSeconds,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("persist node: %w", err)
	}

	g.mu.Lock()
	g.nodes[node.ID] = node
	g.mu.Unlock()

	metrics.MemoryNodesCreated.WithLabelValues(officeID, string(nodeType)).Inc()
	metrics.MemoryNodesResident.WithLabelValues(officeID).Inc()
	g.publishEvent(ctx, "memory_created", map[string]interface{}{
		"id":            node.ID,
		"office_id":     officeID,
		"type":          string(nodeType),
		"consent_level": string(consent),
	})
	return node, nil
}

// GetMemory returns the node if it exists, has not expired, and the
// requesting office passes the access rule; nil otherwise. Successful
// reads update the access bookkeeping. An expired node found here is
// removed immediately rather than waiting for the sweep.
func (g *Graph) GetMemory(ctx context.Context, id, requestingOffice string) *Node {
	g.mu.Lock()
	node, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return nil
	}
	if node.Expired(time.Now()) {
		delete(g.nodes, id)
		g.mu.Unlock()
		g.dropDurable(ctx, node)
		metrics.MemoryExpired.Inc()
		return nil
	}
	if !g.hasAccessLocked(node, requestingOffice) {
		g.mu.Unlock()
		metrics.MemoryAccessDenied.WithLabelValues(string(node.ConsentLevel)).Inc()
		return nil
	}
	node.AccessedAt = time.Now()
	node.AccessCount++
	g.mu.Unlock()
	return node
}

// SearchMemories embeds the query, over-fetches from the vector store, and
// filters by the access rule plus the minimum-consent floor.
func (g *Graph) SearchMemories(ctx context.Context, query, requestingOffice string, limit int, typeFilter NodeType, minConsent ConsentLevel) ([]*Node, error) {
	if limit <= 0 {
		limit = 10
	}
	if minConsent == "" {
		minConsent = ConsentPublic
	}
	start := time.Now()
	defer func() {
		metrics.MemorySearchDuration.Observe(time.Since(start).Seconds())
	}()

	vec, err := g.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var filter map[string]interface{}
	if typeFilter != "" {
		filter = map[string]interface{}{"type": string(typeFilter)}
	}
	hits, err := g.store.Query(ctx, vec, limit*g.cfg.SearchOverfetch, filter)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}

	results := make([]*Node, 0, limit)
	for _, hit := range hits {
		node := g.GetMemory(ctx, hit.ID, requestingOffice)
		if node == nil {
			continue
		}
		if node.ConsentLevel.Rank() > minConsent.Rank() {
			continue
		}
		results = append(results, node)
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

// ConnectMemories adds a symmetric edge between two nodes. The requester
// needs read access to both and ownership of at least one.
func (g *Graph) ConnectMemories(ctx context.Context, id1, id2, requestingOffice string) bool {
	node1 := g.GetMemory(ctx, id1, requestingOffice)
	node2 := g.GetMemory(ctx, id2, requestingOffice)
	if node1 == nil || node2 == nil {
		return false
	}
	if node1.OfficeID != requestingOffice && node2.OfficeID != requestingOffice {
		return false
	}

	g.mu.Lock()
	node1.Connections[id2] = struct{}{}
	node2.Connections[id1] = struct{}{}
	g.mu.Unlock()

	g.publishEvent(ctx, "memories_connected", map[string]interface{}{
		"memory_id1": id1,
		"memory_id2": id2,
		"office_id":  requestingOffice,
	})
	return true
}

// UpdateConsent changes a node's consent level. Owner only; takes effect
// for all subsequent reads.
func (g *Graph) UpdateConsent(ctx context.Context, id string, newConsent ConsentLevel, requestingOffice string) bool {
	g.mu.Lock()
	node, ok := g.nodes[id]
	if !ok || node.OfficeID != requestingOffice {
		g.mu.Unlock()
		return false
	}
	old := node.ConsentLevel
	node.ConsentLevel = newConsent
	g.mu.Unlock()

	if err := g.store.UpdateMetadata(ctx, id, map[string]interface{}{"consent_level": string(newConsent)}); err != nil {
		g.logger.Warn("Durable consent update failed", zap.String("memory_id", id), zap.Error(err))
	}
	g.publishEvent(ctx, "consent_updated", map[string]interface{}{
		"memory_id":   id,
		"old_consent": string(old),
		"new_consent": string(newConsent),
		"office_id":   requestingOffice,
	})
	return true
}

// UpdateTTL changes a node's TTL. Owner only.
func (g *Graph) UpdateTTL(ctx context.Context, id string, ttl time.Duration, requestingOffice string) bool {
	g.mu.Lock()
	node, ok := g.nodes[id]
	if !ok || node.OfficeID != requestingOffice {
		g.mu.Unlock()
		return false
	}
	node.TTLSeconds = int(ttl / time.Second)
	g.mu.Unlock()

	if err := g.store.UpdateMetadata(ctx, id, map[string]interface{}{"ttl_seconds": int(ttl / time.Second)}); err != nil {
		g.logger.Warn("Durable TTL update failed", zap.String("memory_id", id), zap.Error(err))
	}
	return true
}

// DeleteMemory removes a node from the index and the durable store. It is
// idempotent: deleting an absent node returns false without error.
func (g *Graph) DeleteMemory(ctx context.Context, id string, force bool) bool {
	g.mu.Lock()
	node, ok := g.nodes[id]
	if ok {
		delete(g.nodes, id)
	}
	g.mu.Unlock()
	if !ok && !force {
		return false
	}

	if err := g.store.Delete(ctx, id); err != nil {
		g.logger.Warn("Durable delete failed", zap.String("memory_id", id), zap.Error(err))
	}
	if node != nil {
		metrics.MemoryNodesResident.WithLabelValues(node.OfficeID).Dec()
	}
	g.publishEvent(ctx, "memory_deleted", map[string]interface{}{"memory_id": id})
	return true
}

// GrantOfficeAccess allow-lists specific nodes for a receiving office.
// Only nodes owned by the granting office count; the return value is the
// number actually granted.
func (g *Graph) GrantOfficeAccess(ctx context.Context, grantingOffice, receivingOffice string, ids []string) int {
	granted := 0
	g.mu.Lock()
	for _, id := range ids {
		node, ok := g.nodes[id]
		if !ok || node.OfficeID != grantingOffice {
			continue
		}
		set, ok := g.grants[receivingOffice]
		if !ok {
			set = make(map[string]struct{})
			g.grants[receivingOffice] = set
		}
		set[id] = struct{}{}
		granted++
	}
	g.mu.Unlock()

	g.publishEvent(ctx, "access_granted", map[string]interface{}{
		"granting_office":  grantingOffice,
		"receiving_office": receivingOffice,
		"memory_count":     granted,
	})
	return granted
}

// GetOfficeMemories lists nodes owned by an office, optionally including
// nodes other offices have opened to it.
func (g *Graph) GetOfficeMemories(officeID string, includeShared bool) []*Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	var out []*Node
	for _, node := range g.nodes {
		if node.Expired(now) {
			continue
		}
		if node.OfficeID == officeID || (includeShared && g.hasAccessLocked(node, officeID)) {
			out = append(out, node)
		}
	}
	return out
}

// GetMemoryGraph exports the subgraph reachable from a center node within
// depth hops, breadth-first, applying the access rule at every hop. Each
// node is visited once, so connection cycles terminate.
func (g *Graph) GetMemoryGraph(ctx context.Context, centerID string, depth int, requestingOffice string) *Subgraph {
	sub := &Subgraph{Nodes: []GraphNode{}, Edges: []GraphEdge{}}
	visited := map[string]struct{}{}

	type frontier struct {
		id    string
		depth int
	}
	queue := []frontier{{centerID, 0}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth > depth {
			continue
		}
		if _, seen := visited[cur.id]; seen {
			continue
		}
		visited[cur.id] = struct{}{}

		node := g.GetMemory(ctx, cur.id, requestingOffice)
		if node == nil {
			continue
		}
		sub.Nodes = append(sub.Nodes, GraphNode{
			ID:           node.ID,
			Title:        node.Title,
			Type:         node.Type,
			OfficeID:     node.OfficeID,
			ConsentLevel: node.ConsentLevel,
		})

		g.mu.Lock()
		conns := make([]string, 0, len(node.Connections))
		for id := range node.Connections {
			conns = append(conns, id)
		}
		g.mu.Unlock()
		for _, connected := range conns {
			sub.Edges = append(sub.Edges, GraphEdge{Source: cur.id, Target: connected})
			queue = append(queue, frontier{connected, cur.depth + 1})
		}
	}
	return sub
}

// Sweep removes every expired node, returning how many were purged. The
// background loop calls this on its interval; tests call it directly.
func (g *Graph) Sweep(ctx context.Context) int {
	now := time.Now()
	g.mu.Lock()
	var expired []*Node
	for id, node := range g.nodes {
		if node.Expired(now) {
			delete(g.nodes, id)
			expired = append(expired, node)
		}
	}
	g.mu.Unlock()

	for _, node := range expired {
		g.dropDurable(ctx, node)
		metrics.MemoryExpired.Inc()
	}
	metrics.MemorySweeps.Inc()
	if len(expired) > 0 {
		g.logger.Info("Swept expired memories", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// SetSweepInterval applies a new sweep interval to the running loop.
// Non-positive values are ignored.
func (g *Graph) SetSweepInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	g.mu.Lock()
	changed := g.cfg.SweepInterval != d
	g.cfg.SweepInterval = d
	g.mu.Unlock()
	if !changed {
		return
	}
	select {
	case g.sweepReload <- struct{}{}:
	default:
	}
}

func (g *Graph) sweepInterval() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg.SweepInterval
}

func (g *Graph) sweepLoop(ctx context.Context) {
	defer g.wg.Done()
	ticker := time.NewTicker(g.sweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.sweepReload:
			ticker.Reset(g.sweepInterval())
		case <-ticker.C:
			g.Sweep(ctx)
		}
	}
}

// hasAccessLocked applies the access rule; caller holds g.mu.
func (g *Graph) hasAccessLocked(node *Node, requestingOffice string) bool {
	if node.OfficeID == requestingOffice {
		return true
	}
	switch node.ConsentLevel {
	case ConsentPublic, ConsentShared:
		return true
	case ConsentRestricted:
		set, ok := g.grants[requestingOffice]
		if !ok {
			return false
		}
		_, granted := set[node.ID]
		return granted
	default: // private
		return false
	}
}

func (g *Graph) dropDurable(ctx context.Context, node *Node) {
	if err := g.store.Delete(ctx, node.ID); err != nil {
		g.logger.Warn("Durable delete of expired node failed",
			zap.String("memory_id", node.ID),
			zap.Error(err),
		)
	}
	metrics.MemoryNodesResident.WithLabelValues(node.OfficeID).Dec()
}

func (g *Graph) publishEvent(ctx context.Context, eventType string, data map[string]interface{}) {
	if g.broker == nil {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"event_type": eventType,
		"timestamp":  float64(time.Now().UnixNano()) / float64(time.Second),
		"data":       data,
	})
	if err != nil {
		return
	}
	if err := g.broker.Publish(ctx, "unity:memory:"+eventType, payload); err != nil {
		g.logger.Debug("Memory event publish failed",
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}
