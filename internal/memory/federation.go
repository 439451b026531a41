package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unitylab/unity-coordinator/internal/metrics"
)

// GraphFactory builds the memory graph for a newly federated office.
type GraphFactory func(officeID string) (*Graph, error)

// OfficeInfo describes one federation member.
type OfficeInfo struct {
	Type         string    `json:"type"`
	Capabilities []string  `json:"capabilities"`
	RegisteredAt time.Time `json:"registered_at"`
}

// FederatedResult is one search hit annotated with the graph it came from.
type FederatedResult struct {
	OfficeID string
	Node     *Node
}

// Federation coordinates search and sharing across independent per-office
// memory graphs.
type Federation struct {
	factory GraphFactory
	logger  *zap.Logger

	mu       sync.RWMutex
	graphs   map[string]*Graph
	registry map[string]OfficeInfo
}

func NewFederation(factory GraphFactory, logger *zap.Logger) *Federation {
	return &Federation{
		factory:  factory,
		logger:   logger,
		graphs:   make(map[string]*Graph),
		registry: make(map[string]OfficeInfo),
	}
}

// RegisterOffice creates a dedicated graph for the office and starts its
// sweep loop. Registering the same office again is a no-op.
func (f *Federation) RegisterOffice(ctx context.Context, officeID, officeType string, capabilities []string) error {
	f.mu.Lock()
	if _, ok := f.graphs[officeID]; ok {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	graph, err := f.factory(officeID)
	if err != nil {
		return err
	}
	graph.Start(ctx)

	f.mu.Lock()
	f.graphs[officeID] = graph
	f.registry[officeID] = OfficeInfo{
		Type:         officeType,
		Capabilities: capabilities,
		RegisteredAt: time.Now(),
	}
	f.mu.Unlock()

	f.logger.Info("Office joined memory federation",
		zap.String("office_id", officeID),
		zap.String("office_type", officeType),
	)
	return nil
}

// Graph returns the memory graph for an office, or nil if unregistered.
func (f *Federation) Graph(officeID string) *Graph {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.graphs[officeID]
}

// Offices lists the registered federation members.
func (f *Federation) Offices() map[string]OfficeInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]OfficeInfo, len(f.registry))
	for id, info := range f.registry {
		out[id] = info
	}
	return out
}

// FederatedSearch fans the query out across the target graphs
// concurrently and merges the hits. Only PUBLIC nodes cross the
// federation boundary; anything the requester can read privately stays
// reachable through its own graph's SearchMemories. Results are ranked
// by access count — a compatibility quirk kept from the original
// protocol, not a relevance signal; per-office ordering is already
// similarity-based.
func (f *Federation) FederatedSearch(ctx context.Context, query, requestingOffice string, targetOffices []string, limit int) []FederatedResult {
	if limit <= 0 {
		limit = 10
	}
	f.mu.RLock()
	if len(targetOffices) == 0 {
		targetOffices = make([]string, 0, len(f.graphs))
		for id := range f.graphs {
			targetOffices = append(targetOffices, id)
		}
	}
	graphs := make([]*Graph, len(targetOffices))
	for i, id := range targetOffices {
		graphs[i] = f.graphs[id]
	}
	f.mu.RUnlock()

	metrics.FederatedSearches.Inc()

	// Fan out one search per office; failures become empty result sets at
	// the join point rather than aborting the whole federation query.
	perOffice := make([][]*Node, len(targetOffices))
	var wg sync.WaitGroup
	for i, graph := range graphs {
		if graph == nil {
			continue
		}
		wg.Add(1)
		go func(i int, graph *Graph) {
			defer wg.Done()
			nodes, err := graph.SearchMemories(ctx, query, requestingOffice, limit, "", ConsentPublic)
			if err != nil {
				f.logger.Warn("Federated search shard failed",
					zap.String("office_id", targetOffices[i]),
					zap.Error(err),
				)
				return
			}
			perOffice[i] = nodes
		}(i, graph)
	}
	wg.Wait()

	var results []FederatedResult
	for i, nodes := range perOffice {
		for _, node := range nodes {
			results = append(results, FederatedResult{OfficeID: targetOffices[i], Node: node})
		}
	}
	sort.SliceStable(results, func(a, b int) bool {
		return results[a].Node.AccessCount > results[b].Node.AccessCount
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// SetSweepInterval applies a new expiry sweep interval to every
// registered office graph.
func (f *Federation) SetSweepInterval(d time.Duration) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, g := range f.graphs {
		g.SetSweepInterval(d)
	}
}

// CrossOfficeShare copies (never moves) a node from one office's graph
// into another's under the chosen consent level, tagging provenance.
func (f *Federation) CrossOfficeShare(ctx context.Context, sourceOffice, targetOffice, memoryID string, consent ConsentLevel) bool {
	f.mu.RLock()
	source := f.graphs[sourceOffice]
	target := f.graphs[targetOffice]
	f.mu.RUnlock()
	if source == nil || target == nil {
		return false
	}

	node := source.GetMemory(ctx, memoryID, sourceOffice)
	if node == nil {
		return false
	}

	meta := make(map[string]interface{}, len(node.Metadata)+2)
	for k, v := range node.Metadata {
		meta[k] = v
	}
	meta["original_office"] = sourceOffice
	meta["original_memory_id"] = memoryID

	tags := append(append([]string{}, node.Tags...), "shared_from:"+sourceOffice)
	_, err := target.CreateMemory(ctx, targetOffice,
		"[Shared from "+sourceOffice+"] "+node.Title,
		node.Content,
		node.Type,
		consent,
		time.Duration(node.TTLSeconds)*time.Second,
		tags,
		meta,
	)
	if err != nil {
		f.logger.Warn("Cross-office share failed",
			zap.String("source", sourceOffice),
			zap.String("target", targetOffice),
			zap.Error(err),
		)
		return false
	}
	return true
}

// Close stops every registered graph's sweep loop.
func (f *Federation) Close() {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, graph := range f.graphs {
		graph.Close()
	}
}
